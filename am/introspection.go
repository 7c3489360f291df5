package am

import (
	"os"
	"sort"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/crmsync/errors"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/crmsync/config.toml
	SourceUser        ConfigSource = "user"        // ~/.crmsync/config.toml
	SourceProject     ConfigSource = "project"     // crmsync.toml
	SourceEnvironment ConfigSource = "environment" // CRMSYNC_* env vars
)

// SourceInfo tracks where a configuration value originated
type SourceInfo struct {
	Source ConfigSource
	Path   string // file path or environment variable name
}

// SettingInfo contains metadata about a configuration setting
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"`
}

// secretKeys are redacted by Settings and Render.
var secretKeys = map[string]bool{
	"sync.token": true,
}

const redacted = "********"

// Settings returns every effective setting with where it came from,
// sorted by key. Secrets are redacted.
func Settings() ([]SettingInfo, error) {
	if _, err := Load(); err != nil {
		return nil, errors.Wrap(err, "failed to load config for introspection")
	}

	mu.Lock()
	v := initViperLocked()
	sources := make(map[string]SourceInfo, len(configSources))
	for k, s := range configSources {
		sources[k] = s
	}
	mu.Unlock()

	keys := v.AllKeys()
	sort.Strings(keys)
	out := make([]SettingInfo, 0, len(keys))
	for _, key := range keys {
		info := SourceInfo{Source: SourceDefault, Path: "built-in default"}
		if s, ok := sources[key]; ok {
			info = s
		}
		if env := EnvVar(key); os.Getenv(env) != "" {
			info = SourceInfo{Source: SourceEnvironment, Path: env}
		}
		var value interface{} = v.Get(key)
		if secretKeys[key] && v.GetString(key) != "" {
			value = redacted
		}
		out = append(out, SettingInfo{Key: key, Value: value, Source: info.Source, SourcePath: info.Path})
	}
	return out, nil
}

// Render returns cfg as TOML with secrets redacted
func Render(cfg *Config) (string, error) {
	cp := *cfg
	if cp.Sync.Token != "" {
		cp.Sync.Token = redacted
	}
	if cp.Server.Port == nil {
		port := DefaultServerPort
		cp.Server.Port = &port
	}
	data, err := toml.Marshal(cp)
	if err != nil {
		return "", errors.Wrap(err, "render config")
	}
	return string(data), nil
}
