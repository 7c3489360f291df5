package am

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/teranos/crmsync/errors"
)

// EnvPrefix prefixes environment overrides: sync.token is CRMSYNC_SYNC_TOKEN.
const EnvPrefix = "CRMSYNC"

// ProjectFile is the per-project config file name searched for upward
// from the working directory.
const ProjectFile = "crmsync.toml"

var (
	mu            sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper
	// configSources records which file set each key during the last merge.
	configSources = map[string]SourceInfo{}
	// unknownKeys collects keys no Config field accepts, per file.
	unknownKeys = map[string][]string{}
)

// Load reads, caches and validates the configuration
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()
	if globalConfig != nil {
		return globalConfig, nil
	}

	config, err := LoadWithViper(initViperLocked())
	if err != nil {
		return nil, err
	}
	globalConfig = config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	mu.Lock()
	defer mu.Unlock()
	return initViperLocked()
}

// LoadWithViper unmarshals and validates the configuration held by v
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return &config, nil
}

// LoadFromFile loads defaults plus one specific file, ignoring the search
// path and the environment
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	config, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "config file %s", configPath)
	}
	return config, nil
}

// Reset clears the cached configuration
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	viperInstance = nil
	configSources = map[string]SourceInfo{}
	unknownKeys = map[string][]string{}
}

// initViperLocked initializes Viper with configuration sources and defaults
func initViperLocked() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// ConfigPaths returns the candidate config files, lowest precedence first.
// Files that do not exist are included.
func ConfigPaths() []string {
	paths := []string{"/etc/crmsync/config.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".crmsync", "config.toml"))
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, project)
	}
	return paths
}

// ActiveConfigFile returns the highest precedence config file that exists,
// or "".
func ActiveConfigFile() string {
	paths := ConfigPaths()
	for i := len(paths) - 1; i >= 0; i-- {
		if _, err := os.Stat(paths[i]); err == nil {
			return paths[i]
		}
	}
	return ""
}

// findProjectConfig walks up from the working directory looking for
// ProjectFile
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(dir, ProjectFile)
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges configuration files in precedence order
// (lowest to highest): system < user < project < env vars
func mergeConfigFiles(v *viper.Viper) {
	paths := ConfigPaths()
	for i, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		tmp := viper.New()
		tmp.SetConfigFile(path)
		tmp.SetConfigType("toml")
		if err := tmp.ReadInConfig(); err != nil {
			continue
		}
		if keys, err := UnknownKeys(path); err == nil && len(keys) > 0 {
			unknownKeys[path] = keys
		}
		source := sourceFor(i, len(paths), path)
		for _, key := range tmp.AllKeys() {
			v.Set(key, tmp.Get(key))
			configSources[key] = SourceInfo{Source: source, Path: path}
		}
	}

	// Set() outranks AutomaticEnv, so put env overrides back on top.
	for _, key := range v.AllKeys() {
		env := EnvVar(key)
		if val, ok := os.LookupEnv(env); ok {
			v.Set(key, val)
		}
	}
}

func sourceFor(i, n int, path string) ConfigSource {
	switch {
	case i == 0 && strings.HasPrefix(path, "/etc/"):
		return SourceSystem
	case filepath.Base(path) == ProjectFile && i == n-1:
		return SourceProject
	}
	return SourceUser
}

// EnvVar returns the environment variable overriding key
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// UnknownKeys reports keys in a TOML file that no Config field accepts,
// usually typos.
func UnknownKeys(path string) ([]string, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	var keys []string
	for _, k := range md.Undecoded() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	return keys, nil
}

// Warnings lists unknown keys found during the last Load, one line per key.
func Warnings() []string {
	mu.Lock()
	defer mu.Unlock()
	var out []string
	for path, keys := range unknownKeys {
		for _, k := range keys {
			out = append(out, path+": unknown key "+k)
		}
	}
	sort.Strings(out)
	return out
}
