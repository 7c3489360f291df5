package am

import (
	"net/url"

	"go.uber.org/zap/zapcore"

	"github.com/teranos/crmsync/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && (*c.Server.Port < 0 || *c.Server.Port > 65535) {
		return errors.Newf("server.port must be between 1 and 65535, got %d", *c.Server.Port)
	}

	if c.Sync.Workers <= 0 {
		return errors.Newf("sync.workers must be > 0, got %d", c.Sync.Workers)
	}
	// 0 = unlimited
	if c.Sync.MutationsPerSecond < 0 {
		return errors.Newf("sync.mutations_per_second must be >= 0, got %f", c.Sync.MutationsPerSecond)
	}
	if c.Sync.Burst < 0 {
		return errors.Newf("sync.burst must be >= 0, got %d", c.Sync.Burst)
	}
	if c.Sync.QueueSize < 0 {
		return errors.Newf("sync.queue_size must be >= 0, got %d", c.Sync.QueueSize)
	}
	if c.Sync.AckTimeoutSeconds <= 0 {
		return errors.Newf("sync.ack_timeout_seconds must be > 0, got %d", c.Sync.AckTimeoutSeconds)
	}
	if c.Sync.RequestTimeoutSecs <= 0 {
		return errors.Newf("sync.request_timeout_seconds must be > 0, got %d", c.Sync.RequestTimeoutSecs)
	}
	if err := checkURL("sync.endpoint", c.Sync.Endpoint, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("sync.channel_url", c.Sync.ChannelURL, "http", "https", "ws", "wss"); err != nil {
		return err
	}

	if c.Database.RetentionDays < 0 {
		return errors.Newf("database.retention_days must be >= 0, got %d", c.Database.RetentionDays)
	}

	if c.Log.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
			return errors.WithHint(
				errors.Newf("log.level %q is not a log level", c.Log.Level),
				"use debug, info, warn or error")
		}
	}
	return nil
}

// checkURL accepts an empty value or an absolute URL with one of schemes.
func checkURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(err, "%s", key)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return errors.Newf("%s must be an absolute %v URL, got %q", key, schemes, raw)
}
