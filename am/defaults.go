package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/teranos/crmsync/store"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	outbox := store.DefaultOutboxConfig()

	v.SetDefault("database.path", "crmsync.db")
	v.SetDefault("database.retention_days", 30)

	v.SetDefault("sync.name", "crmsync")
	v.SetDefault("sync.endpoint", "")
	v.SetDefault("sync.token", "")
	v.SetDefault("sync.channel_url", "")
	v.SetDefault("sync.redis_addr", "")
	v.SetDefault("sync.redis_prefix", "crmsync")
	v.SetDefault("sync.workers", outbox.Workers)
	v.SetDefault("sync.mutations_per_second", outbox.MutationsPerSecond)
	v.SetDefault("sync.burst", outbox.Burst)
	v.SetDefault("sync.queue_size", outbox.QueueSize)
	v.SetDefault("sync.ack_timeout_seconds", 10)
	v.SetDefault("sync.request_timeout_seconds", 30)
	v.SetDefault("sync.refetch_on_reject", true)

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// ServerPort returns server.port, or DefaultServerPort when unset
func (c *Config) ServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// Outbox returns the outbox settings
func (c *Config) Outbox() store.OutboxConfig {
	return store.OutboxConfig{
		Workers:            c.Sync.Workers,
		MutationsPerSecond: c.Sync.MutationsPerSecond,
		Burst:              c.Sync.Burst,
		QueueSize:          c.Sync.QueueSize,
	}
}

// AckTimeout is how long a published mutation waits for its ack
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.Sync.AckTimeoutSeconds) * time.Second
}

// RequestTimeout bounds one GraphQL request
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Sync.RequestTimeoutSecs) * time.Second
}

// Retention is how long journaled operations are kept; 0 means forever
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Database.RetentionDays) * 24 * time.Hour
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Sync: {Endpoint: %s, Workers: %d}, Server: {Port: %d}}",
		c.Database.Path, c.Sync.Endpoint, c.Sync.Workers, c.ServerPort())
}
