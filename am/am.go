// Package am loads crmsync configuration.
//
// Sources, lowest precedence first: built-in defaults, /etc/crmsync/config.toml,
// ~/.crmsync/config.toml, the nearest crmsync.toml walking up from the working
// directory, and CRMSYNC_* environment variables (sync.token is
// CRMSYNC_SYNC_TOKEN).
package am

// Config represents the crmsync configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Sync     SyncConfig     `mapstructure:"sync" toml:"sync"`
	Server   ServerConfig   `mapstructure:"server" toml:"server"`
	Log      LogConfig      `mapstructure:"log" toml:"log"`
}

// DatabaseConfig configures the SQLite snapshot cache
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
	// RetentionDays bounds the operation journal; 0 keeps everything.
	RetentionDays int `mapstructure:"retention_days" toml:"retention_days"`
}

// SyncConfig configures how stores talk to the server
type SyncConfig struct {
	Name     string `mapstructure:"name" toml:"name"`         // advertised to the relay in hello
	Endpoint string `mapstructure:"endpoint" toml:"endpoint"` // GraphQL endpoint
	Token    string `mapstructure:"token" toml:"token"`       // bearer token for Endpoint

	ChannelURL  string `mapstructure:"channel_url" toml:"channel_url"` // relay websocket URL
	RedisAddr   string `mapstructure:"redis_addr" toml:"redis_addr"`   // relay fan-out; empty = in-process hub
	RedisPrefix string `mapstructure:"redis_prefix" toml:"redis_prefix"`

	Workers            int     `mapstructure:"workers" toml:"workers"`
	MutationsPerSecond float64 `mapstructure:"mutations_per_second" toml:"mutations_per_second"` // 0 = unlimited
	Burst              int     `mapstructure:"burst" toml:"burst"`
	QueueSize          int     `mapstructure:"queue_size" toml:"queue_size"`
	AckTimeoutSeconds  int     `mapstructure:"ack_timeout_seconds" toml:"ack_timeout_seconds"`
	RequestTimeoutSecs int     `mapstructure:"request_timeout_seconds" toml:"request_timeout_seconds"`
	RefetchOnReject    bool    `mapstructure:"refetch_on_reject" toml:"refetch_on_reject"`
}

// ServerConfig configures the relay
type ServerConfig struct {
	Port           *int     `mapstructure:"port" toml:"port"` // nil = DefaultServerPort, 0 is invalid
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level string `mapstructure:"level" toml:"level"`
	JSON  bool   `mapstructure:"json" toml:"json"`
}

// DefaultServerPort is the relay port when server.port is unset.
const DefaultServerPort = 877

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
