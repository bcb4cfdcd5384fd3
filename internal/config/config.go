package config

import "time"

// Config is the root configuration for a livesync daemon.
type Config struct {
	Instance   InstanceConfig    `yaml:"instance"`
	Server     ServerConfig      `yaml:"server"`
	Transport  TransportConfig   `yaml:"transport"`
	Health     HealthConfig      `yaml:"health"`
	Fallback   FallbackConfig    `yaml:"fallback"`
	Polling    PollingConfig     `yaml:"polling"`
	Store      StoreConfig       `yaml:"store"`
	Notify     NotifyConfig      `yaml:"notify"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Components []ComponentConfig `yaml:"components"`
}

// InstanceConfig identifies this daemon.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig locates the upstream server.
type ServerConfig struct {
	BaseURL    string `yaml:"base_url"`    // http(s) base; push endpoints are derived from it
	HealthPath string `yaml:"health_path"` // Probed with GET, 2xx is healthy
	NotifyPath string `yaml:"notify_path"` // Outbound messages while push is down
}

// TransportConfig holds push connection settings.
type TransportConfig struct {
	Kind           string        `yaml:"kind"` // raw or multiplexed; overrides the build default
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// HealthConfig holds health probe settings.
type HealthConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	RecheckInterval time.Duration `yaml:"recheck_interval"`
}

// FallbackConfig holds orchestrator settings.
type FallbackConfig struct {
	Timeout        time.Duration `yaml:"timeout"`         // Connect window before polling starts
	ReconnectEvery time.Duration `yaml:"reconnect_every"` // Reconnect rate limit
	ReconnectBurst int           `yaml:"reconnect_burst"`
}

// PollingConfig overrides rows of the default interval table.
type PollingConfig struct {
	High   PollingBounds `yaml:"high"`
	Medium PollingBounds `yaml:"medium"`
	Low    PollingBounds `yaml:"low"`
}

// PollingBounds is one row of the interval table. Zero fields keep the
// built-in value.
type PollingBounds struct {
	Interval    time.Duration `yaml:"interval"`
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
}

// StoreConfig selects where the transport override is persisted.
type StoreConfig struct {
	Backend  string      `yaml:"backend"` // file, redis or postgres
	Key      string      `yaml:"key"`
	File     FileConfig  `yaml:"file"`
	Redis    RedisConfig `yaml:"redis"`
	Postgres DBConfig    `yaml:"postgres"`
}

// FileConfig holds the file store settings.
type FileConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds the redis store settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// NotifyConfig holds outbound notify client settings.
type NotifyConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	BreakerFailures int           `yaml:"breaker_failures"` // Consecutive failures before the breaker opens
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// MetricsConfig holds the status server settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// ComponentConfig describes one kept-fresh component.
type ComponentConfig struct {
	ID       string        `yaml:"id"` // Generated from Feature when empty
	Feature  string        `yaml:"feature"`
	Channels []string      `yaml:"channels"`
	Priority string        `yaml:"priority"` // high, medium or low
	Interval time.Duration `yaml:"interval"`
	PollURL  string        `yaml:"poll_url"`
	Adaptive *bool         `yaml:"adaptive"`
}
