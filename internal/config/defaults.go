package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultHealthPath      = "/health"
	DefaultNotifyPath      = "/api/notify"
	DefaultConnectTimeout  = 10 * time.Second
	DefaultPingInterval    = 30 * time.Second
	DefaultPingTimeout     = 60 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultProbeTimeout    = 5 * time.Second
	DefaultRecheckInterval = 30 * time.Second
	DefaultFallbackTimeout = 10 * time.Second
	DefaultReconnectEvery  = 5 * time.Second
	DefaultReconnectBurst  = 3
	DefaultStoreBackend    = "file"
	DefaultStoreKey        = "livesync.transport"
	DefaultStorePath       = "livesync-state.yaml"
	DefaultRedisAddr       = "localhost:6379"
	DefaultRedisPrefix     = "livesync:"
	DefaultDBPort          = 5432
	DefaultDBSSLMode       = "prefer"
	DefaultMaxConns        = 4
	DefaultMinConns        = 1
	DefaultNotifyTimeout   = 10 * time.Second
	DefaultNotifyRetries   = 3
	DefaultBreakerFailures = 5
	DefaultBreakerCooldown = 30 * time.Second
	DefaultMetricsPort     = 9090
	DefaultMetricsPath     = "/metrics"
)

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	// Server defaults
	if c.Server.HealthPath == "" {
		c.Server.HealthPath = DefaultHealthPath
	}
	if c.Server.NotifyPath == "" {
		c.Server.NotifyPath = DefaultNotifyPath
	}

	// Transport defaults
	if c.Transport.ConnectTimeout == 0 {
		c.Transport.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Transport.PingInterval == 0 {
		c.Transport.PingInterval = DefaultPingInterval
	}
	if c.Transport.PingTimeout == 0 {
		c.Transport.PingTimeout = DefaultPingTimeout
	}
	if c.Transport.WriteTimeout == 0 {
		c.Transport.WriteTimeout = DefaultWriteTimeout
	}

	// Health defaults
	if c.Health.Timeout == 0 {
		c.Health.Timeout = DefaultProbeTimeout
	}
	if c.Health.RecheckInterval == 0 {
		c.Health.RecheckInterval = DefaultRecheckInterval
	}

	// Fallback defaults
	if c.Fallback.Timeout == 0 {
		c.Fallback.Timeout = DefaultFallbackTimeout
	}
	if c.Fallback.ReconnectEvery == 0 {
		c.Fallback.ReconnectEvery = DefaultReconnectEvery
	}
	if c.Fallback.ReconnectBurst == 0 {
		c.Fallback.ReconnectBurst = DefaultReconnectBurst
	}

	// Store defaults
	if c.Store.Backend == "" {
		c.Store.Backend = DefaultStoreBackend
	}
	if c.Store.Key == "" {
		c.Store.Key = DefaultStoreKey
	}
	if c.Store.File.Path == "" {
		c.Store.File.Path = DefaultStorePath
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = DefaultRedisAddr
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = DefaultRedisPrefix
	}
	applyDBDefaults(&c.Store.Postgres)

	// Notify defaults
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = DefaultNotifyTimeout
	}
	if c.Notify.MaxRetries == 0 {
		c.Notify.MaxRetries = DefaultNotifyRetries
	}
	if c.Notify.BreakerFailures == 0 {
		c.Notify.BreakerFailures = DefaultBreakerFailures
	}
	if c.Notify.BreakerCooldown == 0 {
		c.Notify.BreakerCooldown = DefaultBreakerCooldown
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
