package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Server.BaseURL == "" {
		return errors.New("server.base_url is required")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("server.base_url %q is not an absolute url", c.Server.BaseURL)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("server.base_url scheme must be http or https, got %q", u.Scheme)
	}

	switch strings.ToLower(c.Transport.Kind) {
	case "", "raw", "ws", "websocket", "multiplexed", "socketio", "socket.io":
	default:
		return fmt.Errorf("transport.kind %q is not supported", c.Transport.Kind)
	}

	// A probe must finish before a connect attempt gives up, and a connect
	// attempt before the next recheck starts.
	if c.Health.Timeout >= c.Transport.ConnectTimeout {
		return fmt.Errorf("health.timeout (%s) must be less than transport.connect_timeout (%s)",
			c.Health.Timeout, c.Transport.ConnectTimeout)
	}
	if c.Transport.ConnectTimeout >= c.Health.RecheckInterval {
		return fmt.Errorf("transport.connect_timeout (%s) must be less than health.recheck_interval (%s)",
			c.Transport.ConnectTimeout, c.Health.RecheckInterval)
	}
	if c.Transport.PingTimeout <= c.Transport.PingInterval {
		return fmt.Errorf("transport.ping_timeout (%s) must exceed transport.ping_interval (%s)",
			c.Transport.PingTimeout, c.Transport.PingInterval)
	}
	if c.Fallback.ReconnectBurst < 1 {
		return errors.New("fallback.reconnect_burst must be >= 1")
	}

	if err := c.Polling.High.validate("polling.high"); err != nil {
		return err
	}
	if err := c.Polling.Medium.validate("polling.medium"); err != nil {
		return err
	}
	if err := c.Polling.Low.validate("polling.low"); err != nil {
		return err
	}

	if err := c.Store.validate(); err != nil {
		return err
	}

	if c.Notify.MaxRetries < 0 {
		return errors.New("notify.max_retries must be >= 0")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	ids := make(map[string]bool, len(c.Components))
	for i, comp := range c.Components {
		if err := comp.validate(fmt.Sprintf("components[%d]", i)); err != nil {
			return err
		}
		if comp.ID == "" {
			continue
		}
		if ids[comp.ID] {
			return fmt.Errorf("components[%d].id %q is duplicated", i, comp.ID)
		}
		ids[comp.ID] = true
	}

	return nil
}

func (b PollingBounds) validate(prefix string) error {
	if b.Interval < 0 || b.MinInterval < 0 || b.MaxInterval < 0 {
		return fmt.Errorf("%s intervals must not be negative", prefix)
	}
	if b.MinInterval > 0 && b.MaxInterval > 0 && b.MinInterval > b.MaxInterval {
		return fmt.Errorf("%s.min_interval (%s) cannot exceed max_interval (%s)", prefix, b.MinInterval, b.MaxInterval)
	}
	return nil
}

func (s *StoreConfig) validate() error {
	switch s.Backend {
	case "file":
		if s.File.Path == "" {
			return errors.New("store.file.path is required")
		}
	case "redis":
		if s.Redis.Addr == "" {
			return errors.New("store.redis.addr is required")
		}
	case "postgres":
		return s.Postgres.validate("store.postgres")
	default:
		return fmt.Errorf("store.backend must be file, redis or postgres, got %q", s.Backend)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

func (c *ComponentConfig) validate(prefix string) error {
	if c.ID == "" && c.Feature == "" {
		return fmt.Errorf("%s needs an id or a feature", prefix)
	}
	if c.PollURL == "" {
		return fmt.Errorf("%s.poll_url is required", prefix)
	}
	if c.Interval < 0 {
		return fmt.Errorf("%s.interval must not be negative", prefix)
	}
	switch strings.ToLower(strings.TrimSpace(c.Priority)) {
	case "", "high", "medium", "low":
	default:
		return fmt.Errorf("%s.priority must be high, medium or low, got %q", prefix, c.Priority)
	}
	for j, ch := range c.Channels {
		if strings.TrimSpace(ch) == "" {
			return fmt.Errorf("%s.channels[%d] is empty", prefix, j)
		}
	}
	return nil
}
