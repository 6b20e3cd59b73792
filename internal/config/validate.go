package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *RelayConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if !strings.HasPrefix(c.Discovery.URL, "http://") && !strings.HasPrefix(c.Discovery.URL, "https://") {
		return fmt.Errorf("discovery.url must be http(s), got %q", c.Discovery.URL)
	}
	if c.Discovery.PollInterval <= 0 {
		return errors.New("discovery.poll_interval must be > 0")
	}
	if c.Discovery.RateLimit <= 0 {
		return errors.New("discovery.rate_limit must be > 0")
	}

	if c.Lifecycle.GraceWindow <= 0 {
		return errors.New("lifecycle.grace_window must be > 0")
	}
	if c.Lifecycle.MinTokens < 2 {
		return errors.New("lifecycle.min_tokens must be >= 2")
	}

	if !strings.HasPrefix(c.Upstream.URL, "ws://") && !strings.HasPrefix(c.Upstream.URL, "wss://") {
		return fmt.Errorf("upstream.url must be ws(s), got %q", c.Upstream.URL)
	}
	if c.Upstream.ReconnectDelay <= 0 {
		return errors.New("upstream.reconnect_delay must be > 0")
	}
	if c.Upstream.DepthLevels < 1 {
		return errors.New("upstream.depth_levels must be >= 1")
	}

	if c.Relay.Addr == "" {
		return errors.New("relay.addr is required")
	}
	if c.Relay.SweepInterval <= 0 {
		return errors.New("relay.sweep_interval must be > 0")
	}

	if c.Writer.Dir == "" {
		return errors.New("writer.dir is required")
	}
	if c.Writer.FlushSize < 1 {
		return errors.New("writer.flush_size must be >= 1")
	}
	if c.Writer.FlushInterval <= 0 {
		return errors.New("writer.flush_interval must be > 0")
	}

	if c.Catalog.Enabled() {
		if err := c.Catalog.validate("catalog"); err != nil {
			return err
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug|info|warn|error, got %q", c.Log.Level)
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (db *CatalogConfig) validate(prefix string) error {
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
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
