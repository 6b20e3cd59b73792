package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultDiscoveryURL     = "https://gamma-api.polymarket.com"
	DefaultPollInterval     = 60 * time.Second
	DefaultDiscoveryTimeout = 30 * time.Second
	DefaultMaxRetries       = 3
	DefaultRateLimit        = 2.0 // req/s

	DefaultGraceWindow = 4 * time.Hour
	DefaultMinTokens   = 2

	DefaultUpstreamURL       = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	DefaultReconnectDelay    = 5 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultStaleTimeout      = 60 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultDepthLevels       = 2

	DefaultRelayAddr     = ":8700"
	DefaultSweepInterval = 30 * time.Second
	DefaultProducerGrace = 10 * time.Second

	DefaultWriterDir     = "data/ticks"
	DefaultFlushSize     = 100
	DefaultFlushInterval = 10 * time.Second

	DefaultDBPort    = 5432
	DefaultDBSSLMode = "prefer"
	DefaultMaxConns  = 4
	DefaultMinConns  = 1

	DefaultLogLevel   = "info"
	DefaultMaxSizeMB  = 100
	DefaultMaxBackups = 5
	DefaultMaxAgeDays = 14

	DefaultHealthPort = 8701
)

func (c *RelayConfig) applyDefaults() {
	if c.Discovery.URL == "" {
		c.Discovery.URL = DefaultDiscoveryURL
	}
	if c.Discovery.PollInterval == 0 {
		c.Discovery.PollInterval = DefaultPollInterval
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = DefaultDiscoveryTimeout
	}
	if c.Discovery.MaxRetries == 0 {
		c.Discovery.MaxRetries = DefaultMaxRetries
	}
	if c.Discovery.RateLimit == 0 {
		c.Discovery.RateLimit = DefaultRateLimit
	}

	if c.Lifecycle.GraceWindow == 0 {
		c.Lifecycle.GraceWindow = DefaultGraceWindow
	}
	if c.Lifecycle.MinTokens == 0 {
		c.Lifecycle.MinTokens = DefaultMinTokens
	}

	if c.Upstream.URL == "" {
		c.Upstream.URL = DefaultUpstreamURL
	}
	if c.Upstream.ReconnectDelay == 0 {
		c.Upstream.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Upstream.HeartbeatInterval == 0 {
		c.Upstream.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Upstream.StaleTimeout == 0 {
		c.Upstream.StaleTimeout = DefaultStaleTimeout
	}
	if c.Upstream.WriteTimeout == 0 {
		c.Upstream.WriteTimeout = DefaultWriteTimeout
	}
	if c.Upstream.DepthLevels == 0 {
		c.Upstream.DepthLevels = DefaultDepthLevels
	}

	if c.Relay.Addr == "" {
		c.Relay.Addr = DefaultRelayAddr
	}
	if c.Relay.SweepInterval == 0 {
		c.Relay.SweepInterval = DefaultSweepInterval
	}
	if c.Relay.ProducerGrace == 0 {
		c.Relay.ProducerGrace = DefaultProducerGrace
	}
	if c.Relay.WriteTimeout == 0 {
		c.Relay.WriteTimeout = DefaultWriteTimeout
	}

	if c.Writer.Dir == "" {
		c.Writer.Dir = DefaultWriterDir
	}
	if c.Writer.FlushSize == 0 {
		c.Writer.FlushSize = DefaultFlushSize
	}
	if c.Writer.FlushInterval == 0 {
		c.Writer.FlushInterval = DefaultFlushInterval
	}

	if c.Catalog.Enabled() {
		if c.Catalog.Port == 0 {
			c.Catalog.Port = DefaultDBPort
		}
		if c.Catalog.SSLMode == "" {
			c.Catalog.SSLMode = DefaultDBSSLMode
		}
		if c.Catalog.MaxConns == 0 {
			c.Catalog.MaxConns = DefaultMaxConns
		}
		if c.Catalog.MinConns == 0 {
			c.Catalog.MinConns = DefaultMinConns
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = DefaultMaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = DefaultMaxBackups
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = DefaultMaxAgeDays
	}

	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
}
