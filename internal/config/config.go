package config

import "time"

// RelayConfig is the root configuration for a relayd instance.
type RelayConfig struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Relay     RelayServer     `yaml:"relay"`
	Writer    WriterConfig    `yaml:"writer"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Log       LogConfig       `yaml:"log"`
	Health    HealthConfig    `yaml:"health"`
}

// InstanceConfig identifies this relay.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// DiscoveryConfig holds discovery source settings.
type DiscoveryConfig struct {
	URL          string        `yaml:"url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RateLimit    float64       `yaml:"rate_limit"` // Requests per second to the discovery source

	Categories   []string `yaml:"categories"`    // Category allow-list; empty allows all
	DenyKeywords []string `yaml:"deny_keywords"` // Slug substrings that reject a market
}

// LifecycleConfig holds market lifecycle settings.
type LifecycleConfig struct {
	// GraceWindow past an instrument's nominal start after which it is
	// presumed concluded and purged.
	GraceWindow time.Duration `yaml:"grace_window"`
	MinTokens   int           `yaml:"min_tokens"` // Minimum resolvable tokens per instrument
}

// UpstreamConfig holds the venue feed link settings.
type UpstreamConfig struct {
	URL               string        `yaml:"url"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"` // Fixed, not exponential
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleTimeout      time.Duration `yaml:"stale_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	DepthLevels       int           `yaml:"depth_levels"` // N levels aggregated per side
}

// RelayServer holds downstream fan-out settings.
type RelayServer struct {
	Addr          string        `yaml:"addr"`
	SweepInterval time.Duration `yaml:"sweep_interval"` // Liveness probe cadence
	ProducerGrace time.Duration `yaml:"producer_grace"` // Classification window for desk connections
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// WriterConfig holds tick writer settings.
type WriterConfig struct {
	Dir           string        `yaml:"dir"`
	FlushSize     int           `yaml:"flush_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// CatalogConfig holds the optional instrument catalog database.
// The catalog is disabled when Host is empty.
type CatalogConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether a catalog database is configured.
func (c CatalogConfig) Enabled() bool {
	return c.Host != ""
}

// LogConfig holds the operational log settings.
type LogConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	File       string `yaml:"file"`  // Operational log path; empty logs to stdout only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// HealthConfig holds the health/debug HTTP endpoint settings.
type HealthConfig struct {
	Port int `yaml:"port"`
}
