package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relayd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
instance:
  id: relay-test
discovery:
  url: https://gamma.example.com
  poll_interval: 30s
  categories: [sports]
  deny_keywords: [spread, total]
upstream:
  url: wss://clob.example.com/ws/market
relay:
  addr: ":9700"
writer:
  dir: /tmp/ticks
log:
  level: debug
`

func TestLoad_ParsesYAML(t *testing.T) {
	path := writeConfig(t, validYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Instance.ID != "relay-test" {
		t.Errorf("Instance.ID = %q", cfg.Instance.ID)
	}
	if cfg.Discovery.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.Discovery.PollInterval)
	}
	if len(cfg.Discovery.Categories) != 1 || cfg.Discovery.Categories[0] != "sports" {
		t.Errorf("Categories = %v", cfg.Discovery.Categories)
	}
	if len(cfg.Discovery.DenyKeywords) != 2 {
		t.Errorf("DenyKeywords = %v", cfg.Discovery.DenyKeywords)
	}
	if cfg.Relay.Addr != ":9700" {
		t.Errorf("Relay.Addr = %q", cfg.Relay.Addr)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_CATALOG_PASSWORD", "s3cret")
	path := writeConfig(t, `
instance:
  id: relay-test
catalog:
  host: db.example.com
  password: ${TEST_CATALOG_PASSWORD}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Catalog.Password != "s3cret" {
		t.Errorf("Password = %q, want expanded env var", cfg.Catalog.Password)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/relayd.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "instance: [unclosed")
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	path := writeConfig(t, validYAML)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults() error = %v", err)
	}

	// Explicit values are kept.
	if cfg.Discovery.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.Discovery.PollInterval)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}

	// Omitted values get defaults.
	if cfg.Lifecycle.GraceWindow != DefaultGraceWindow {
		t.Errorf("GraceWindow = %v, want %v", cfg.Lifecycle.GraceWindow, DefaultGraceWindow)
	}
	if cfg.Upstream.ReconnectDelay != DefaultReconnectDelay {
		t.Errorf("ReconnectDelay = %v, want %v", cfg.Upstream.ReconnectDelay, DefaultReconnectDelay)
	}
	if cfg.Writer.FlushSize != DefaultFlushSize {
		t.Errorf("FlushSize = %d, want %d", cfg.Writer.FlushSize, DefaultFlushSize)
	}
	if cfg.Health.Port != DefaultHealthPort {
		t.Errorf("Health.Port = %d, want %d", cfg.Health.Port, DefaultHealthPort)
	}
}

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	cfg.Instance.ID = "relay-test"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() config invalid: %v", err)
	}
}

func TestCatalogConfig_Enabled(t *testing.T) {
	var c CatalogConfig
	if c.Enabled() {
		t.Error("empty catalog reported enabled")
	}
	c.Host = "db.example.com"
	if !c.Enabled() {
		t.Error("catalog with host reported disabled")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *RelayConfig {
		cfg := Default()
		cfg.Instance.ID = "relay-test"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*RelayConfig)
		wantErr string
	}{
		{"valid", func(*RelayConfig) {}, ""},
		{"missing instance id", func(c *RelayConfig) { c.Instance.ID = "" }, "instance.id"},
		{"bad discovery url", func(c *RelayConfig) { c.Discovery.URL = "ftp://x" }, "discovery.url"},
		{"zero poll interval", func(c *RelayConfig) { c.Discovery.PollInterval = 0 }, "poll_interval"},
		{"zero rate limit", func(c *RelayConfig) { c.Discovery.RateLimit = 0 }, "rate_limit"},
		{"zero grace window", func(c *RelayConfig) { c.Lifecycle.GraceWindow = 0 }, "grace_window"},
		{"min tokens too low", func(c *RelayConfig) { c.Lifecycle.MinTokens = 1 }, "min_tokens"},
		{"bad upstream url", func(c *RelayConfig) { c.Upstream.URL = "https://not-ws" }, "upstream.url"},
		{"zero reconnect delay", func(c *RelayConfig) { c.Upstream.ReconnectDelay = 0 }, "reconnect_delay"},
		{"zero depth levels", func(c *RelayConfig) { c.Upstream.DepthLevels = 0 }, "depth_levels"},
		{"missing relay addr", func(c *RelayConfig) { c.Relay.Addr = "" }, "relay.addr"},
		{"missing writer dir", func(c *RelayConfig) { c.Writer.Dir = "" }, "writer.dir"},
		{"zero flush size", func(c *RelayConfig) { c.Writer.FlushSize = 0 }, "flush_size"},
		{"bad log level", func(c *RelayConfig) { c.Log.Level = "verbose" }, "log.level"},
		{"bad health port", func(c *RelayConfig) { c.Health.Port = 70000 }, "health.port"},
		{"catalog without name", func(c *RelayConfig) {
			c.Catalog = CatalogConfig{Host: "db", User: "u", MaxConns: 2}
		}, "catalog.name"},
		{"catalog without user", func(c *RelayConfig) {
			c.Catalog = CatalogConfig{Host: "db", Name: "relay", MaxConns: 2}
		}, "catalog.user"},
		{"catalog min over max", func(c *RelayConfig) {
			c.Catalog = CatalogConfig{Host: "db", Name: "relay", User: "u", MaxConns: 2, MinConns: 3}
		}, "min_conns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, validYAML)
	if _, err := LoadAndValidate(path); err != nil {
		t.Fatalf("LoadAndValidate() error = %v", err)
	}

	bad := writeConfig(t, "discovery:\n  url: https://x\n")
	if _, err := LoadAndValidate(bad); err == nil {
		t.Error("expected validation error for config without instance id")
	}
}
