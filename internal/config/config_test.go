package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearMemrelayEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"MEMRELAY_BIND_ADDR",
		"MEMRELAY_API_BASE_URL",
		"MEMRELAY_CREDENTIALS_PATH",
		"MEMRELAY_LOG_LEVEL",
		"MEMRELAY_LOG_PRETTY",
		"MEMRELAY_METRICS_NAMESPACE",
		"MEMRELAY_REQUEST_TIMEOUT",
		"MEMRELAY_FLUSH_INTERVAL",
		"MEMRELAY_ROUND_THRESHOLD",
		"MEMRELAY_IDLE_FLUSH_TIMEOUT",
		"MEMRELAY_RECALL_LIMIT",
		"MEMRELAY_RECALL_CACHE_TTL",
		"MEMRELAY_MASK_SECRETS",
		"MEMRELAY_ALLOW_ANY_ORIGIN",
		"MEMRELAY_SHUTDOWN_TIMEOUT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
	// Keep the search path away from any real ~/.memrelay/config.yaml.
	t.Setenv("HOME", t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	clearMemrelayEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7483" {
		t.Fatalf("BindAddr = %q, want loopback default", cfg.BindAddr)
	}
	if cfg.APIBaseURL != "" {
		t.Fatalf("APIBaseURL = %q, want empty default", cfg.APIBaseURL)
	}
	if cfg.RoundThreshold != 2 {
		t.Fatalf("RoundThreshold = %d, want 2", cfg.RoundThreshold)
	}
	if cfg.FlushInterval != 30*time.Second {
		t.Fatalf("FlushInterval = %v, want 30s", cfg.FlushInterval)
	}
	if cfg.IdleFlushTimeout != 30*time.Minute {
		t.Fatalf("IdleFlushTimeout = %v, want 30m", cfg.IdleFlushTimeout)
	}
	if cfg.RecallLimit != 5 {
		t.Fatalf("RecallLimit = %d, want 5", cfg.RecallLimit)
	}
	if cfg.RecallCacheTTL != 45*time.Second {
		t.Fatalf("RecallCacheTTL = %v, want 45s", cfg.RecallCacheTTL)
	}
	if !cfg.MaskSecrets {
		t.Fatalf("MaskSecrets = false, want true by default")
	}
	if cfg.MetricsNamespace != "memrelay" {
		t.Fatalf("MetricsNamespace = %q, want memrelay", cfg.MetricsNamespace)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Fatalf("ShutdownTimeout = %v, want 10s", cfg.ShutdownTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearMemrelayEnv(t)
	t.Setenv("MEMRELAY_BIND_ADDR", "127.0.0.1:9000")
	t.Setenv("MEMRELAY_ROUND_THRESHOLD", "3")
	t.Setenv("MEMRELAY_FLUSH_INTERVAL", "5s")
	t.Setenv("MEMRELAY_MASK_SECRETS", "false")
	t.Setenv("MEMRELAY_API_BASE_URL", "http://localhost:9999")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9000" {
		t.Fatalf("BindAddr = %q, want env override", cfg.BindAddr)
	}
	if cfg.RoundThreshold != 3 {
		t.Fatalf("RoundThreshold = %d, want 3", cfg.RoundThreshold)
	}
	if cfg.FlushInterval != 5*time.Second {
		t.Fatalf("FlushInterval = %v, want 5s", cfg.FlushInterval)
	}
	if cfg.MaskSecrets {
		t.Fatalf("MaskSecrets = true, want env override false")
	}
	if cfg.APIBaseURL != "http://localhost:9999" {
		t.Fatalf("APIBaseURL = %q, want env override", cfg.APIBaseURL)
	}
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	clearMemrelayEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "bind_addr: \"127.0.0.1:9100\"\nround_threshold: 4\nrecall_limit: 7\nlog_pretty: true\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("MEMRELAY_RECALL_LIMIT", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9100" {
		t.Fatalf("BindAddr = %q, want file value", cfg.BindAddr)
	}
	if cfg.RoundThreshold != 4 {
		t.Fatalf("RoundThreshold = %d, want file value 4", cfg.RoundThreshold)
	}
	if !cfg.LogPretty {
		t.Fatalf("LogPretty = false, want file value true")
	}
	if cfg.RecallLimit != 9 {
		t.Fatalf("RecallLimit = %d, want env to beat file", cfg.RecallLimit)
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	clearMemrelayEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("Load() error = nil for explicitly named missing file")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	clearMemrelayEnv(t)
	t.Setenv("MEMRELAY_ROUND_THRESHOLD", "0")
	if _, err := Load(""); err == nil {
		t.Fatalf("Load() error = nil with round_threshold 0")
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		BindAddr:         "127.0.0.1:7483",
		RequestTimeout:   time.Second,
		FlushInterval:    time.Second,
		RoundThreshold:   1,
		IdleFlushTimeout: time.Minute,
		RecallLimit:      1,
		ShutdownTimeout:  time.Second,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v for valid config", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty bind addr", func(c *Config) { c.BindAddr = " " }},
		{"bad base url scheme", func(c *Config) { c.APIBaseURL = "ftp://example.com" }},
		{"base url without host", func(c *Config) { c.APIBaseURL = "https://" }},
		{"zero request timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"zero flush interval", func(c *Config) { c.FlushInterval = 0 }},
		{"zero round threshold", func(c *Config) { c.RoundThreshold = 0 }},
		{"zero idle timeout", func(c *Config) { c.IdleFlushTimeout = 0 }},
		{"zero recall limit", func(c *Config) { c.RecallLimit = 0 }},
		{"negative cache ttl", func(c *Config) { c.RecallCacheTTL = -time.Second }},
		{"zero shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate() error = nil, want rejection")
			}
		})
	}
}
