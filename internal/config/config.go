// Package config loads runtime settings from an optional YAML file and
// MEMRELAY_-prefixed environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultAPIBaseURL is used when neither configuration nor a persisted
// credential record names a memory service endpoint.
const DefaultAPIBaseURL = "https://api.memrelay.io"

// Config contains all runtime settings for the memory relay daemon.
type Config struct {
	BindAddr         string        `mapstructure:"bind_addr"`
	APIBaseURL       string        `mapstructure:"api_base_url"`
	CredentialsPath  string        `mapstructure:"credentials_path"`
	LogLevel         string        `mapstructure:"log_level"`
	LogPretty        bool          `mapstructure:"log_pretty"`
	MetricsNamespace string        `mapstructure:"metrics_namespace"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	RoundThreshold   int           `mapstructure:"round_threshold"`
	IdleFlushTimeout time.Duration `mapstructure:"idle_flush_timeout"`
	RecallLimit      int           `mapstructure:"recall_limit"`
	RecallCacheTTL   time.Duration `mapstructure:"recall_cache_ttl"`
	MaskSecrets      bool          `mapstructure:"mask_secrets"`
	AllowAnyOrigin   bool          `mapstructure:"allow_any_origin"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

// Load reads configuration from path when given, otherwise from a
// config.yaml found in ~/.memrelay or the working directory. A missing
// file is fine; an explicitly named one must exist.
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".memrelay"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetDefault("bind_addr", "127.0.0.1:7483")
	v.SetDefault("api_base_url", "")
	v.SetDefault("credentials_path", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("metrics_namespace", "memrelay")
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("flush_interval", "30s")
	v.SetDefault("round_threshold", 2)
	v.SetDefault("idle_flush_timeout", "30m")
	v.SetDefault("recall_limit", 5)
	v.SetDefault("recall_cache_ttl", "45s")
	v.SetDefault("mask_secrets", true)
	v.SetDefault("allow_any_origin", false)
	v.SetDefault("shutdown_timeout", "10s")

	v.SetEnvPrefix("MEMRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		// No file found in the search paths; defaults plus environment apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BindAddr) == "" {
		return fmt.Errorf("bind_addr must not be empty")
	}
	if c.APIBaseURL != "" {
		u, err := url.Parse(c.APIBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("api_base_url must be an http(s) URL")
		}
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive")
	}
	if c.RoundThreshold < 1 {
		return fmt.Errorf("round_threshold must be at least 1")
	}
	if c.IdleFlushTimeout <= 0 {
		return fmt.Errorf("idle_flush_timeout must be positive")
	}
	if c.RecallLimit < 1 {
		return fmt.Errorf("recall_limit must be at least 1")
	}
	if c.RecallCacheTTL < 0 {
		return fmt.Errorf("recall_cache_ttl must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	return nil
}
