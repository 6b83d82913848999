// Package config loads YAML configuration files with environment variable
// overrides for both relay binaries, adapted from
// cortexuvula-clawreachbridge/internal/config/config.go's
// Default/Load/Validate/applyEnvOverrides shape.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaytun/relay/internal/ratelimit"
	"github.com/relaytun/relay/internal/server"
)

// ServerConfig is the top-level configuration for relay-server (spec.md §6
// relay.*).
type ServerConfig struct {
	Relay   RelayConfig   `yaml:"relay"`
	Logging LoggingConfig `yaml:"logging"`
}

// RelayConfig contains the core server settings.
type RelayConfig struct {
	ListenAddress           string            `yaml:"listen_address"`
	Domain                  string            `yaml:"domain"`
	SecretKeys              []string          `yaml:"secret_keys"`
	RequestTimeout          time.Duration     `yaml:"request_timeout"`
	MaxBodySize             int64             `yaml:"max_body_size"`
	SubdomainLength         int               `yaml:"subdomain_length"`
	MaxSubdomainAttempts    int               `yaml:"max_subdomain_attempts"`
	ShutdownMode            string            `yaml:"shutdown_mode"`
	GracefulShutdownTimeout time.Duration     `yaml:"graceful_shutdown_timeout"`
	HeartbeatInterval       time.Duration     `yaml:"heartbeat_interval"`
	HeartbeatMaxMissed      int               `yaml:"heartbeat_max_missed"`
	RateLimit               RateLimitConfig `yaml:"rate_limit"`
	Metrics                 MetricsConfig   `yaml:"metrics"`
	Admin                   AdminConfig     `yaml:"admin"`
}

// RateLimitConfig mirrors ratelimit.Config for YAML/env binding.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// MetricsConfig controls the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// AdminConfig controls the loopback-only debug/status surface.
type AdminConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// LoggingConfig controls zerolog output and optional lumberjack rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Relay: RelayConfig{
			ListenAddress:           "0.0.0.0:8080",
			Domain:                  "tunnel.example.com",
			RequestTimeout:          30 * time.Second,
			MaxBodySize:             10 << 20,
			SubdomainLength:         12,
			MaxSubdomainAttempts:    100,
			ShutdownMode:            "graceful",
			GracefulShutdownTimeout: 30 * time.Second,
			HeartbeatInterval:       30 * time.Second,
			HeartbeatMaxMissed:      2,
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 50,
				Burst:             100,
			},
			Metrics: MetricsConfig{
				Enabled:       true,
				ListenAddress: "127.0.0.1:9090",
			},
			Admin: AdminConfig{
				Enabled:       true,
				ListenAddress: "127.0.0.1:9091",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// LoadServerConfig reads a config file, applies RELAY_ environment variable
// overrides, and validates the result.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyServerEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *ServerConfig) Validate() error {
	if c.Relay.ListenAddress == "" {
		return fmt.Errorf("relay.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Relay.ListenAddress); err != nil {
		return fmt.Errorf("relay.listen_address is invalid: %w", err)
	}
	if c.Relay.Domain == "" {
		return fmt.Errorf("relay.domain is required")
	}
	if len(c.Relay.SecretKeys) == 0 {
		return fmt.Errorf("relay.secret_keys must contain at least one key")
	}
	if c.Relay.RequestTimeout <= 0 {
		return fmt.Errorf("relay.request_timeout must be positive")
	}
	if c.Relay.MaxBodySize <= 0 {
		return fmt.Errorf("relay.max_body_size must be positive")
	}
	if c.Relay.SubdomainLength <= 0 {
		return fmt.Errorf("relay.subdomain_length must be positive")
	}
	switch c.Relay.ShutdownMode {
	case "graceful", "immediate":
	default:
		return fmt.Errorf("relay.shutdown_mode must be one of: graceful, immediate")
	}
	if c.Relay.RateLimit.Enabled && c.Relay.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("relay.rate_limit.requests_per_second must be positive when enabled")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be one of: json, console")
	}
	return nil
}

// ToServerConfig adapts the loaded configuration into internal/server.Config.
func (c *ServerConfig) ToServerConfig() server.Config {
	keys := make(map[string]struct{}, len(c.Relay.SecretKeys))
	for _, k := range c.Relay.SecretKeys {
		keys[k] = struct{}{}
	}
	mode := server.ShutdownGraceful
	if c.Relay.ShutdownMode == "immediate" {
		mode = server.ShutdownImmediate
	}
	return server.Config{
		Domain:                  c.Relay.Domain,
		SecretKeys:              keys,
		RequestTimeout:          c.Relay.RequestTimeout,
		MaxBodySize:             c.Relay.MaxBodySize,
		SubdomainLength:         c.Relay.SubdomainLength,
		MaxSubdomainAttempts:    c.Relay.MaxSubdomainAttempts,
		ShutdownMode:            mode,
		GracefulShutdownTimeout: c.Relay.GracefulShutdownTimeout,
		Heartbeat: server.HeartbeatConfig{
			Interval:  c.Relay.HeartbeatInterval,
			MaxMissed: c.Relay.HeartbeatMaxMissed,
		},
		RateLimit: ratelimit.Config{
			Enabled:           c.Relay.RateLimit.Enabled,
			RequestsPerSecond: c.Relay.RateLimit.RequestsPerSecond,
			Burst:             c.Relay.RateLimit.Burst,
		},
	}
}

// applyServerEnvOverrides applies RELAY_ prefixed environment variables.
func applyServerEnvOverrides(cfg *ServerConfig) {
	envMap := map[string]func(string){
		"RELAY_LISTEN_ADDRESS":      func(v string) { cfg.Relay.ListenAddress = v },
		"RELAY_DOMAIN":              func(v string) { cfg.Relay.Domain = v },
		"RELAY_SECRET_KEYS":         func(v string) { cfg.Relay.SecretKeys = strings.Split(v, ",") },
		"RELAY_REQUEST_TIMEOUT":     func(v string) { cfg.Relay.RequestTimeout = parseDuration(v, cfg.Relay.RequestTimeout) },
		"RELAY_MAX_BODY_SIZE":       func(v string) { cfg.Relay.MaxBodySize = parseInt64(v, cfg.Relay.MaxBodySize) },
		"RELAY_SHUTDOWN_MODE":       func(v string) { cfg.Relay.ShutdownMode = v },
		"RELAY_RATE_LIMIT_ENABLED":  func(v string) { cfg.Relay.RateLimit.Enabled = parseBool(v, cfg.Relay.RateLimit.Enabled) },
		"RELAY_METRICS_ENABLED":     func(v string) { cfg.Relay.Metrics.Enabled = parseBool(v, cfg.Relay.Metrics.Enabled) },
		"RELAY_METRICS_ADDRESS":     func(v string) { cfg.Relay.Metrics.ListenAddress = v },
		"RELAY_LOGGING_LEVEL":       func(v string) { cfg.Logging.Level = v },
		"RELAY_LOGGING_FORMAT":      func(v string) { cfg.Logging.Format = v },
		"RELAY_LOGGING_FILE":        func(v string) { cfg.Logging.File = v },
	}
	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(s string, fallback bool) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
