package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaytun/relay/internal/client"
)

// ClientConfig is the top-level configuration for relay-client (spec.md §6
// client.*).
type ClientConfig struct {
	Client  ClientSection `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
}

// ClientSection contains the core client settings.
type ClientSection struct {
	ServerURL           string        `yaml:"server_url"`
	SecretKey           string        `yaml:"secret_key"`
	Subdomain           string        `yaml:"subdomain"`
	Target              string        `yaml:"target"`
	AdminAddress        string        `yaml:"admin_address"`
	OriginTimeout       time.Duration `yaml:"origin_timeout"`
	ReconnectEnabled    bool          `yaml:"reconnect_enabled"`
	ReconnectInitial    time.Duration `yaml:"reconnect_initial"`
	ReconnectMax        time.Duration `yaml:"reconnect_max"`
	ReconnectMultiplier float64       `yaml:"reconnect_multiplier"`
	ReconnectJitter     float64       `yaml:"reconnect_jitter"`
	MetricsEnabled      bool          `yaml:"metrics_enabled"`
	MetricsAddress      string        `yaml:"metrics_address"`
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Client: ClientSection{
			ServerURL:           "wss://tunnel.example.com/ws",
			AdminAddress:        "127.0.0.1:7000",
			OriginTimeout:       30 * time.Second,
			ReconnectEnabled:    true,
			ReconnectInitial:    time.Second,
			ReconnectMax:        60 * time.Second,
			ReconnectMultiplier: 2.0,
			ReconnectJitter:     0.1,
			MetricsEnabled:      true,
			MetricsAddress:      "127.0.0.1:9092",
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

// LoadClientConfig reads a config file, applies RELAY_CLIENT_ environment
// variable overrides, and validates the result.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()

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

	applyClientEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *ClientConfig) Validate() error {
	if c.Client.ServerURL == "" {
		return fmt.Errorf("client.server_url is required")
	}
	parsed, err := url.Parse(c.Client.ServerURL)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
		return fmt.Errorf("client.server_url must use ws:// or wss://")
	}
	if c.Client.SecretKey == "" {
		return fmt.Errorf("client.secret_key is required")
	}
	if c.Client.Target == "" {
		return fmt.Errorf("client.target is required")
	}
	targetURL, err := url.Parse(c.Client.Target)
	if err != nil || (targetURL.Scheme != "http" && targetURL.Scheme != "https") {
		return fmt.Errorf("client.target must use http:// or https://")
	}
	if c.Client.ReconnectInitial <= 0 {
		return fmt.Errorf("client.reconnect_initial must be positive")
	}
	if c.Client.ReconnectMax < c.Client.ReconnectInitial {
		return fmt.Errorf("client.reconnect_max must be >= client.reconnect_initial")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	return nil
}

// ToClientConfig adapts the loaded configuration into internal/client.Config.
func (c *ClientConfig) ToClientConfig() client.Config {
	return client.Config{
		ServerURL:     c.Client.ServerURL,
		SecretKey:     c.Client.SecretKey,
		Subdomain:     c.Client.Subdomain,
		Target:        c.Client.Target,
		AdminAddr:     c.Client.AdminAddress,
		OriginTimeout: c.Client.OriginTimeout,
		Backoff: client.BackoffConfig{
			Enabled:    c.Client.ReconnectEnabled,
			Initial:    c.Client.ReconnectInitial,
			Max:        c.Client.ReconnectMax,
			Multiplier: c.Client.ReconnectMultiplier,
			Jitter:     c.Client.ReconnectJitter,
		},
	}
}

func applyClientEnvOverrides(cfg *ClientConfig) {
	envMap := map[string]func(string){
		"RELAY_CLIENT_SERVER_URL":      func(v string) { cfg.Client.ServerURL = v },
		"RELAY_CLIENT_SECRET_KEY":      func(v string) { cfg.Client.SecretKey = v },
		"RELAY_CLIENT_SUBDOMAIN":       func(v string) { cfg.Client.Subdomain = v },
		"RELAY_CLIENT_TARGET":          func(v string) { cfg.Client.Target = v },
		"RELAY_CLIENT_ADMIN_ADDRESS":   func(v string) { cfg.Client.AdminAddress = v },
		"RELAY_CLIENT_METRICS_ENABLED": func(v string) { cfg.Client.MetricsEnabled = parseBool(v, cfg.Client.MetricsEnabled) },
		"RELAY_CLIENT_METRICS_ADDRESS": func(v string) { cfg.Client.MetricsAddress = v },
		"RELAY_LOGGING_LEVEL":          func(v string) { cfg.Logging.Level = v },
		"RELAY_LOGGING_FORMAT":         func(v string) { cfg.Logging.Format = v },
		"RELAY_LOGGING_FILE":           func(v string) { cfg.Logging.File = v },
	}
	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}

	// spec.md §6's client CLI surface names these exact environment
	// variables (unprefixed, no "CLIENT_" segment). Applied in a second,
	// ordered pass after the RELAY_CLIENT_* map above so they always win
	// when both forms are set, rather than racing it in map iteration
	// order; a plain `RELAY_SERVER_URL=... relay-client start` works
	// without a config file.
	aliases := []struct {
		env    string
		setter func(string)
	}{
		{"RELAY_SERVER_URL", func(v string) { cfg.Client.ServerURL = v }},
		{"RELAY_SECRET_KEY", func(v string) { cfg.Client.SecretKey = v }},
		{"RELAY_LOCAL_URL", func(v string) { cfg.Client.Target = v }},
		{"RELAY_SUBDOMAIN", func(v string) { cfg.Client.Subdomain = v }},
	}
	for _, alias := range aliases {
		if v := os.Getenv(alias.env); v != "" {
			alias.setter(v)
		}
	}
}
