package config

import "testing"

func validClientConfig() *ClientConfig {
	cfg := DefaultClientConfig()
	cfg.Client.SecretKey = "sekret"
	cfg.Client.Target = "http://127.0.0.1:3000"
	return cfg
}

func TestDefaultClientConfigNeedsSecretAndTarget(t *testing.T) {
	cfg := DefaultClientConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to fail without secret key and target")
	}
	if err := validClientConfig().Validate(); err != nil {
		t.Fatalf("expected a filled-in default config to validate, got %v", err)
	}
}

func TestClientConfigValidateRejectsBadServerURLScheme(t *testing.T) {
	cfg := validClientConfig()
	cfg.Client.ServerURL = "http://example.test"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to reject a non-ws server url")
	}
}

func TestClientConfigValidateRejectsBadTargetScheme(t *testing.T) {
	cfg := validClientConfig()
	cfg.Client.Target = "ftp://example.test"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to reject a non-http target")
	}
}

func TestClientConfigValidateReconnectBounds(t *testing.T) {
	cfg := validClientConfig()
	cfg.Client.ReconnectInitial = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to reject a non-positive reconnect_initial")
	}

	cfg2 := validClientConfig()
	cfg2.Client.ReconnectMax = cfg2.Client.ReconnectInitial / 2
	if err := cfg2.Validate(); err == nil {
		t.Fatal("expected validation to reject reconnect_max < reconnect_initial")
	}
}

func TestToClientConfigMapping(t *testing.T) {
	cfg := validClientConfig()
	clientCfg := cfg.ToClientConfig()
	if clientCfg.ServerURL != cfg.Client.ServerURL {
		t.Fatalf("server url mismatch: %q vs %q", clientCfg.ServerURL, cfg.Client.ServerURL)
	}
	if clientCfg.Backoff.Initial != cfg.Client.ReconnectInitial {
		t.Fatalf("backoff initial mismatch: %v vs %v", clientCfg.Backoff.Initial, cfg.Client.ReconnectInitial)
	}
	if clientCfg.Backoff.Max != cfg.Client.ReconnectMax {
		t.Fatalf("backoff max mismatch: %v vs %v", clientCfg.Backoff.Max, cfg.Client.ReconnectMax)
	}
}

func TestClientConfigEnvOverride(t *testing.T) {
	t.Setenv("RELAY_CLIENT_SERVER_URL", "wss://override.test/ws")
	t.Setenv("RELAY_CLIENT_SECRET_KEY", "env-secret")
	t.Setenv("RELAY_CLIENT_TARGET", "http://127.0.0.1:4000")

	cfg, err := LoadClientConfig("")
	if err != nil {
		t.Fatalf("LoadClientConfig: %v", err)
	}
	if cfg.Client.ServerURL != "wss://override.test/ws" {
		t.Fatalf("server url = %q", cfg.Client.ServerURL)
	}
	if cfg.Client.SecretKey != "env-secret" {
		t.Fatalf("secret key = %q", cfg.Client.SecretKey)
	}
}
