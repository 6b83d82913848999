package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestNewServiceValidatesRequiredFields(t *testing.T) {
	if _, err := NewService(Config{}, nil); err == nil {
		t.Fatal("expected error for empty config")
	}
	if _, err := NewService(Config{ServerURL: "wss://x"}, nil); err == nil {
		t.Fatal("expected error for missing secret key")
	}
	if _, err := NewService(Config{ServerURL: "wss://x", SecretKey: "k"}, nil); err == nil {
		t.Fatal("expected error for missing target")
	}

	svc, err := NewService(Config{ServerURL: "wss://x", SecretKey: "k", Target: "http://127.0.0.1:3000"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	status := svc.GetStatus()
	if status.Connected {
		t.Fatal("a freshly constructed service should report disconnected")
	}
	if status.Target != "http://127.0.0.1:3000" {
		t.Fatalf("target = %q", status.Target)
	}
}

func TestServiceDefaultsBackoffWhenUnset(t *testing.T) {
	svc, err := NewService(Config{ServerURL: "wss://x", SecretKey: "k", Target: "http://127.0.0.1:3000"}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if svc.recon.cfg.Initial != DefaultBackoffConfig().Initial {
		t.Fatalf("expected default backoff to be applied when unset, got %+v", svc.recon.cfg)
	}
}

// TestConnectLoopStopsOnReconnectDisabled covers spec.md §4.7's "if
// reconnection is disabled in config, a lost connection transitions
// directly to STOPPED with non-zero exit code": a server that refuses the
// handshake should end the run loop with ErrReconnectDisabled rather than
// retrying forever.
func TestConnectLoopStopsOnReconnectDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	svc, err := NewService(Config{
		ServerURL: wsURL,
		SecretKey: "k",
		Target:    "http://127.0.0.1:1",
		Backoff:   BackoffConfig{Enabled: false, Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 2},
	}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runErr := svc.Run(ctx)
	if !errors.Is(runErr, ErrReconnectDisabled) {
		t.Fatalf("Run() = %v, want ErrReconnectDisabled", runErr)
	}
	if svc.recon.State() != StateStopped {
		t.Fatalf("reconnector state = %v, want STOPPED", svc.recon.State())
	}
}

// TestConnectLoopStopsOnAuthFailure covers spec.md §7: a rejected secret key
// terminates the run loop immediately regardless of the reconnect setting.
func TestConnectLoopStopsOnAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid secret key")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	svc, err := NewService(Config{
		ServerURL: wsURL,
		SecretKey: "bad",
		Target:    "http://127.0.0.1:1",
		Backoff:   BackoffConfig{Enabled: true, Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 2},
	}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runErr := svc.Run(ctx)
	if !errors.Is(runErr, ErrAuthFailed) {
		t.Fatalf("Run() = %v, want ErrAuthFailed", runErr)
	}
}
