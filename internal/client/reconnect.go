package client

import (
	"crypto/rand"
	"math/big"
	"time"
)

// ReconnectState is the Reconnection Controller's lifecycle (spec.md §4.7).
type ReconnectState int

const (
	StateDisconnected ReconnectState = iota
	StateConnecting
	StateConnected
	StateBackoff
	StateStopped
)

func (s ReconnectState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateBackoff:
		return "BACKOFF"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// BackoffConfig bounds the Reconnection Controller's delay schedule
// (spec.md §4.7, §6 relay.reconnect.*). The doubling-with-cap shape is
// carried over from the teacher's connectLoop; jitter is added on top so a
// fleet of clients reconnecting after a shared server restart doesn't
// thunder back in lockstep.
type BackoffConfig struct {
	Enabled    bool
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the computed delay to randomize, e.g. 0.2
}

// DefaultBackoffConfig matches spec.md §6's relay.client.reconnect.*
// defaults: 1s initial, 60s cap, 2x multiplier, 10% jitter.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{Enabled: true, Initial: time.Second, Max: 60 * time.Second, Multiplier: 2.0, Jitter: 0.1}
}

// Reconnector tracks reconnection state and hands out the next backoff
// delay on each failed attempt, resetting to Initial after any successful
// connection (spec.md §4.7 edge case: reset on any successful reconnect).
type Reconnector struct {
	cfg     BackoffConfig
	current time.Duration
	state   ReconnectState
}

// NewReconnector constructs a Reconnector. A non-positive cfg.Initial
// replaces the whole of cfg with DefaultBackoffConfig, and a non-positive
// Multiplier falls back to 2.0; the other fields are used as given.
func NewReconnector(cfg BackoffConfig) *Reconnector {
	if cfg.Initial <= 0 {
		cfg = DefaultBackoffConfig()
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	return &Reconnector{cfg: cfg, current: cfg.Initial, state: StateDisconnected}
}

// State returns the controller's current state.
func (r *Reconnector) State() ReconnectState { return r.state }

// Enabled reports whether automatic reconnection is configured at all
// (spec.md §4.7: "if reconnection is disabled in config, a lost connection
// transitions directly to STOPPED with non-zero exit code").
func (r *Reconnector) Enabled() bool { return r.cfg.Enabled }

// MarkConnecting transitions to CONNECTING ahead of a dial attempt.
func (r *Reconnector) MarkConnecting() { r.state = StateConnecting }

// MarkConnected transitions to CONNECTED and resets the backoff schedule.
func (r *Reconnector) MarkConnected() {
	r.state = StateConnected
	r.current = r.cfg.Initial
}

// MarkStopped transitions to STOPPED; NextDelay is no longer meaningful
// after this (spec.md §4.7: stop on context cancellation).
func (r *Reconnector) MarkStopped() { r.state = StateStopped }

// NextDelay transitions to BACKOFF and returns how long to wait before the
// next connection attempt, multiplying the schedule up to Max and applying
// jitter.
func (r *Reconnector) NextDelay() time.Duration {
	r.state = StateBackoff
	delay := withJitter(r.current, r.cfg.Jitter)

	next := time.Duration(float64(r.current) * r.cfg.Multiplier)
	if next > r.cfg.Max {
		next = r.cfg.Max
	}
	r.current = next

	return delay
}

// withJitter implements spec.md §4.7's
// delay × (1 + jitter × (U(0,1) − 0.5)), which bounds the result to
// [d·(1−jitter/2), d·(1+jitter/2)]. span is half of d·fraction so that
// d - span + U(0, 2·span) covers exactly that range.
func withJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	span := int64(float64(d) * fraction / 2)
	if span <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(2*span))
	if err != nil {
		return d
	}
	return d - time.Duration(span) + time.Duration(n.Int64())
}
