// Package server implements the relay server half of spec.md: the Session
// Registry, Subdomain Allocator, Request Forwarder, server-side Channel
// Endpoint, and Public Request Router. The HandleTunnelConnect/readLoop
// structure below is adapted from the teacher's HandleConnect/readLoop in
// ChangfengHU-tunneling/internal/server/server.go, generalized from a static
// token->route table to spec.md's ephemeral random-subdomain-per-connection
// model.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/relaytun/relay/internal/envelope"
	"github.com/relaytun/relay/internal/httpx"
	"github.com/relaytun/relay/internal/ratelimit"
)

// ShutdownMode selects how the server drains in-flight requests on exit
// (spec.md §5, §6 relay.shutdownMode).
type ShutdownMode string

const (
	ShutdownGraceful  ShutdownMode = "graceful"
	ShutdownImmediate ShutdownMode = "immediate"
)

// Config collects the server's tunable knobs (spec.md §6 relay.*).
type Config struct {
	Domain                  string
	SecretKeys              map[string]struct{}
	RequestTimeout          time.Duration
	MaxBodySize             int64
	SubdomainLength         int
	MaxSubdomainAttempts    int
	ShutdownMode            ShutdownMode
	GracefulShutdownTimeout time.Duration
	Heartbeat               HeartbeatConfig
	RateLimit               ratelimit.Config
}

// Server wires the Registry, Allocator, and Forwarder together and exposes
// the tunnel-connect HTTP handler consumed by the Public Request Router.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	registry  *Registry
	allocator *Allocator
	forwarder *Forwarder
	limiter   *ratelimit.Limiter
	metrics   *Metrics

	shuttingDown sync.Once
	stopped      chan struct{}
}

// New constructs a Server. metrics may be nil only in tests that don't care
// about observability.
func New(cfg Config, metrics *Metrics) *Server {
	if cfg.Heartbeat.Interval == 0 {
		cfg.Heartbeat = DefaultHeartbeatConfig()
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = httpx.MaxBodySize
	}
	if cfg.SubdomainLength == 0 {
		cfg.SubdomainLength = 12
	}
	if cfg.MaxSubdomainAttempts == 0 {
		cfg.MaxSubdomainAttempts = 100
	}
	if cfg.ShutdownMode == "" {
		cfg.ShutdownMode = ShutdownGraceful
	}
	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		stopped: make(chan struct{}),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}

	var forwarder *Forwarder
	s.registry = NewRegistry(func(session *Session, correlationIDs []string) {
		if forwarder != nil {
			forwarder.FailAll(correlationIDs, envelope.ErrUpstream, "tunnel disconnected")
		}
	}, metrics)
	forwarder = NewForwarder(s.registry, metrics)
	s.forwarder = forwarder

	allocator, err := NewAllocator(s.registry, cfg.SubdomainLength, cfg.MaxSubdomainAttempts, metrics)
	if err != nil {
		// cfg.SubdomainLength is validated by configuration loading before
		// reaching here; a zero/negative value is a programmer error.
		panic(err)
	}
	s.allocator = allocator

	if cfg.RateLimit.Enabled {
		s.limiter = ratelimit.New(cfg.RateLimit)
	}

	return s
}

// PublicURL builds the https URL a registered subdomain is reachable at.
func (s *Server) PublicURL(subdomain string) string {
	return fmt.Sprintf("https://%s.%s", subdomain, s.cfg.Domain)
}

// HandleTunnelConnect upgrades an inbound WebSocket connection on /ws,
// performs the HANDSHAKING step, allocates a subdomain, registers the
// session, and runs the Channel until it closes (spec.md §4.5, §6).
func (s *Server) HandleTunnelConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	// OPENING is the WebSocket accept above; HANDSHAKING starts here and
	// validates X-Relay-Secret-Key against the configured keys. A mismatch
	// closes with policy-violation (1008) rather than a pre-upgrade HTTP
	// status, since spec.md §4.5 requires the accept to happen before the
	// key is checked (the client distinguishes a rejected key from a plain
	// connectivity failure by this close code, not by HTTP status).
	key := r.Header.Get("X-Relay-Secret-Key")
	if _, ok := s.cfg.SecretKeys[key]; !ok {
		log.Warn().Str("remote", r.RemoteAddr).Msg("tunnel handshake rejected: bad secret key")
		closeWithPolicyViolation(conn, "invalid secret key")
		return
	}

	ch := newChannel(conn, s.cfg.Heartbeat, s.metrics)
	ch.setState(StateHandshaking)

	// A client may request a specific subdomain (spec.md §6
	// relay.client.subdomain?) via this header on the upgrade request;
	// absent or already-taken, the server falls back to random allocation.
	var subdomain string
	var session *Session
	var ok bool
	if requested := r.Header.Get("X-Relay-Subdomain"); requested != "" && ValidRequested(requested) {
		subdomain = requested
	}

	if subdomain != "" {
		session, ok = s.registry.Register(subdomain, ch)
	}
	if subdomain == "" || !ok {
		var err error
		subdomain, err = s.allocator.Allocate()
		if err != nil {
			log.Error().Err(err).Msg("subdomain allocation failed during handshake")
			ch.Close("allocation failed", websocket.CloseInternalServerErr)
			return
		}
		session, ok = s.registry.Register(subdomain, ch)
	}
	ch.subdomain = subdomain

	if !ok {
		// Collision between Allocate's Has() check and Register's
		// insert-if-absent; vanishingly rare at default length, but
		// handled rather than assumed away (spec.md I1).
		ch.Close("allocation race", websocket.CloseInternalServerErr)
		return
	}
	ch.onClose = func(subdomain, reason string, code int) {
		s.registry.Unregister(subdomain, reason)
	}

	go ch.runWriter()
	go ch.runHeartbeat()

	ch.setState(StateOpen)
	_ = ch.Send(envelope.NewControl(envelope.ControlPayload{
		Action:    envelope.ActionRegistered,
		Subdomain: subdomain,
		PublicURL: s.PublicURL(subdomain),
	}))

	log.Info().Str("subdomain", subdomain).Str("remote", r.RemoteAddr).Msg("tunnel registered")
	s.readLoop(session, ch)
}

// readLoop consumes inbound frames until the connection closes, dispatching
// each decoded envelope by type (spec.md §4.5 OPEN state behavior).
func (s *Server) readLoop(session *Session, ch *Channel) {
	defer ch.Close("connection closed", websocket.CloseNormalClosure)

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, io.EOF) {
				return
			}
			log.Warn().Err(err).Str("subdomain", session.Subdomain).Msg("tunnel read failed")
			return
		}

		var env envelope.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("subdomain", session.Subdomain).Msg("dropping malformed envelope")
			continue
		}

		switch env.Type {
		case envelope.TypeResponse:
			if env.Response == nil {
				continue
			}
			s.forwarder.OnResponse(env.CorrelationID, *env.Response)
		case envelope.TypeError:
			if env.Error == nil {
				continue
			}
			s.forwarder.OnError(env.CorrelationID, *env.Error)
		case envelope.TypeControl:
			s.handleControl(ch, env.Control)
		default:
			_ = ch.Send(envelope.NewError(env.CorrelationID, envelope.ErrInvalidRequest, "unexpected envelope type from tunnel client"))
		}
	}
}

func (s *Server) handleControl(ch *Channel, payload *envelope.ControlPayload) {
	if payload == nil {
		return
	}
	switch payload.Action {
	case envelope.ActionPing:
		_ = ch.Send(envelope.NewControl(envelope.ControlPayload{Action: envelope.ActionPong}))
	case envelope.ActionPong:
		ch.markPong()
	case envelope.ActionUnregister:
		ch.Close("client requested unregister", websocket.CloseNormalClosure)
	default:
		_ = ch.Send(envelope.NewError("", envelope.ErrInvalidRequest, fmt.Sprintf("unsupported control action %q", payload.Action)))
	}
}

// Registry exposes the Session Registry for the router and admin surfaces.
func (s *Server) Registry() *Registry { return s.registry }

// Forwarder exposes the Request Forwarder for the router.
func (s *Server) Forwarder() *Forwarder { return s.forwarder }

// Limiter exposes the optional per-subdomain rate limiter, nil if disabled.
func (s *Server) Limiter() *ratelimit.Limiter { return s.limiter }

// Config exposes the server's effective configuration.
func (s *Server) Config() Config { return s.cfg }

// DebugState reports a human-readable one-liner of registry occupancy,
// adapted from the teacher's DebugState/"/debug/state" surface for a
// loopback-only operator endpoint (SPEC_FULL.md supplemented features).
func (s *Server) DebugState() string {
	sessions := s.registry.List()
	total := 0
	for _, subdomain := range sessions {
		if sess, ok := s.registry.Lookup(subdomain); ok {
			total += sess.queueDepth()
		}
	}
	return fmt.Sprintf("sessions=%d total_queue_depth=%d", len(sessions), total)
}

// Shutdown implements spec.md §5's two-mode shutdown: queue CONTROL/DISCONNECT
// on every channel, then either wait up to GracefulShutdownTimeout for the
// pending table to drain or fail every pending immediately, and finally
// clear the Registry. Shutdown does not close the channels itself; a channel
// closes when its client acts on the DISCONNECT or its connection drops.
// Callers are expected to stop routing new public requests before calling
// Shutdown.
func (s *Server) Shutdown(ctx context.Context) {
	s.shuttingDown.Do(func() {
		defer close(s.stopped)

		for _, subdomain := range s.registry.List() {
			session, ok := s.registry.Lookup(subdomain)
			if !ok {
				continue
			}
			_ = session.Channel.Send(envelope.NewControl(envelope.ControlPayload{
				Action: envelope.ActionDisconnect,
				Reason: envelope.ReasonShutdown,
			}))
		}

		if s.cfg.ShutdownMode == ShutdownImmediate {
			s.registry.Shutdown()
			return
		}

		drainCtx, cancel := context.WithTimeout(ctx, s.cfg.GracefulShutdownTimeout)
		defer cancel()
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
	drainLoop:
		for {
			if s.pendingCount() == 0 {
				break drainLoop
			}
			select {
			case <-drainCtx.Done():
				break drainLoop
			case <-ticker.C:
			}
		}
		s.registry.Shutdown()
	})
}

func (s *Server) pendingCount() int {
	count := 0
	for _, subdomain := range s.registry.List() {
		if sess, ok := s.registry.Lookup(subdomain); ok {
			sess.mu.Lock()
			count += len(sess.correlated)
			sess.mu.Unlock()
		}
	}
	return count
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	return host
}

// closeWithPolicyViolation sends a 1008 close frame and closes conn. Used
// for handshake rejections that happen before a Channel exists to own the
// close sequence itself.
func closeWithPolicyViolation(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(2 * time.Second)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
}
