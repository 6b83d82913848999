// Package client implements the tunnel client half of spec.md: the client
// Channel Endpoint, Local Origin Proxy, and Reconnection Controller, wired
// together by Service (adapted from the teacher's Service in
// ChangfengHU-tunneling/internal/agent/service.go — generalized from a
// static-token + route-sync-table model to spec.md's one-process-one-tunnel
// model with an ephemeral server-assigned subdomain).
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaytun/relay/internal/envelope"
)

// ErrReconnectDisabled is returned by Run when the tunnel connection is lost
// (or never established) and relay.client.reconnect.enabled is false
// (spec.md §4.7, §6: "a lost connection transitions directly to STOPPED
// with non-zero exit code"). Callers map this to CLI exit code 2.
var ErrReconnectDisabled = errors.New("client: connection lost and reconnection is disabled")

// Config collects the client's tunable knobs (spec.md §6 client.*).
type Config struct {
	ServerURL string
	SecretKey string
	Subdomain string // optional requested subdomain (spec.md §6 relay.client.subdomain?)
	Target    string // local origin base URL, e.g. http://127.0.0.1:3000
	AdminAddr string

	OriginTimeout time.Duration
	Backoff       BackoffConfig
}

// Status is the client's point-in-time view of its own tunnel, exposed over
// the admin dashboard (SPEC_FULL.md supplemented features).
type Status struct {
	Connected     bool   `json:"connected"`
	Subdomain     string `json:"subdomain,omitempty"`
	PublicURL     string `json:"public_url,omitempty"`
	Target        string `json:"target"`
	LastError     string `json:"last_error,omitempty"`
	ReconnectCount int   `json:"reconnect_count"`
}

// Service wires the Channel, OriginProxy, and Reconnector together and
// serves a local read-only admin dashboard (spec.md §4.6, §4.7).
type Service struct {
	cfg   Config
	proxy *OriginProxy
	recon *Reconnector

	metrics *Metrics

	mu             sync.RWMutex
	connected      bool
	subdomain      string
	publicURL      string
	lastError      string
	reconnectCount int
}

// NewService constructs a Service ready to Run.
func NewService(cfg Config, metrics *Metrics) (*Service, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("client: server url is required")
	}
	if cfg.SecretKey == "" {
		return nil, errors.New("client: secret key is required")
	}
	if cfg.Target == "" {
		return nil, errors.New("client: local target is required")
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoffConfig()
	}
	return &Service{
		cfg:     cfg,
		proxy:   NewOriginProxy(cfg.Target, cfg.OriginTimeout),
		recon:   NewReconnector(cfg.Backoff),
		metrics: metrics,
	}, nil
}

// Run drives the Reconnection Controller until ctx is cancelled, optionally
// serving the admin dashboard alongside it (spec.md §4.7).
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.AdminAddr != "" {
		adminSrv := &http.Server{Addr: s.cfg.AdminAddr, Handler: s.adminMux()}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = adminSrv.Shutdown(shutdownCtx)
		}()
		go func() {
			log.Info().Str("addr", s.cfg.AdminAddr).Msg("client admin dashboard listening")
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("admin server error")
			}
		}()
	}

	return s.connectLoop(ctx)
}

func (s *Service) connectLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.recon.MarkStopped()
			return nil
		default:
		}

		s.recon.MarkConnecting()
		err := s.connectOnce(ctx)
		if err != nil {
			s.setLastError(err.Error())
			log.Warn().Err(err).Msg("tunnel client disconnected")
		}

		if errors.Is(err, ErrAuthFailed) {
			s.recon.MarkStopped()
			return err
		}

		if !s.recon.Enabled() {
			s.recon.MarkStopped()
			return ErrReconnectDisabled
		}

		delay := s.recon.NextDelay()
		s.incrReconnectCount()
		if s.metrics != nil {
			s.metrics.ReconnectsTotal.Inc()
		}

		select {
		case <-ctx.Done():
			s.recon.MarkStopped()
			return nil
		case <-time.After(delay):
		}
	}
}

func (s *Service) connectOnce(ctx context.Context) error {
	ch, err := Dial(ctx, s.cfg.ServerURL, s.cfg.SecretKey, s.cfg.Subdomain)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer ch.Close()

	s.recon.MarkConnected()
	s.setConnected(true, ch.Subdomain(), ch.PublicURL())
	defer s.setConnected(false, "", "")

	log.Info().Str("subdomain", ch.Subdomain()).Str("public_url", ch.PublicURL()).Msg("tunnel client connected")

	stopOnCancel := make(chan struct{})
	defer close(stopOnCancel)
	go func() {
		select {
		case <-ctx.Done():
			_ = ch.Close()
		case <-stopOnCancel:
		}
	}()

	for {
		env, err := ch.Recv()
		if err != nil {
			return fmt.Errorf("read tunnel message: %w", err)
		}
		switch env.Type {
		case envelope.TypeRequest:
			if env.Request == nil {
				continue
			}
			go s.handleRequest(ch, env.CorrelationID, *env.Request)
		case envelope.TypeControl:
			s.handleControl(ch, env.Control)
		case envelope.TypeError:
			if env.Error != nil {
				log.Warn().Str("code", string(env.Error.Code)).Str("message", env.Error.Message).Msg("relay reported an error")
			}
		default:
			log.Warn().Str("type", string(env.Type)).Msg("dropping unexpected envelope type from relay")
		}
	}
}

func (s *Service) handleRequest(ch *Channel, correlationID string, req envelope.RequestPayload) {
	start := time.Now()
	resp := s.proxy.Forward(req)
	if s.metrics != nil {
		s.metrics.RequestsHandled.Inc()
		s.metrics.OriginRequestLatency.Observe(time.Since(start).Seconds())
		if resp.StatusCode >= http.StatusBadRequest {
			s.metrics.OriginErrorsTotal.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Inc()
		}
	}

	// Local origin proxy failures become RESPONSE envelopes, never ERROR
	// envelopes (spec.md §4.6/§7): the proxy has already folded any
	// transport failure into resp's status code and body.
	out := envelope.NewResponse(correlationID, *resp)

	if err := ch.Send(out); err != nil {
		log.Warn().Err(err).Str("correlation_id", correlationID).Msg("failed to send reply to relay")
	}
}

func (s *Service) handleControl(ch *Channel, payload *envelope.ControlPayload) {
	if payload == nil {
		return
	}
	switch payload.Action {
	case envelope.ActionPing:
		_ = ch.Send(envelope.NewControl(envelope.ControlPayload{Action: envelope.ActionPong}))
	case envelope.ActionDisconnect:
		log.Info().Str("reason", string(payload.Reason)).Msg("relay requested disconnect")
		_ = ch.Close()
	}
}

func (s *Service) setConnected(connected bool, subdomain, publicURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
	s.subdomain = subdomain
	s.publicURL = publicURL
	if connected {
		s.lastError = ""
	}
	if s.metrics != nil {
		if connected {
			s.metrics.ConnectedGauge.Set(1)
		} else {
			s.metrics.ConnectedGauge.Set(0)
		}
	}
}

func (s *Service) setLastError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = msg
}

func (s *Service) incrReconnectCount() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectCount++
}

// GetStatus returns a snapshot of the client's current tunnel state.
func (s *Service) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Connected:      s.connected,
		Subdomain:      s.subdomain,
		PublicURL:      s.publicURL,
		Target:         s.cfg.Target,
		LastError:      s.lastError,
		ReconnectCount: s.reconnectCount,
	}
}

func (s *Service) adminMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/status", s.handleStatus)
	return mux
}

func (s *Service) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.GetStatus())
}

const indexHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>relay client</title>
</head>
<body>
  <h1>relay client</h1>
  <p>Status is read-only here; manage tunnels from the relay server.</p>
  <pre id="status">loading...</pre>
  <script>
    async function refresh() {
      const res = await fetch('/api/status');
      document.getElementById('status').textContent = JSON.stringify(await res.json(), null, 2);
    }
    refresh();
    setInterval(refresh, 2000);
  </script>
</body>
</html>`
