package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaytun/relay/internal/envelope"
)

const handshakeTimeout = 15 * time.Second

// ErrAuthFailed indicates the relay server rejected the handshake's secret
// key (spec.md §7). Unlike a plain connectivity failure, this should not be
// retried under backoff.
var ErrAuthFailed = errors.New("secret key rejected by relay server")

// Channel is the client-side Channel Endpoint (spec.md §4.5): it owns one
// WebSocket connection to the relay server, serializes outbound writes, and
// dispatches inbound envelopes by type. Unlike the server's Channel, the
// client has no multi-tenant outbound queue to arbitrate — REQUEST handling
// already runs on its own goroutine per spec.md §4.6, so writes only need a
// mutex, not a separate writer goroutine.
type Channel struct {
	conn      *websocket.Conn
	subdomain string
	publicURL string

	writeMu sync.Mutex
}

// Dial connects to serverURL, presents secretKey, optionally requests
// subdomain (spec.md §6 relay.client.subdomain?, empty for server-assigned),
// and blocks until the server's CONTROL/REGISTERED reply arrives or
// handshakeTimeout elapses (spec.md §4.5 HANDSHAKING state).
func Dial(ctx context.Context, serverURL, secretKey, subdomain string) (*Channel, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse server url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("client: server url must use ws:// or wss://, got %q", parsed.Scheme)
	}

	headers := http.Header{}
	headers.Set("X-Relay-Secret-Key", secretKey)
	if subdomain != "" {
		headers.Set("X-Relay-Subdomain", subdomain)
	}

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, parsed.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("client: dial relay: %w", err)
	}

	ch := &Channel{conn: conn}

	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: set handshake deadline: %w", err)
	}
	var env envelope.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		_ = conn.Close()
		// The relay server accepts the WebSocket upgrade before validating
		// X-Relay-Secret-Key (spec.md §4.5 HANDSHAKING), so a rejected key
		// surfaces here as a 1008 policy-violation close rather than a
		// pre-upgrade HTTP status. This is not a transient connectivity
		// failure, so the caller should not keep retrying it (spec.md §7:
		// "authentication failure terminates with exit code 1").
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
			return nil, fmt.Errorf("client: %w", ErrAuthFailed)
		}
		return nil, fmt.Errorf("client: read handshake reply: %w", err)
	}
	if env.Type != envelope.TypeControl || env.Control == nil || env.Control.Action != envelope.ActionRegistered {
		_ = conn.Close()
		return nil, fmt.Errorf("client: unexpected handshake reply type %q", env.Type)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: clear handshake deadline: %w", err)
	}

	ch.subdomain = env.Control.Subdomain
	ch.publicURL = env.Control.PublicURL
	return ch, nil
}

// Subdomain returns the subdomain the server assigned during handshake.
func (c *Channel) Subdomain() string { return c.subdomain }

// PublicURL returns the public URL the server assigned during handshake.
func (c *Channel) PublicURL() string { return c.publicURL }

// Send writes env to the connection. Safe for concurrent use; gorilla's
// websocket.Conn permits only one writer at a time (spec.md §5).
func (c *Channel) Send(env envelope.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("client: marshal envelope: %w", err)
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Recv blocks for the next inbound envelope.
func (c *Channel) Recv() (envelope.Envelope, error) {
	var env envelope.Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return envelope.Envelope{}, err
	}
	return env, nil
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}
