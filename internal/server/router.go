package server

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaytun/relay/internal/envelope"
	"github.com/relaytun/relay/internal/httpx"
)

// Router is the Public Request Router (spec.md §4.3): it terminates inbound
// HTTP on the wildcard virtual host, locates the owning tunnel, and awaits
// the Forwarder's correlated reply.
type Router struct {
	server *Server
}

// NewRouter constructs a Router bound to server's Registry/Forwarder/Limiter.
func NewRouter(server *Server) *Router {
	return &Router{server: server}
}

// ServeHTTP implements spec.md §4.3 steps 1-6.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := rt.serveHTTP(w, r)
	if rt.server.metrics != nil {
		rt.server.metrics.PublicRequestsTotal.WithLabelValues(fmt.Sprintf("%d", status)).Inc()
		rt.server.metrics.PublicRequestDuration.Observe(time.Since(start).Seconds())
	}
}

func (rt *Router) serveHTTP(w http.ResponseWriter, r *http.Request) int {
	label, ok := rt.extractSubdomain(r.Host)
	if !ok {
		http.NotFound(w, r)
		return http.StatusNotFound
	}

	if limiter := rt.server.Limiter(); limiter != nil && !limiter.Allow(label) {
		if rt.server.metrics != nil {
			rt.server.metrics.RateLimitedTotal.Inc()
		}
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return http.StatusTooManyRequests
	}

	session, ok := rt.server.Registry().Lookup(label)
	if !ok {
		http.NotFound(w, r)
		return http.StatusNotFound
	}

	maxBody := rt.server.cfg.MaxBodySize
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return http.StatusBadRequest
	}
	if int64(len(body)) > maxBody {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return http.StatusRequestEntityTooLarge
	}

	headers := r.Header.Clone()
	httpx.StripHopByHop(headers)
	isUpgrade := httpx.IsWebsocketUpgrade(r.Header)

	req := envelope.RequestPayload{
		Method:           r.Method,
		Path:             r.URL.Path,
		Query:            encodeQuery(r.URL.Query()),
		Headers:          httpx.EncodeHeaders(headers),
		WebsocketUpgrade: isUpgrade,
	}
	if len(body) > 0 {
		encoded := envelope.EncodeBody(body)
		req.Body = &encoded
	}

	_, resultCh, err := rt.server.Forwarder().Forward(session, req, rt.server.cfg.RequestTimeout)
	if err != nil {
		log.Warn().Err(err).Str("subdomain", label).Msg("failed to publish request to tunnel")
		http.Error(w, "tunnel unavailable", http.StatusServiceUnavailable)
		return http.StatusServiceUnavailable
	}

	result, ok := <-resultCh
	if !ok {
		http.Error(w, "tunnel disconnected", http.StatusServiceUnavailable)
		return http.StatusServiceUnavailable
	}

	if result.Err != nil {
		return rt.writeError(w, *result.Err)
	}
	if isUpgrade && result.Response.StatusCode == http.StatusSwitchingProtocols {
		return rt.handleUpgradeAck(w, r, *result.Response)
	}
	return rt.writeResponse(w, *result.Response)
}

// handleUpgradeAck implements the handshake-only slice of spec.md §4.3's
// WebSocket extension path: once the tunnel ACKs the upgrade with a 101
// RESPONSE, the Router hijacks the public connection and writes the 101
// response verbatim. Frame-level multiplexing past the handshake would
// require a new envelope type the wire schema in spec.md §3 doesn't define,
// and is explicitly out of scope for this build (SPEC_FULL.md, DESIGN.md).
func (rt *Router) handleUpgradeAck(w http.ResponseWriter, r *http.Request, resp envelope.ResponsePayload) int {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported by this transport", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	conn, bufrw, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "upgrade hijack failed", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
	defer conn.Close()

	fmt.Fprintf(bufrw, "HTTP/1.1 101 Switching Protocols\r\n")
	for k, v := range resp.Headers {
		fmt.Fprintf(bufrw, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(bufrw, "\r\n")
	bufrw.Flush()
	log.Info().Str("path", r.URL.Path).Msg("websocket upgrade handshake acked; frame relay not implemented, closing")
	return http.StatusSwitchingProtocols
}

func (rt *Router) writeResponse(w http.ResponseWriter, resp envelope.ResponsePayload) int {
	for k, v := range resp.Headers {
		if isHopByHopName(k) {
			continue
		}
		for _, part := range httpx.SplitHeaderIfNeeded(k, v) {
			w.Header().Add(k, part)
		}
	}
	status := resp.StatusCode
	if status < 100 || status > 599 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	if resp.Body == nil {
		return status
	}
	decoded, err := envelope.DecodeBody(*resp.Body)
	if err != nil {
		log.Warn().Err(err).Msg("failed to decode response body")
		return status
	}
	_, _ = w.Write(decoded)
	return status
}

func (rt *Router) writeError(w http.ResponseWriter, errPayload envelope.ErrorPayload) int {
	status := mapErrorStatus(errPayload.Code)
	http.Error(w, errPayload.Message, status)
	return status
}

// mapErrorStatus maps an error kind to the public HTTP status. UPSTREAM_ERROR
// maps to 503, since this server only produces it when a tunnel goes away
// with requests in flight; unknown kinds fall back to 502.
func mapErrorStatus(code envelope.ErrorCode) int {
	switch code {
	case envelope.ErrTimeout:
		return http.StatusGatewayTimeout
	case envelope.ErrUpstream:
		return http.StatusServiceUnavailable
	case envelope.ErrInvalidRequest:
		return http.StatusBadRequest
	case envelope.ErrServer:
		return http.StatusInternalServerError
	case envelope.ErrRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

// extractSubdomain implements spec.md §4.3 step 1: the leftmost DNS label
// of Host must match exactly "<label>.<base-domain>".
func (rt *Router) extractSubdomain(host string) (string, bool) {
	host = normalizeHost(host)
	suffix := "." + strings.ToLower(rt.server.cfg.Domain)
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	label := strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}

func isHopByHopName(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization", "Te", "Transfer-Encoding", "Upgrade":
		return true
	default:
		return false
	}
}

func encodeQuery(values url.Values) []envelope.QueryParam {
	if len(values) == 0 {
		return nil
	}
	out := make([]envelope.QueryParam, 0, len(values))
	for name, vals := range values {
		for _, v := range vals {
			out = append(out, envelope.QueryParam{Name: name, Value: v})
		}
	}
	return out
}
