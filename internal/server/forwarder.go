package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaytun/relay/internal/envelope"
)

// Result is what a PendingRequest resolves to: exactly one of Response or
// Err is set.
type Result struct {
	Response *envelope.ResponsePayload
	Err      *envelope.ErrorPayload
}

// pendingRequest is the server-side record of a forwarded request awaiting
// a reply (spec.md PendingRequest). completion is a one-shot result slot:
// exactly one of onResponse/onError/onTimeout may successfully deliver to it
// (spec.md I3).
type pendingRequest struct {
	correlationID string
	subdomain     string
	done          chan Result
	once          sync.Once
	timer         *time.Timer
}

func (p *pendingRequest) complete(result Result) bool {
	delivered := false
	p.once.Do(func() {
		p.timer.Stop()
		p.done <- result
		delivered = true
	})
	return delivered
}

// Forwarder owns the pending table: correlation-id -> pendingRequest
// (spec.md §4.4). It is the sole mutator of that table and guarantees
// at-most-once completion per correlation id.
type Forwarder struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	registry *Registry
	metrics  *Metrics
}

// NewForwarder constructs a Forwarder bound to registry for session lookups
// and in-flight tracking.
func NewForwarder(registry *Registry, metrics *Metrics) *Forwarder {
	return &Forwarder{
		pending:  make(map[string]*pendingRequest),
		registry: registry,
		metrics:  metrics,
	}
}

// Forward allocates a correlation id, registers a PendingRequest, arms its
// timeout, publishes req to session's outbound queue, and returns a channel
// that will receive exactly one Result (spec.md §4.4 forward).
func (f *Forwarder) Forward(session *Session, req envelope.RequestPayload, timeout time.Duration) (string, <-chan Result, error) {
	env := envelope.NewRequest(req)
	correlationID := env.CorrelationID

	p := &pendingRequest{
		correlationID: correlationID,
		subdomain:     session.Subdomain,
		done:          make(chan Result, 1),
	}

	f.mu.Lock()
	f.pending[correlationID] = p
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.PendingRequests.Inc()
	}

	f.registry.Track(session.Subdomain, correlationID)

	p.timer = time.AfterFunc(timeout, func() { f.onTimeout(correlationID) })

	if err := session.Channel.Send(env); err != nil {
		f.removePending(correlationID)
		f.registry.Untrack(session.Subdomain, correlationID)
		p.timer.Stop()
		return correlationID, nil, err
	}

	return correlationID, p.done, nil
}

func (f *Forwarder) removePending(correlationID string) *pendingRequest {
	f.mu.Lock()
	p, ok := f.pending[correlationID]
	if ok {
		delete(f.pending, correlationID)
	}
	f.mu.Unlock()
	if ok && f.metrics != nil {
		f.metrics.PendingRequests.Dec()
	}
	return p
}

// OnResponse matches a RESPONSE envelope to its pending request and
// completes it. A no-op if the correlation id is absent or already
// completed (spec.md §4.4 onResponse).
func (f *Forwarder) OnResponse(correlationID string, resp envelope.ResponsePayload) {
	p := f.removePending(correlationID)
	if p == nil {
		return
	}
	f.registry.Untrack(p.subdomain, correlationID)
	p.complete(Result{Response: &resp})
}

// OnError matches an ERROR envelope to its pending request and completes it
// with that error (spec.md §4.4 onError).
func (f *Forwarder) OnError(correlationID string, errPayload envelope.ErrorPayload) {
	p := f.removePending(correlationID)
	if p == nil {
		return
	}
	f.registry.Untrack(p.subdomain, correlationID)
	p.complete(Result{Err: &errPayload})
}

// onTimeout fires when a pending request's deadline elapses without a
// matching reply. A RESPONSE arriving afterward finds the entry gone and is
// dropped (spec.md §4.4 onTimeout).
func (f *Forwarder) onTimeout(correlationID string) {
	p := f.removePending(correlationID)
	if p == nil {
		return
	}
	f.registry.Untrack(p.subdomain, correlationID)
	if f.metrics != nil {
		f.metrics.TimeoutsTotal.Inc()
	}
	log.Warn().Str("correlation_id", correlationID).Str("subdomain", p.subdomain).Msg("request timed out awaiting tunnel response")
	p.complete(Result{Err: &envelope.ErrorPayload{Code: envelope.ErrTimeout, Message: "timed out waiting for tunnel response"}})
}

// FailAll completes every pendingRequest in correlationIDs with the given
// error. The Registry calls this after Unregister drains a session's
// correlation-id set (spec.md §4.1 unregister step b, I4) so the Forwarder
// never has to scan its whole table.
func (f *Forwarder) FailAll(correlationIDs []string, code envelope.ErrorCode, message string) {
	for _, id := range correlationIDs {
		p := f.removePending(id)
		if p == nil {
			continue
		}
		if f.metrics != nil {
			f.metrics.ErrorsTotal.WithLabelValues(string(code)).Inc()
		}
		p.complete(Result{Err: &envelope.ErrorPayload{Code: code, Message: message}})
	}
}
