package server

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Session is the server-side record of one live tunnel (spec.md
// TunnelSession). It is owned exclusively by the Registry; callers only ever
// see a *Session handed back from register/lookup and use it to reach the
// Channel, never to mutate registry state directly.
type Session struct {
	Subdomain string
	Channel   *Channel

	mu         sync.Mutex
	correlated map[string]struct{}
}

func newSession(subdomain string, ch *Channel) *Session {
	return &Session{
		Subdomain:  subdomain,
		Channel:    ch,
		correlated: make(map[string]struct{}),
	}
}

func (s *Session) track(correlationID string) {
	s.mu.Lock()
	s.correlated[correlationID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) untrack(correlationID string) {
	s.mu.Lock()
	delete(s.correlated, correlationID)
	s.mu.Unlock()
}

func (s *Session) drainCorrelated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.correlated))
	for id := range s.correlated {
		out = append(out, id)
	}
	s.correlated = make(map[string]struct{})
	return out
}

func (s *Session) queueDepth() int {
	return s.Channel.QueueDepth()
}

// Registry holds the subdomain -> Session mapping (spec.md §4.1). It is the
// sole mutator of that mapping and of each session's correlation-id set; all
// operations are safe for concurrent use and never perform I/O (channel
// closes, pending completions) while holding the lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	onEvict func(session *Session, correlationIDs []string)
	metrics *Metrics
}

// NewRegistry constructs an empty Registry. onEvict is invoked, outside the
// lock, for every correlation id a removed session was tracking — the
// Forwarder wires this to complete those pendings with UPSTREAM_ERROR
// (spec.md §4.1 unregister step b, §4.4).
func NewRegistry(onEvict func(session *Session, correlationIDs []string), metrics *Metrics) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		onEvict:  onEvict,
		metrics:  metrics,
	}
}

// Register performs an atomic insert-if-absent (spec.md I1). It returns
// false without modifying the registry if subdomain is already taken.
func (r *Registry) Register(subdomain string, ch *Channel) (*Session, bool) {
	r.mu.Lock()
	if _, exists := r.sessions[subdomain]; exists {
		r.mu.Unlock()
		return nil, false
	}
	session := newSession(subdomain, ch)
	r.sessions[subdomain] = session
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionsTotal.Inc()
		r.metrics.ActiveSessions.Set(float64(r.Size()))
	}
	return session, true
}

// Unregister removes subdomain's session, if present, and returns it. The
// correlation ids the session was tracking are drained and handed to
// onEvict so their pendings complete with an error (spec.md §4.1
// unregister, I4). Closing the channel is left
// to the caller (typically the Channel's own close path invokes Unregister,
// not the other way around, to avoid a double-close).
func (r *Registry) Unregister(subdomain string, reason string) (*Session, bool) {
	r.mu.Lock()
	session, exists := r.sessions[subdomain]
	if exists {
		delete(r.sessions, subdomain)
	}
	r.mu.Unlock()

	if !exists {
		return nil, false
	}

	correlated := session.drainCorrelated()
	if r.onEvict != nil {
		r.onEvict(session, correlated)
	}
	if r.metrics != nil {
		r.metrics.SessionsClosedTotal.WithLabelValues(reason).Inc()
		r.metrics.ActiveSessions.Set(float64(r.Size()))
	}
	log.Info().Str("subdomain", subdomain).Str("reason", reason).Int("drained_pending", len(correlated)).Msg("tunnel session unregistered")
	return session, true
}

// Lookup returns the session for subdomain, if any.
func (r *Registry) Lookup(subdomain string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[subdomain]
	return s, ok
}

// Has reports whether subdomain currently has a registered session.
func (r *Registry) Has(subdomain string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[subdomain]
	return ok
}

// List returns a point-in-time snapshot of the registered subdomains.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		out = append(out, k)
	}
	return out
}

// Size returns the current number of registered sessions.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Track records that correlationID is in flight for subdomain. No-op if the
// session is absent (spec.md §4.1 track/untrack).
func (r *Registry) Track(subdomain, correlationID string) {
	r.mu.RLock()
	session, ok := r.sessions[subdomain]
	r.mu.RUnlock()
	if ok {
		session.track(correlationID)
	}
}

// Untrack removes correlationID from subdomain's in-flight set.
func (r *Registry) Untrack(subdomain, correlationID string) {
	r.mu.RLock()
	session, ok := r.sessions[subdomain]
	r.mu.RUnlock()
	if ok {
		session.untrack(correlationID)
	}
}

// Shutdown clears the registry and completes each removed session's
// pendings via onEvict (spec.md §4.1 shutdown, §5 shutdown step 4). It does
// not close any session's channel.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, session := range sessions {
		correlated := session.drainCorrelated()
		if r.onEvict != nil {
			r.onEvict(session, correlated)
		}
	}
	if r.metrics != nil {
		r.metrics.ActiveSessions.Set(0)
	}
}
