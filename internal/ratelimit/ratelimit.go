// Package ratelimit implements the per-subdomain token bucket that backs
// the Public Request Router's optional abuse control (spec.md §3's
// RATE_LIMITED error kind; SPEC_FULL.md §4.3 additions). Adapted from
// cortexuvula-clawreachbridge/internal/security/ratelimit.go's per-IP
// limiter, keyed here on tunnel subdomain instead of client IP.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config controls whether and how the limiter admits public requests.
// Disabled by default — spec.md lists bandwidth shaping as a Non-goal, so
// this stays off unless an operator opts in.
type Config struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a per-key (subdomain) token bucket with background eviction of
// stale entries so the map doesn't grow unbounded across the process
// lifetime.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	r       rate.Limit
	burst   int
	ttl     time.Duration
	cancel  context.CancelFunc
}

// New constructs a Limiter from cfg and starts its background cleanup loop.
func New(cfg Config) *Limiter {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Limiter{
		buckets: make(map[string]*bucket),
		r:       rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.Burst,
		ttl:     10 * time.Minute,
		cancel:  cancel,
	}
	go l.cleanup(ctx)
	return l
}

// Allow reports whether a request for key (the tunnel subdomain) may
// proceed right now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.r, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()
	return b.limiter.Allow()
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.cancel()
}

func (l *Limiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			for key, b := range l.buckets {
				if time.Since(b.lastSeen) > l.ttl {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
