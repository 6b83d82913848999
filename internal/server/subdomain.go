package server

import (
	"crypto/rand"
	"fmt"
)

const subdomainAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// ErrAllocationExhausted is returned when no free subdomain was found within
// the configured number of attempts (spec.md §4.2).
type ErrAllocationExhausted struct {
	Length   int
	Attempts int
}

func (e *ErrAllocationExhausted) Error() string {
	return fmt.Sprintf("subdomain allocation exhausted after %d attempts at length %d", e.Attempts, e.Length)
}

// Allocator generates random lowercase-alphanumeric subdomains and checks
// them against a Registry for collisions (spec.md §4.2).
type Allocator struct {
	registry      *Registry
	length        int
	maxAttempts   int
	metrics       *Metrics
}

// NewAllocator constructs an Allocator. length must be positive.
func NewAllocator(registry *Registry, length, maxAttempts int, metrics *Metrics) (*Allocator, error) {
	if length <= 0 {
		return nil, fmt.Errorf("subdomain: length must be positive, got %d", length)
	}
	if maxAttempts <= 0 {
		maxAttempts = 100
	}
	return &Allocator{registry: registry, length: length, maxAttempts: maxAttempts, metrics: metrics}, nil
}

// Allocate draws a fresh subdomain not currently present in the Registry,
// retrying on collision up to maxAttempts times.
func (a *Allocator) Allocate() (string, error) {
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		candidate, err := randomSubdomain(a.length)
		if err != nil {
			return "", fmt.Errorf("subdomain: draw random string: %w", err)
		}
		if !a.registry.Has(candidate) {
			return candidate, nil
		}
	}
	if a.metrics != nil {
		a.metrics.AllocationExhaustedTotal.Inc()
	}
	return "", &ErrAllocationExhausted{Length: a.length, Attempts: a.maxAttempts}
}

// ValidRequested reports whether candidate is a syntactically acceptable
// client-requested subdomain: non-empty and drawn entirely from the
// lowercase-alphanumeric alphabet (spec.md §9 open question: requested
// subdomains are accepted alongside randomly allocated ones, so the only
// constraint enforced here is the wire-format charset, not the configured
// random length).
func ValidRequested(candidate string) bool {
	if candidate == "" {
		return false
	}
	for _, r := range candidate {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func randomSubdomain(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	n := len(subdomainAlphabet)
	for i, b := range buf {
		out[i] = subdomainAlphabet[int(b)%n]
	}
	return string(out), nil
}
