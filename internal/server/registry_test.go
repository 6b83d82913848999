package server

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestRegistryRegisterIsInsertIfAbsent(t *testing.T) {
	reg := NewRegistry(nil, nil)
	ch := newChannel(nil, HeartbeatConfig{}, nil)

	session, ok := reg.Register("abc123", ch)
	if !ok || session == nil {
		t.Fatal("expected first registration to succeed")
	}

	other := newChannel(nil, HeartbeatConfig{}, nil)
	dup, ok := reg.Register("abc123", other)
	if ok || dup != nil {
		t.Fatal("expected duplicate subdomain registration to fail without mutating the registry")
	}

	got, ok := reg.Lookup("abc123")
	if !ok || got != session {
		t.Fatal("lookup should still return the original session")
	}
}

func TestRegistryUnregisterDrainsCorrelated(t *testing.T) {
	var evicted []string
	reg := NewRegistry(func(session *Session, correlationIDs []string) {
		evicted = append(evicted, correlationIDs...)
	}, nil)

	ch := newChannel(nil, HeartbeatConfig{}, nil)
	session, ok := reg.Register("sub1", ch)
	if !ok {
		t.Fatal("register failed")
	}

	reg.Track("sub1", "corr-1")
	reg.Track("sub1", "corr-2")

	_, ok = reg.Unregister("sub1", "test")
	if !ok {
		t.Fatal("expected unregister to find the session")
	}

	if len(evicted) != 2 {
		t.Fatalf("expected 2 drained correlation ids, got %d: %v", len(evicted), evicted)
	}
	if reg.Has("sub1") {
		t.Fatal("subdomain should no longer be registered")
	}
	if len(session.drainCorrelated()) != 0 {
		t.Fatal("session's correlated set should already be drained")
	}
}

func TestRegistryUnregisterUnknownSubdomain(t *testing.T) {
	reg := NewRegistry(nil, nil)
	_, ok := reg.Unregister("ghost", "test")
	if ok {
		t.Fatal("expected unregister of an unknown subdomain to report false")
	}
}

func TestRegistryUntrackRemovesOnlyGivenID(t *testing.T) {
	reg := NewRegistry(nil, nil)
	ch := newChannel(nil, HeartbeatConfig{}, nil)
	reg.Register("sub1", ch)

	reg.Track("sub1", "corr-1")
	reg.Track("sub1", "corr-2")
	reg.Untrack("sub1", "corr-1")

	session, _ := reg.Lookup("sub1")
	remaining := session.drainCorrelated()
	if len(remaining) != 1 || remaining[0] != "corr-2" {
		t.Fatalf("expected only corr-2 to remain, got %v", remaining)
	}
}

func TestRegistryShutdownClearsAllSessions(t *testing.T) {
	var evictedSubdomains []string
	reg := NewRegistry(func(session *Session, correlationIDs []string) {
		evictedSubdomains = append(evictedSubdomains, session.Subdomain)
	}, nil)

	reg.Register("sub1", newChannel(nil, HeartbeatConfig{}, nil))
	reg.Register("sub2", newChannel(nil, HeartbeatConfig{}, nil))

	reg.Shutdown()

	if reg.Size() != 0 {
		t.Fatalf("expected registry to be empty after shutdown, got size %d", reg.Size())
	}
	if len(evictedSubdomains) != 2 {
		t.Fatalf("expected onEvict called for both sessions, got %v", evictedSubdomains)
	}
}

// TestRegistryConcurrentRegisterSameSubdomainExactlyOneSucceeds probes I1
// directly: N goroutines racing to Register the same subdomain must see
// exactly one success, with the registry left pointing at that winner's
// session regardless of goroutine scheduling.
func TestRegistryConcurrentRegisterSameSubdomainExactlyOneSucceeds(t *testing.T) {
	const n = 64
	reg := NewRegistry(nil, nil)

	var successCount int64
	var wg sync.WaitGroup
	sessions := make([]*Session, n)
	oks := make([]bool, n)

	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch := newChannel(nil, HeartbeatConfig{}, nil)
			<-start
			session, ok := reg.Register("contested", ch)
			sessions[i] = session
			oks[i] = ok
			if ok {
				atomic.AddInt64(&successCount, 1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if successCount != 1 {
		t.Fatalf("successful registrations = %d, want exactly 1", successCount)
	}

	var winner *Session
	for i := 0; i < n; i++ {
		if oks[i] {
			winner = sessions[i]
		}
	}
	if winner == nil {
		t.Fatal("no winning session recorded despite successCount == 1")
	}

	got, ok := reg.Lookup("contested")
	if !ok || got != winner {
		t.Fatal("registry lookup does not point at the single winning session")
	}
	if reg.Size() != 1 {
		t.Fatalf("registry size = %d, want 1", reg.Size())
	}
}

func TestRegistryListAndSize(t *testing.T) {
	reg := NewRegistry(nil, nil)
	reg.Register("sub1", newChannel(nil, HeartbeatConfig{}, nil))
	reg.Register("sub2", newChannel(nil, HeartbeatConfig{}, nil))

	if reg.Size() != 2 {
		t.Fatalf("size = %d, want 2", reg.Size())
	}
	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("list = %v, want 2 entries", list)
	}
}
