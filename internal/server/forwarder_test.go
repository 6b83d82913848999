package server

import (
	"testing"
	"time"

	"github.com/relaytun/relay/internal/envelope"
)

func newTestSession(subdomain string) *Session {
	ch := newChannel(nil, HeartbeatConfig{}, nil)
	return newSession(subdomain, ch)
}

func TestForwarderForwardAndOnResponse(t *testing.T) {
	reg := NewRegistry(nil, nil)
	session := newTestSession("sub1")
	reg.sessions["sub1"] = session

	fwd := NewForwarder(reg, nil)
	correlationID, done, err := fwd.Forward(session, envelope.RequestPayload{Method: "GET", Path: "/"}, time.Second)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	fwd.OnResponse(correlationID, envelope.ResponsePayload{StatusCode: 200})

	select {
	case result := <-done:
		if result.Response == nil || result.Response.StatusCode != 200 {
			t.Fatalf("unexpected result: %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestForwarderOnErrorCompletesOnce(t *testing.T) {
	reg := NewRegistry(nil, nil)
	session := newTestSession("sub1")
	reg.sessions["sub1"] = session

	fwd := NewForwarder(reg, nil)
	correlationID, done, err := fwd.Forward(session, envelope.RequestPayload{Method: "GET", Path: "/"}, time.Second)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	fwd.OnError(correlationID, envelope.ErrorPayload{Code: envelope.ErrUpstream, Message: "boom"})
	// A second completion attempt for the same id must be a no-op: the
	// pending entry is already removed, so OnResponse should not panic or
	// deliver a second value.
	fwd.OnResponse(correlationID, envelope.ResponsePayload{StatusCode: 200})

	select {
	case result := <-done:
		if result.Err == nil || result.Err.Code != envelope.ErrUpstream {
			t.Fatalf("unexpected result: %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}

	select {
	case extra := <-done:
		t.Fatalf("expected no second delivery, got %+v", extra)
	default:
	}
}

func TestForwarderOnTimeout(t *testing.T) {
	reg := NewRegistry(nil, nil)
	session := newTestSession("sub1")
	reg.sessions["sub1"] = session

	fwd := NewForwarder(reg, nil)
	_, done, err := fwd.Forward(session, envelope.RequestPayload{Method: "GET", Path: "/"}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	select {
	case result := <-done:
		if result.Err == nil || result.Err.Code != envelope.ErrTimeout {
			t.Fatalf("expected timeout error, got %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timeout completion")
	}
}

func TestForwarderFailAll(t *testing.T) {
	reg := NewRegistry(nil, nil)
	session := newTestSession("sub1")
	reg.sessions["sub1"] = session

	fwd := NewForwarder(reg, nil)
	id1, done1, _ := fwd.Forward(session, envelope.RequestPayload{Method: "GET", Path: "/a"}, time.Second)
	id2, done2, _ := fwd.Forward(session, envelope.RequestPayload{Method: "GET", Path: "/b"}, time.Second)

	fwd.FailAll([]string{id1, id2}, envelope.ErrUpstream, "tunnel lost")

	for _, done := range []<-chan Result{done1, done2} {
		select {
		case result := <-done:
			if result.Err == nil || result.Err.Code != envelope.ErrUpstream {
				t.Fatalf("expected UPSTREAM_ERROR, got %+v", result)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for FailAll completion")
		}
	}
}
