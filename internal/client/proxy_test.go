package client

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaytun/relay/internal/envelope"
)

func TestOriginProxyForwardGET(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/widgets" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.URL.Query().Get("page") != "3" {
			t.Errorf("unexpected query: %q", r.URL.RawQuery)
		}
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer origin.Close()

	proxy := NewOriginProxy(origin.URL, time.Second)
	resp := proxy.Forward(envelope.RequestPayload{
		Method: "GET",
		Path:   "/widgets",
		Query:  []envelope.QueryParam{{Name: "page", Value: "3"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Headers["X-Origin"] != "yes" {
		t.Fatalf("missing X-Origin header: %+v", resp.Headers)
	}
	if resp.Body == nil {
		t.Fatal("expected a response body")
	}
	decoded, err := envelope.DecodeBody(*resp.Body)
	if err != nil || string(decoded) != "hello" {
		t.Fatalf("decoded body = %q, err = %v", decoded, err)
	}
}

func TestOriginProxyForwardPOSTBody(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		if string(buf[:n]) != `{"ok":true}` {
			t.Errorf("unexpected body: %q", buf[:n])
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer origin.Close()

	body := envelope.EncodeBody([]byte(`{"ok":true}`))
	proxy := NewOriginProxy(origin.URL, time.Second)
	resp := proxy.Forward(envelope.RequestPayload{
		Method: "POST",
		Path:   "/things",
		Body:   &body,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
}

// On transport failure (timeout, connection refused), Forward never returns
// an ERROR-shaped payload: it folds the failure into a RESPONSE with a
// status code and a text/plain body describing the cause (spec.md §4.6/§7).

func TestOriginProxyForwardTimeoutBecomesBadGatewayResponse(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer origin.Close()

	proxy := NewOriginProxy(origin.URL, 5*time.Millisecond)
	resp := proxy.Forward(envelope.RequestPayload{Method: "GET", Path: "/"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if resp.Headers["Content-Type"] == "" {
		t.Fatal("expected a Content-Type header describing the failure body")
	}
	if resp.Body == nil {
		t.Fatal("expected a body describing the timeout")
	}
}

func TestOriginProxyForwardUpstreamUnreachableBecomesBadGatewayResponse(t *testing.T) {
	proxy := NewOriginProxy("http://127.0.0.1:1", time.Second)
	resp := proxy.Forward(envelope.RequestPayload{Method: "GET", Path: "/"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if resp.Body == nil {
		t.Fatal("expected a body describing the connection failure")
	}
}

func TestOriginProxyStripsHopByHopRequestHeaders(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Connection") != "" {
			t.Errorf("Connection header should have been stripped, got %q", r.Header.Get("Connection"))
		}
		if r.Header.Get("X-Keep") != "yes" {
			t.Errorf("X-Keep header should survive, got %q", r.Header.Get("X-Keep"))
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer origin.Close()

	proxy := NewOriginProxy(origin.URL, time.Second)
	resp := proxy.Forward(envelope.RequestPayload{
		Method:  "GET",
		Path:    "/",
		Headers: map[string]string{"Connection": "keep-alive", "X-Keep": "yes"},
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
}
