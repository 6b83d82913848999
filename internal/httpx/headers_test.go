package httpx

import (
	"net/http"
	"testing"
)

func TestIsWebsocketUpgrade(t *testing.T) {
	h := http.Header{}
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "keep-alive, Upgrade")
	if !IsWebsocketUpgrade(h) {
		t.Fatal("expected upgrade request to be detected")
	}

	h2 := http.Header{}
	h2.Set("Upgrade", "h2c")
	h2.Set("Connection", "upgrade")
	if IsWebsocketUpgrade(h2) {
		t.Fatal("non-websocket upgrade should not be detected")
	}
}

func TestStripHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Host", "example.com")
	h.Set("Connection", "keep-alive")
	h.Set("Content-Type", "application/json")
	StripHopByHop(h)

	if h.Get("Host") != "" || h.Get("Connection") != "" {
		t.Fatalf("hop-by-hop headers not stripped: %+v", h)
	}
	if h.Get("Content-Type") != "application/json" {
		t.Fatal("non-hop-by-hop header should survive")
	}
}

func TestEncodeHeadersJoinsRepeatedValues(t *testing.T) {
	h := http.Header{}
	h.Add("X-Custom", "a")
	h.Add("X-Custom", "b")
	encoded := EncodeHeaders(h)
	if encoded["X-Custom"] != "a, b" {
		t.Fatalf("joined value = %q, want %q", encoded["X-Custom"], "a, b")
	}
}

func TestEncodeHeadersEmpty(t *testing.T) {
	if got := EncodeHeaders(http.Header{}); got != nil {
		t.Fatalf("expected nil for empty header, got %+v", got)
	}
}

func TestDecodeHeadersRoundTrip(t *testing.T) {
	original := http.Header{}
	original.Set("Content-Type", "text/plain")
	original.Set("X-Request-Id", "abc-123")

	encoded := EncodeHeaders(original)
	decoded := DecodeHeaders(encoded)

	if decoded.Get("Content-Type") != "text/plain" {
		t.Fatalf("Content-Type = %q", decoded.Get("Content-Type"))
	}
	if decoded.Get("X-Request-Id") != "abc-123" {
		t.Fatalf("X-Request-Id = %q", decoded.Get("X-Request-Id"))
	}
}

func TestSplitHeaderIfNeeded(t *testing.T) {
	parts := SplitHeaderIfNeeded("Accept", "text/html, application/json")
	if len(parts) != 2 || parts[0] != "text/html" || parts[1] != "application/json" {
		t.Fatalf("unexpected split for structural header: %+v", parts)
	}

	single := SplitHeaderIfNeeded("X-Custom", "one, two")
	if len(single) != 1 || single[0] != "one, two" {
		t.Fatalf("non-structural header should not be split: %+v", single)
	}
}
