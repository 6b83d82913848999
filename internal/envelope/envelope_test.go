package envelope

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEncodeDecodeBodyRoundTrip(t *testing.T) {
	raw := []byte("hello, tunnel")
	encoded := EncodeBody(raw)
	decoded, err := DecodeBody(encoded)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if string(decoded) != string(raw) {
		t.Fatalf("round trip mismatch: got %q want %q", decoded, raw)
	}
}

func TestEnvelopeRequestRoundTrip(t *testing.T) {
	body := EncodeBody([]byte(`{"hello":"world"}`))
	original := NewRequest(RequestPayload{
		Method:  "POST",
		Path:    "/api/things",
		Query:   []QueryParam{{Name: "page", Value: "2"}},
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    &body,
	})

	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.Type != TypeRequest {
		t.Fatalf("type = %q, want REQUEST", decoded.Type)
	}
	if decoded.CorrelationID != original.CorrelationID {
		t.Fatalf("correlation id mismatch: got %q want %q", decoded.CorrelationID, original.CorrelationID)
	}
	if decoded.Request == nil {
		t.Fatal("decoded.Request is nil")
	}
	if decoded.Request.Method != "POST" || decoded.Request.Path != "/api/things" {
		t.Fatalf("request payload mismatch: %+v", decoded.Request)
	}
	if len(decoded.Request.Query) != 1 || decoded.Request.Query[0].Value != "2" {
		t.Fatalf("query params mismatch: %+v", decoded.Request.Query)
	}
	if decoded.Response != nil || decoded.Error != nil || decoded.Control != nil {
		t.Fatal("non-REQUEST payload fields should stay nil")
	}
}

func TestEnvelopeControlRoundTrip(t *testing.T) {
	original := NewControl(ControlPayload{Action: ActionRegistered, Subdomain: "abc123", PublicURL: "https://abc123.tunnel.example.com"})

	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Control == nil || decoded.Control.Action != ActionRegistered {
		t.Fatalf("control payload mismatch: %+v", decoded.Control)
	}
	if decoded.Control.Subdomain != "abc123" {
		t.Fatalf("subdomain mismatch: %q", decoded.Control.Subdomain)
	}
}

func TestEnvelopeUnknownTypeRejected(t *testing.T) {
	raw := []byte(`{"correlationId":"x","type":"BOGUS","timestamp":"2024-01-01T00:00:00Z","payload":{}}`)
	var decoded Envelope
	decoded.CorrelationID = "sentinel"
	if err := json.Unmarshal(raw, &decoded); err == nil {
		t.Fatal("expected error decoding unknown envelope type")
	}
	if decoded.CorrelationID != "sentinel" {
		t.Fatal("envelope should be left untouched on decode failure")
	}
}

func TestEnvelopeMismatchedPayloadRejected(t *testing.T) {
	raw := []byte(`{"correlationId":"x","type":"REQUEST","timestamp":"2024-01-01T00:00:00Z","payload":"not-an-object"}`)
	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err == nil {
		t.Fatal("expected error decoding mismatched payload shape")
	}
}

func TestNewCorrelationIDUnique(t *testing.T) {
	a := NewCorrelationID()
	b := NewCorrelationID()
	if a == b {
		t.Fatal("expected distinct correlation ids")
	}
}

func TestNewResponseCarriesCorrelationID(t *testing.T) {
	env := NewResponse("corr-1", ResponsePayload{StatusCode: 200})
	if env.CorrelationID != "corr-1" {
		t.Fatalf("correlation id = %q, want corr-1", env.CorrelationID)
	}
	if env.Timestamp.IsZero() {
		t.Fatal("expected non-zero timestamp")
	}
	if time.Since(env.Timestamp) > time.Minute {
		t.Fatal("timestamp should be close to now")
	}
}

func TestNewErrorEnvelope(t *testing.T) {
	env := NewError("corr-2", ErrUpstream, "boom")
	if env.Type != TypeError {
		t.Fatalf("type = %q, want ERROR", env.Type)
	}
	if env.Error.Code != ErrUpstream || env.Error.Message != "boom" {
		t.Fatalf("error payload mismatch: %+v", env.Error)
	}
}
