// Package envelope implements the wire codec shared by the relay server and
// the tunnel client: one JSON object per framed WebSocket text message,
// carrying a correlation id, a type-discriminated payload, and a timestamp.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EncodeBody base64-encodes raw bytes for the body field of a request or
// response payload (spec.md §3).
func EncodeBody(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeBody reverses EncodeBody.
func DecodeBody(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}

// Type discriminates the payload carried by an Envelope.
type Type string

const (
	TypeRequest  Type = "REQUEST"
	TypeResponse Type = "RESPONSE"
	TypeError    Type = "ERROR"
	TypeControl  Type = "CONTROL"
)

// ErrorCode enumerates the error kinds that can cross the tunnel channel.
type ErrorCode string

const (
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrUpstream       ErrorCode = "UPSTREAM_ERROR"
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrServer         ErrorCode = "SERVER_ERROR"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
)

// ControlAction enumerates CONTROL payload actions.
type ControlAction string

const (
	ActionRegister   ControlAction = "REGISTER"
	ActionRegistered ControlAction = "REGISTERED"
	ActionUnregister ControlAction = "UNREGISTER"
	ActionHeartbeat  ControlAction = "HEARTBEAT"
	ActionPing       ControlAction = "PING"
	ActionPong       ControlAction = "PONG"
	ActionDisconnect ControlAction = "DISCONNECT"
)

// DisconnectReason enumerates CONTROL/DISCONNECT reasons.
type DisconnectReason string

const (
	ReasonNewConnection DisconnectReason = "NEW_CONNECTION"
	ReasonShutdown       DisconnectReason = "SHUTDOWN"
	ReasonError          DisconnectReason = "ERROR"
)

// QueryParam is one (name, value) pair from the request's query string.
// A slice (rather than a map) preserves both order and repeated names.
type QueryParam struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RequestPayload is the REQUEST envelope body (spec.md §3).
type RequestPayload struct {
	Method            string            `json:"method"`
	Path              string            `json:"path"`
	Query             []QueryParam      `json:"query,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	Body              *string           `json:"body"`
	WebsocketUpgrade  bool              `json:"websocketUpgrade,omitempty"`
}

// ResponsePayload is the RESPONSE envelope body.
type ResponsePayload struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       *string           `json:"body"`
}

// ErrorPayload is the ERROR envelope body.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ControlPayload is the CONTROL envelope body.
type ControlPayload struct {
	Action    ControlAction    `json:"action"`
	Subdomain string           `json:"subdomain,omitempty"`
	PublicURL string           `json:"publicUrl,omitempty"`
	Reason    DisconnectReason `json:"reason,omitempty"`
}

// Envelope is one framed message on the tunnel channel. Payload is kept as
// raw JSON on the wire and decoded into the concrete *Payload type indicated
// by Type; this is what lets unknown fields inside a known payload be
// ignored for forward compatibility while still rejecting payload shapes
// that don't match Type (spec.md I5).
type Envelope struct {
	CorrelationID string    `json:"correlationId"`
	Type          Type      `json:"type"`
	Timestamp     time.Time `json:"timestamp"`

	Request  *RequestPayload  `json:"-"`
	Response *ResponsePayload `json:"-"`
	Error    *ErrorPayload    `json:"-"`
	Control  *ControlPayload  `json:"-"`
}

// NewCorrelationID mints a process-lifetime-unique correlation id (spec.md I2).
func NewCorrelationID() string {
	return uuid.NewString()
}

type wireEnvelope struct {
	CorrelationID string          `json:"correlationId"`
	Type          Type            `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// MarshalJSON implements json.Marshaler, writing whichever payload field is
// populated under the "payload" key.
func (e Envelope) MarshalJSON() ([]byte, error) {
	var payload any
	switch e.Type {
	case TypeRequest:
		payload = e.Request
	case TypeResponse:
		payload = e.Response
	case TypeError:
		payload = e.Error
	case TypeControl:
		payload = e.Control
	default:
		return nil, fmt.Errorf("envelope: unknown type %q", e.Type)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return json.Marshal(wireEnvelope{
		CorrelationID: e.CorrelationID,
		Type:          e.Type,
		Timestamp:     ts.UTC(),
		Payload:       raw,
	})
}

// UnmarshalJSON implements json.Unmarshaler. An envelope whose Type doesn't
// match any known payload shape is rejected without mutating e (spec.md I5):
// on error, the caller must treat the frame as dropped, not partially applied.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("envelope: decode frame: %w", err)
	}

	decoded := Envelope{
		CorrelationID: wire.CorrelationID,
		Type:          wire.Type,
		Timestamp:     wire.Timestamp,
	}

	switch wire.Type {
	case TypeRequest:
		var p RequestPayload
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return fmt.Errorf("envelope: decode REQUEST payload: %w", err)
		}
		decoded.Request = &p
	case TypeResponse:
		var p ResponsePayload
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return fmt.Errorf("envelope: decode RESPONSE payload: %w", err)
		}
		decoded.Response = &p
	case TypeError:
		var p ErrorPayload
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return fmt.Errorf("envelope: decode ERROR payload: %w", err)
		}
		decoded.Error = &p
	case TypeControl:
		var p ControlPayload
		if err := json.Unmarshal(wire.Payload, &p); err != nil {
			return fmt.Errorf("envelope: decode CONTROL payload: %w", err)
		}
		decoded.Control = &p
	default:
		return fmt.Errorf("envelope: unknown type %q", wire.Type)
	}

	*e = decoded
	return nil
}

// NewRequest builds a REQUEST envelope with a fresh correlation id.
func NewRequest(payload RequestPayload) Envelope {
	return Envelope{
		CorrelationID: NewCorrelationID(),
		Type:          TypeRequest,
		Timestamp:     time.Now().UTC(),
		Request:       &payload,
	}
}

// NewResponse builds a RESPONSE envelope correlated to an existing request.
func NewResponse(correlationID string, payload ResponsePayload) Envelope {
	return Envelope{
		CorrelationID: correlationID,
		Type:          TypeResponse,
		Timestamp:     time.Now().UTC(),
		Response:      &payload,
	}
}

// NewError builds an ERROR envelope correlated to an existing request.
func NewError(correlationID string, code ErrorCode, message string) Envelope {
	return Envelope{
		CorrelationID: correlationID,
		Type:          TypeError,
		Timestamp:     time.Now().UTC(),
		Error:         &ErrorPayload{Code: code, Message: message},
	}
}

// NewControl builds a CONTROL envelope. Control messages carry no
// correlation id of their own significance; callers may leave it empty.
func NewControl(payload ControlPayload) Envelope {
	return Envelope{
		Type:      TypeControl,
		Timestamp: time.Now().UTC(),
		Control:   &payload,
	}
}
