package client

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/relaytun/relay/internal/envelope"
	"github.com/relaytun/relay/internal/httpx"
)

// OriginProxy is the Local Origin Proxy (spec.md §4.6): it turns a decoded
// RequestPayload into an HTTP call against the user's local origin server
// and turns the reply, or any failure, back into a ResponsePayload. The
// request-building and header-copy shape is adapted from the teacher's
// Service.forwardToLocal (ChangfengHU-tunneling/internal/agent/service.go),
// generalized from a routed hostname->target map to a single fixed origin
// per client process (spec.md's per-process tunnel model has no route
// table: one client, one local target).
type OriginProxy struct {
	target string
	client *http.Client
}

// NewOriginProxy constructs an OriginProxy that forwards to target (a full
// base URL of the local origin, e.g. "http://127.0.0.1:3000") with the
// given round-trip timeout.
func NewOriginProxy(target string, timeout time.Duration) *OriginProxy {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OriginProxy{
		target: target,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Forward performs the proxied call described by req (spec.md §4.6 forward).
// Per spec.md §4.6/§7, the proxy never emits an ERROR envelope: every
// failure — transport failure (connection refused, timeout) or an
// unexpected internal exception — is turned into a RESPONSE envelope
// carrying an appropriate status and a text/plain body describing the
// cause, so the public side always sees a response rather than a bare
// transport error.
func (p *OriginProxy) Forward(req envelope.RequestPayload) *envelope.ResponsePayload {
	var body []byte
	if req.Body != nil {
		decoded, err := envelope.DecodeBody(*req.Body)
		if err != nil {
			return errorResponse(http.StatusInternalServerError, fmt.Sprintf("decode request body: %v", err))
		}
		body = decoded
	}

	fullURL := p.buildURL(req)
	localReq, err := http.NewRequest(req.Method, fullURL, bytes.NewReader(body))
	if err != nil {
		return errorResponse(http.StatusInternalServerError, fmt.Sprintf("build local request: %v", err))
	}
	localReq.Header = make(http.Header, len(req.Headers))
	for k, v := range req.Headers {
		for _, part := range httpx.SplitHeaderIfNeeded(k, v) {
			localReq.Header.Add(k, part)
		}
	}
	httpx.StripHopByHop(localReq.Header)

	resp, err := p.client.Do(localReq)
	if err != nil {
		return errorResponse(http.StatusBadGateway, fmt.Sprintf("local origin request failed: %v", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, httpx.MaxBodySize))
	if err != nil {
		return errorResponse(http.StatusBadGateway, fmt.Sprintf("read local origin response: %v", err))
	}

	headers := resp.Header.Clone()
	httpx.StripHopByHop(headers)

	out := envelope.ResponsePayload{
		StatusCode: resp.StatusCode,
		Headers:    httpx.EncodeHeaders(headers),
	}
	if len(respBody) > 0 {
		encoded := envelope.EncodeBody(respBody)
		out.Body = &encoded
	}
	return &out
}

// errorResponse builds the text/plain RESPONSE envelope spec.md §4.6
// requires for proxy-side failures.
func errorResponse(status int, cause string) *envelope.ResponsePayload {
	encoded := envelope.EncodeBody([]byte(cause))
	return &envelope.ResponsePayload{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:       &encoded,
	}
}

func (p *OriginProxy) buildURL(req envelope.RequestPayload) string {
	full := p.target + req.Path
	if len(req.Query) > 0 {
		values := url.Values{}
		for _, qp := range req.Query {
			values.Add(qp.Name, qp.Value)
		}
		full += "?" + values.Encode()
	}
	return full
}
