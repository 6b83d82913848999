// Package httpx holds the HTTP-shape helpers shared by the Public Request
// Router (server) and the Local Origin Proxy (client): hop-by-hop header
// stripping, header encoding for the envelope wire shape, and the request
// body size limit (spec.md §3, §4.3, §4.6).
package httpx

import (
	"net/http"
	"strings"
)

// MaxBodySize is the decoded-body size limit enforced at the producer side
// of every envelope (spec.md §3).
const MaxBodySize = 10 << 20 // 10 MiB

// hopByHop lists the headers that must never cross a proxy boundary
// (spec.md §4.3, glossary).
var hopByHop = []string{
	"Host",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Transfer-Encoding",
	"Upgrade",
}

// IsWebsocketUpgrade reports whether the request carries the
// Connection: upgrade / Upgrade: websocket pair (spec.md §4.3 step 4).
func IsWebsocketUpgrade(h http.Header) bool {
	return strings.EqualFold(h.Get("Upgrade"), "websocket") &&
		headerContainsToken(h.Get("Connection"), "upgrade")
}

func headerContainsToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// StripHopByHop removes the hop-by-hop headers from h in place.
func StripHopByHop(h http.Header) {
	for _, key := range hopByHop {
		h.Del(key)
	}
}

// EncodeHeaders flattens an http.Header into the envelope's single-string
// mapping, joining repeated values with ", " as spec.md §3 requires.
func EncodeHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// DecodeHeaders expands an envelope header mapping back into an http.Header.
// Values are not split on ", " by default — spec.md §3 only requires
// splitting "if the origin requires it", which SplitHeaderIfNeeded handles
// for the handful of headers known to be genuinely multi-valued.
func DecodeHeaders(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// multiValueHeaders lists the headers whose single joined string must be
// re-split before handing them to an origin that parses them structurally.
var multiValueHeaders = map[string]bool{
	"Accept":          true,
	"Accept-Encoding": true,
	"Accept-Language": true,
	"Cache-Control":   true,
	"Cookie":          true,
	"Forwarded":       true,
	"Vary":            true,
	"Via":             true,
	"X-Forwarded-For": true,
}

// SplitHeaderIfNeeded splits a joined header value back into its parts when
// key is one of the headers an origin is expected to parse structurally.
func SplitHeaderIfNeeded(key, value string) []string {
	if !multiValueHeaders[http.CanonicalHeaderKey(key)] {
		return []string{value}
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
