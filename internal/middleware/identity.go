package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// IdentityExtractor resolves the client identity used for per-identity rate
// limiting: the client IP from X-Forwarded-For, X-Real-IP, or RemoteAddr.
//
// Proxy headers are spoofable, so they are only honored when the direct peer
// (RemoteAddr) is inside a trusted proxy range. With no trusted ranges
// configured, headers are always trusted, which matches a deployment where
// the service only ever sits behind its own ingress.
type IdentityExtractor struct {
	trusted []*net.IPNet
	depth   int
}

// NewIdentityExtractor compiles the trusted proxy CIDRs. depth selects which
// X-Forwarded-For entry to use: 0 takes the leftmost (client-provided)
// entry, a positive value N takes the Nth entry from the right.
func NewIdentityExtractor(trustedProxies []string, depth int) (*IdentityExtractor, error) {
	e := &IdentityExtractor{depth: depth}
	for _, c := range trustedProxies {
		_, ipnet, err := net.ParseCIDR(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
		e.trusted = append(e.trusted, ipnet)
	}
	return e, nil
}

// Extract returns the client identity for the request. Never fails: an
// unparsable RemoteAddr is returned verbatim.
func (e *IdentityExtractor) Extract(r *http.Request) string {
	peer := remoteIP(r)

	if !e.peerTrusted(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := e.pickForwarded(xff); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	return peer
}

func (e *IdentityExtractor) peerTrusted(peer string) bool {
	if len(e.trusted) == 0 {
		return true
	}
	ip := net.ParseIP(peer)
	if ip == nil {
		return false
	}
	for _, n := range e.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (e *IdentityExtractor) pickForwarded(xff string) string {
	parts := strings.Split(xff, ",")
	idx := 0
	if e.depth > 0 {
		idx = len(parts) - e.depth
		if idx < 0 {
			idx = 0
		}
	}
	return strings.TrimSpace(parts[idx])
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
