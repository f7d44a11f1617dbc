package httpx

import (
	"net"
	"net/http"
	"strings"
)

// KeyExtractor derives a grouping key from a request for rate limiting
// purposes (e.g. IP address, authenticated subject).
type KeyExtractor func(*http.Request) string

// IPKeyExtractor extracts the client IP address from the request.
// It handles X-Forwarded-For and X-Real-IP headers for proxied requests.
func IPKeyExtractor(r *http.Request) string {
	// X-Forwarded-For is a comma-separated list, client first.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// SubjectKeyExtractor extracts the authenticated subject from the request
// context. Returns empty string pre-authentication.
func SubjectKeyExtractor(r *http.Request) string {
	if sub, ok := SubjectFromContext(r.Context()); ok {
		return sub
	}
	return ""
}

// FirstKeyExtractor returns the first non-empty key among the extractors.
// FirstKeyExtractor(SubjectKeyExtractor, IPKeyExtractor) keys authenticated
// traffic by subject and falls back to IP for anonymous requests.
func FirstKeyExtractor(extractors ...KeyExtractor) KeyExtractor {
	return func(r *http.Request) string {
		for _, extract := range extractors {
			if key := extract(r); key != "" {
				return key
			}
		}
		return ""
	}
}
