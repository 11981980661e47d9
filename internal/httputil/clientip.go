// Package httputil holds small HTTP helpers shared by the API and webhook
// handlers.
package httputil

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP returns the caller address. The first X-Forwarded-For hop wins,
// then X-Real-IP, then the host part of RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
