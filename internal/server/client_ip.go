package server

import (
	"net"
	"net/http"
	"strings"

	"github.com/RagingGuard/video-share/internal/observability/logging"
)

// clientIPMiddleware stores the resolved client address on the context for
// logging, rate limiting and connection tracking.
func clientIPMiddleware(trustForwarded bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.ContextWithClientIP(r.Context(), extractClientIP(r, trustForwarded))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractClientIP returns the peer address. Proxy headers are honoured only
// when the server sits behind a proxy that sets them.
func extractClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func clientIPFromRequest(r *http.Request) string {
	if ip, ok := logging.ClientIPFromContext(r.Context()); ok {
		return ip
	}
	return clientIP(r.RemoteAddr)
}
