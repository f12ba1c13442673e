package api

import (
	"net"
	"net/http"

	"github.com/RagingGuard/video-share/internal/observability/logging"
)

// untrackedPaths are operator and probe endpoints that must not create or
// refresh client sessions.
var untrackedPaths = map[string]struct{}{
	"/monitor":      {},
	"/monitor-data": {},
	"/metrics":      {},
	"/healthz":      {},
	"/health-check": {},
}

// TrackConnections records every client request in the connection registry
// before passing it on. Request bodies count toward the upload estimate.
func (h *Handler) TrackConnections(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, skip := untrackedPaths[r.URL.Path]; !skip && h.Connections != nil {
			ip, port := clientAddress(r)
			h.Connections.Track(ip, serverAddress(r), port)
			if r.ContentLength > 0 {
				h.Connections.RecordTransfer(ip, 0, r.ContentLength)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddress returns the client IP, preferring the one resolved by the
// server middleware, and the client port of the TCP connection.
func clientAddress(r *http.Request) (string, string) {
	host, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host, port = r.RemoteAddr, ""
	}
	if ip, ok := logging.ClientIPFromContext(r.Context()); ok && ip != "" {
		host = ip
	}
	return host, port
}

// serverAddress returns the local IP the request arrived on, falling back to
// the Host header.
func serverAddress(r *http.Request) string {
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok && addr != nil {
		if host, _, err := net.SplitHostPort(addr.String()); err == nil {
			return host
		}
	}
	if host, _, err := net.SplitHostPort(r.Host); err == nil {
		return host
	}
	return r.Host
}
