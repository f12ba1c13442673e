// Package server hosts the media server's routes behind one HTTP server.
//
// Every request passes the same middleware chain: client address
// resolution, request ids, access logging, metrics, security headers, CORS,
// rate limiting and connection tracking. Handlers in internal/api rely on
// that order.
package server
