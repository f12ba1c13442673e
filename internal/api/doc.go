// Package api hosts the HTTP handlers of the media server.
//
// Handler holds the token store, catalog cache, connection registry and
// stream engine injected by the caller; the package reaches for no globals.
// Routing, rate limiting, request ids, logging and metrics are applied by
// internal/server, so handlers only validate their own inputs.
//
// Capability tokens travel in the "token" query parameter. The older
// "secretnumber" name is still accepted.
package api
