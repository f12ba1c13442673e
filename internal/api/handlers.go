package api

import (
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"os"

	"github.com/RagingGuard/video-share/internal/auth"
	"github.com/RagingGuard/video-share/internal/catalog"
	"github.com/RagingGuard/video-share/internal/connections"
	"github.com/RagingGuard/video-share/internal/observability/logging"
	"github.com/RagingGuard/video-share/internal/observability/metrics"
	"github.com/RagingGuard/video-share/internal/stream"
)

const (
	// AppName identifies this server in /health-check so a second instance
	// can recognise the process already holding its port.
	AppName = "VideoWebServer"

	tokenParam       = "token"
	legacyTokenParam = "secretnumber"
)

var (
	errTokenAlreadyUsed = errors.New("access link has already been used")
	errTokenInvalid     = errors.New("access link is invalid or expired")
)

// Handler serves every route of the media server.
type Handler struct {
	Tokens      *auth.TokenStore
	Catalog     *catalog.Cache
	Connections *connections.Registry
	Interfaces  *connections.InterfaceResolver
	Streams     *stream.Engine

	// Pages holds index.html and monitor.html.
	Pages fs.FS

	SearchTrigger   string
	MonitorUsername string
	MonitorPassword string
	Port            int
	Version         string

	RateLimiter Pinger
	Archive     Pinger

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// NewHandler wires the core components. Optional collaborators are set on the
// returned struct.
func NewHandler(tokens *auth.TokenStore, cache *catalog.Cache, registry *connections.Registry, engine *stream.Engine) *Handler {
	return &Handler{
		Tokens:      tokens,
		Catalog:     cache,
		Connections: registry,
		Streams:     engine,
		Version:     "1.0",
	}
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	return logging.FromRequest(r, h.Logger)
}

// tokenFromRequest reads the capability token from the query string.
func tokenFromRequest(r *http.Request) string {
	query := r.URL.Query()
	if token := query.Get(tokenParam); token != "" {
		return token
	}
	return query.Get(legacyTokenParam)
}

// catalogFor picks the catalog a request may see. Validation never consumes
// the token.
func (h *Handler) catalogFor(r *http.Request) string {
	if h.Tokens.Validate(tokenFromRequest(r)).Valid() {
		return catalog.Restricted
	}
	return catalog.Open
}

// Index serves the player page. A token in the query string is redeemed
// here: the first visit opens the restricted catalog, a repeat visit is
// refused with 410 and an unknown or expired token with 403. Refusals are
// HTML pages that redirect to / since they answer a top-level navigation.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, fmt.Errorf("%s not found", r.URL.Path))
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, "GET, HEAD")
		return
	}
	// HEAD never redeems, so link previews cannot burn a single-use token.
	if token := tokenFromRequest(r); token != "" && r.Method == http.MethodGet {
		switch h.Tokens.Consume(token) {
		case auth.Consumed:
			h.logger(r).Info("access token redeemed")
		case auth.AlreadyUsed:
			writeLinkRefused(w, http.StatusGone, errTokenAlreadyUsed)
			return
		default:
			writeLinkRefused(w, http.StatusForbidden, errTokenInvalid)
			return
		}
	}
	h.servePage(w, r, "index.html")
}

var linkRefusedPage = template.Must(template.New("refused").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="3; url=/">
<title>Link unavailable</title>
<link rel="stylesheet" href="/static/style.css">
</head>
<body>
<main class="notice">
<p>{{.}}.</p>
<p>Returning to the <a href="/">video list</a>.</p>
</main>
</body>
</html>
`))

// writeLinkRefused answers a refused access link with a page that explains
// the refusal and sends the browser back to the public listing.
func writeLinkRefused(w http.ResponseWriter, status int, reason error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = linkRefusedPage.Execute(w, reason.Error())
}

// Monitor serves the operator page behind the monitor credentials.
func (h *Handler) Monitor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, "GET, HEAD")
		return
	}
	if !h.authorizeMonitor(w, r) {
		return
	}
	h.servePage(w, r, "monitor.html")
}

func (h *Handler) servePage(w http.ResponseWriter, r *http.Request, name string) {
	if h.Pages == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("%s not available", name))
		return
	}
	page, err := fs.ReadFile(h.Pages, name)
	if err != nil {
		h.logger(r).Error("read page", "page", name, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("page unavailable"))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(page)
}

type healthCheckResponse struct {
	App     string `json:"app"`
	Version string `json:"version"`
	Status  string `json:"status"`
	PID     int    `json:"pid"`
}

// HealthCheck reports the identity of this process.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthCheckResponse{
		App:     AppName,
		Version: h.Version,
		Status:  "running",
		PID:     os.Getpid(),
	})
}

// Health reports the state of the optional backing services.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"services": components,
	})
}
