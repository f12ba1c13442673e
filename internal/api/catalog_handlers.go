package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/RagingGuard/video-share/internal/catalog"
	"github.com/RagingGuard/video-share/internal/stream"
)

const (
	videoPrefix = "/video/"

	defaultSearchLimit = 50
	maxSearchLimit     = 500
)

// Videos lists the catalog the request's token grants. refresh=1 forces a
// rescan.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, "GET, HEAD")
		return
	}
	files, err := h.Catalog.List(h.catalogFor(r), r.URL.Query().Get("refresh") == "1")
	if err != nil {
		h.logger(r).Error("list catalog", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("could not list videos"))
		return
	}
	writeJSON(w, http.StatusOK, files)
}

type searchResponse struct {
	Trigger bool            `json:"trigger"`
	Results []catalog.Match `json:"results"`
}

// Search ranks the visible catalog against q. When q is the configured
// trigger keyword the response asks the client to prompt for the password
// and carries no results.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if h.SearchTrigger != "" && query == h.SearchTrigger {
		writeJSON(w, http.StatusOK, searchResponse{Trigger: true, Results: []catalog.Match{}})
		return
	}

	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = min(parsed, maxSearchLimit)
	}

	files, err := h.Catalog.List(h.catalogFor(r), false)
	if err != nil {
		h.logger(r).Error("list catalog", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("could not search videos"))
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: catalog.Search(files, query, limit)})
}

// Video streams one media file from the catalog the token grants, honouring
// a single Range header.
func (h *Handler) Video(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, "GET, HEAD")
		return
	}
	rel := strings.TrimPrefix(r.URL.Path, videoPrefix)
	path, err := h.Catalog.Resolve(h.catalogFor(r), rel)
	if err != nil {
		if errors.Is(err, catalog.ErrInvalidPath) || errors.Is(err, catalog.ErrNotMedia) {
			writeError(w, http.StatusNotFound, errors.New("file not found"))
			return
		}
		h.logger(r).Error("resolve video", "path", rel, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("could not resolve video"))
		return
	}

	resp, err := h.Streams.Open(r.Context(), path, r.Header.Get("Range"))
	switch {
	case errors.Is(err, stream.ErrNotFound):
		writeError(w, http.StatusNotFound, errors.New("file not found"))
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, errors.New("server busy"))
		return
	case err != nil:
		h.logger(r).Error("open video", "path", rel, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("could not open video"))
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		w.Header()[key] = values
	}
	w.WriteHeader(resp.Status)
	if r.Method == http.MethodHead {
		return
	}

	ip, _ := clientAddress(r)
	out := &transferWriter{w: w, record: func(n int) {
		if h.Connections != nil {
			h.Connections.RecordTransfer(ip, int64(n), 0)
		}
	}}
	if written, err := resp.Body.WriteTo(out); err != nil {
		h.logger(r).Debug("stream ended early", "path", rel, "written", written, "error", err)
	}
}

// transferWriter reports every successful write so the connection registry
// can estimate bandwidth.
type transferWriter struct {
	w      io.Writer
	record func(n int)
}

func (t *transferWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if n > 0 {
		t.record(n)
	}
	return n, err
}
