package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/elnormous/contenttype"
)

const maxJSONBody = 64 * 1024

var (
	jsonMediaType = contenttype.NewMediaType("application/json")
	textMediaType = contenttype.NewMediaType("text/plain")
)

// errUnsupportedMediaType is returned by decodeBody for bodies that are not
// JSON or plain text carrying JSON.
var errUnsupportedMediaType = errors.New("content-type must be application/json or text/plain")

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
}

// decodeBody decodes a JSON request body. Browsers sending beacons on page
// unload cannot set a JSON content type, so text/plain is accepted as well.
// A missing content type is treated as JSON.
func decodeBody(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	if r.Header.Get("Content-Type") != "" {
		mediaType, err := contenttype.GetMediaType(r)
		if err != nil || !(mediaType.Matches(jsonMediaType) || mediaType.Matches(textMediaType)) {
			return errUnsupportedMediaType
		}
	}

	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxJSONBody))
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func decodeStatus(err error) int {
	if errors.Is(err, errUnsupportedMediaType) {
		return http.StatusUnsupportedMediaType
	}
	return http.StatusBadRequest
}
