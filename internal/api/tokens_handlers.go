package api

import (
	"errors"
	"net/http"

	"github.com/RagingGuard/video-share/internal/auth"
)

type verifySecretRequest struct {
	Password string `json:"password"`
}

type verifySecretResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
}

// VerifySecret exchanges the shared password for a fresh capability token.
// A wrong password is not an HTTP error; the body reports success false.
func (h *Handler) VerifySecret(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	var req verifySecretRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, decodeStatus(err), err)
		return
	}

	token, err := h.Tokens.Issue(req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidPassword):
		h.logger(r).Warn("secret verification failed")
		writeJSON(w, http.StatusOK, verifySecretResponse{Success: false})
	case err != nil:
		h.logger(r).Error("issue token", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("could not issue token"))
	default:
		writeJSON(w, http.StatusOK, verifySecretResponse{Success: true, Token: token})
	}
}

// InvalidateToken drops the token named in the query string. It always
// answers 204 so callers learn nothing about which tokens exist.
func (h *Handler) InvalidateToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	h.Tokens.Invalidate(tokenFromRequest(r))
	w.WriteHeader(http.StatusNoContent)
}
