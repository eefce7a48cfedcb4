package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/agentcaptcha/internal/credential"
)

// Verify inspects a credential passed as ?token=. A valid token returns its
// claims; an expired or forged one returns 401.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		Error(w, http.StatusBadRequest, "token query parameter is required")
		return
	}

	claims, err := h.inspector.Inspect(token)
	switch {
	case errors.Is(err, credential.ErrTokenExpired):
		Error(w, http.StatusUnauthorized, "token expired")
		return
	case err != nil:
		Error(w, http.StatusUnauthorized, "invalid token")
		return
	}

	resp := map[string]interface{}{
		"valid":       true,
		"claims":      claims,
		"ttl_seconds": int64(h.inspector.TTL() / time.Second),
	}
	if claims.ExpiresAt != nil {
		resp["expires_at"] = claims.ExpiresAt.UTC().Format(time.RFC3339)
	}
	JSON(w, http.StatusOK, resp)
}
