// Package api provides the REST handlers of the DPP verifier.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentcaptcha/internal/credential"
	"github.com/ashureev/agentcaptcha/internal/store"
	"github.com/ashureev/agentcaptcha/internal/verifier"
)

// ServiceName is reported by GET /status.
const ServiceName = "AgentCaptcha DPP"

const (
	defaultHistoryLimit = 100
	healthTimeout       = 2 * time.Second
)

// TokenInspector verifies issued credentials.
type TokenInspector interface {
	Inspect(token string) (*credential.Claims, error)
	TTL() time.Duration
}

// LiveSessions reports the verifications currently running.
type LiveSessions interface {
	Count() int
	ForAgent(agentID string) []verifier.ActiveSession
}

// Handler serves the REST endpoints.
type Handler struct {
	repo         store.Repository
	inspector    TokenInspector
	active       LiveSessions
	mockMode     bool
	historyLimit int
}

// Options configures a Handler.
type Options struct {
	Repo         store.Repository
	Inspector    TokenInspector
	Active       LiveSessions
	MockMode     bool
	HistoryLimit int
}

// NewHandler creates a new Handler.
func NewHandler(opts Options) *Handler {
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &Handler{
		repo:         opts.Repo,
		inspector:    opts.Inspector,
		active:       opts.Active,
		mockMode:     opts.MockMode,
		historyLimit: limit,
	}
}

// RegisterRoutes registers the REST routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.Status)
	r.Get("/health", h.Health)
	r.Get("/verify", h.Verify)
	r.Route("/sessions/{agentID}", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Get("/history/{sessionID}", h.RoundHistory)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Status reports the service name, challenge mode and live session count.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	active := 0
	if h.active != nil {
		active = h.active.Count()
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"service":         ServiceName,
		"mock_mode":       h.mockMode,
		"active_sessions": active,
	})
}

// Health checks the session store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "store": "down"})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok", "store": "up"})
}
