package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentcaptcha/internal/identity"
	"github.com/ashureev/agentcaptcha/internal/store"
	"github.com/ashureev/agentcaptcha/internal/verifier"
)

// ListSessions returns the recorded sessions of an agent, oldest first, and
// the ones still running.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if !identity.ValidAgentID(agentID) {
		Error(w, http.StatusBadRequest, "invalid agent_id")
		return
	}

	sessions, err := h.repo.GetHistory(r.Context(), agentID, h.historyLimit)
	if err != nil {
		slog.Error("Failed to load session history", "error", err, "agent_id", agentID)
		Error(w, http.StatusInternalServerError, "failed to load sessions")
		return
	}
	active := []verifier.ActiveSession{}
	if h.active != nil {
		active = h.active.ForAgent(agentID)
	}
	if len(sessions) == 0 && len(active) == 0 {
		Error(w, http.StatusNotFound, "no sessions found for agent_id")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": agentID,
		"sessions": sessions,
		"active":   active,
	})
}

// RoundHistory returns the stage 2 rounds of one session.
func (h *Handler) RoundHistory(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := h.repo.GetSession(r.Context(), sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		slog.Error("Failed to load session", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess.AgentID != agentID {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	rounds, err := h.repo.GetRoundHistory(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load round history", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to load challenge history")
		return
	}
	if len(rounds) == 0 {
		Error(w, http.StatusNotFound, "no challenge history found")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"agent_id":   agentID,
		"rounds":     rounds,
	})
}
