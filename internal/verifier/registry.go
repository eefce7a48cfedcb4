package verifier

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/agentcaptcha/internal/domain"
)

// ActiveSession describes a verification in progress.
type ActiveSession struct {
	SessionID string       `json:"session_id"`
	AgentID   string       `json:"agent_id"`
	StartedAt time.Time    `json:"started_at"`
	Stage     domain.Stage `json:"stage"`
}

type activeEntry struct {
	ActiveSession
	cancel context.CancelCauseFunc
}

// Registry tracks live sessions keyed by session_id. It holds no verdict
// state; a session leaves the registry when its connection ends.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*activeEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*activeEntry)}
}

// Register adds a session. cancel is called by CloseAll.
func (r *Registry) Register(s ActiveSession, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[s.SessionID] = &activeEntry{ActiveSession: s, cancel: cancel}
	slog.Debug("Verification session registered", "agent_id", s.AgentID, "session_id", s.SessionID)
}

// SetStage records the stage a session is waiting on.
func (r *Registry) SetStage(sessionID string, stage domain.Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.active[sessionID]; ok {
		e.Stage = stage
	}
}

// Unregister removes a session.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.active[sessionID]; ok {
		delete(r.active, sessionID)
		slog.Debug("Verification session unregistered", "agent_id", e.AgentID, "session_id", sessionID)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// ForAgent returns the agent's live sessions, oldest first.
func (r *Registry) ForAgent(agentID string) []ActiveSession {
	r.mu.RLock()
	out := make([]ActiveSession, 0)
	for _, e := range r.active {
		if e.AgentID == agentID {
			out = append(out, e.ActiveSession)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// CloseAll cancels every live session with ErrShutdown. Each session then
// ends with REJECT internal_error. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, e := range r.active {
		if e.cancel != nil {
			e.cancel(ErrShutdown)
		}
		slog.Info("Verification session cancelled", "agent_id", e.AgentID, "session_id", id)
	}
}
