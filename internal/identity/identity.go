// Package identity derives the caller identity of a verification request:
// the client-supplied agent_id and the remote IP.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	// AgentIDParam is the query parameter carrying the agent_id.
	AgentIDParam = "agent_id"
	// AgentIDHeader may carry the agent_id instead of the query string.
	AgentIDHeader = "X-DPP-Agent-ID"
	anonPrefix    = "anon_"
)

type contextKey int

const (
	agentIDKey contextKey = iota
	clientIPKey
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)

// AgentIDFromContext extracts the agent ID from the request context.
func AgentIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(agentIDKey).(string); ok {
		return v
	}
	return ""
}

// ClientIPFromContext extracts the client IP from the request context.
func ClientIPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey).(string); ok {
		return v
	}
	return ""
}

// WithAgentID returns a context carrying agentID.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return anonPrefix + hex.EncodeToString(buf), nil
}

// IsAnonymous reports whether agentID was generated by the server.
func IsAnonymous(agentID string) bool {
	return strings.HasPrefix(agentID, anonPrefix)
}

// ValidAgentID reports whether id is an acceptable client-supplied agent ID.
func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

// AgentIDFromRequest returns the agent_id from the query string or header.
// A missing or invalid value is replaced with a fresh anonymous ID, so an
// anonymous agent never accumulates history across connections.
func AgentIDFromRequest(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.URL.Query().Get(AgentIDParam))
	if id == "" {
		id = strings.TrimSpace(r.Header.Get(AgentIDHeader))
	}
	if ValidAgentID(id) {
		return id, nil
	}
	return generateAnonID()
}

// Middleware injects the agent ID and client IP into the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentID, err := AgentIDFromRequest(r)
		if err != nil {
			http.Error(w, `{"error":"failed to establish agent identity"}`, http.StatusInternalServerError)
			return
		}
		ctx := WithAgentID(r.Context(), agentID)
		ctx = context.WithValue(ctx, clientIPKey, IPFromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IPFromRequest returns a normalized remote IP. Run chi's RealIP middleware
// first when the server sits behind a proxy.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
