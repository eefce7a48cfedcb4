// Package middleware provides HTTP middleware for the verifier API.
package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/ashureev/agentcaptcha/internal/identity"
)

const (
	corsMethods = "GET, OPTIONS"
	corsMaxAge  = "600"
)

// CORS lets the frontend at frontendURL call the read-only API from a
// browser. With allowAny set, as in development, every origin is allowed.
// Credentials are never allowed: tokens travel in the query string.
func CORS(frontendURL string, allowAny bool) func(http.Handler) http.Handler {
	frontend := originOf(frontendURL)
	allowed := func(origin string) bool {
		return allowAny || (frontend != "" && originOf(origin) == frontend)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			if origin != "" && allowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", corsMethods)
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+identity.AgentIDHeader)
				w.Header().Set("Access-Control-Max-Age", corsMaxAge)
			}

			if r.Method == http.MethodOptions {
				if origin != "" && !allowed(origin) {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// originOf reduces a URL to its scheme://host form.
func originOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
