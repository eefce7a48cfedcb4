package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Close()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ok, _ := rl.Allow("1.2.3.4")
	assert.True(t, ok)
	now = now.Add(10 * time.Second)
	ok, _ = rl.Allow("1.2.3.4")
	assert.True(t, ok)

	ok, retry := rl.Allow("1.2.3.4")
	assert.False(t, ok)
	assert.Equal(t, 50*time.Second, retry)

	ok, _ = rl.Allow("5.6.7.8")
	assert.True(t, ok, "keys are independent")

	now = now.Add(51 * time.Second)
	ok, _ = rl.Allow("1.2.3.4")
	assert.True(t, ok, "oldest request left the window")
}

func TestRateLimiterEvict(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Close()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	now = now.Add(2 * time.Minute)
	rl.evict()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.requests)
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Close()
	h := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/ws/verify", nil)
		r.RemoteAddr = "192.0.2.1:4000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusNoContent, req().Code)
	w := req()
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, w.Body.String())
}

func TestCORS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		frontend   string
		allowAny   bool
		method     string
		origin     string
		wantStatus int
		wantOrigin string
	}{
		{"frontend origin", "https://app.example.com/", false, http.MethodGet, "https://app.example.com", http.StatusOK, "https://app.example.com"},
		{"frontend origin differs in case", "https://App.example.com", false, http.MethodGet, "https://app.example.com", http.StatusOK, "https://app.example.com"},
		{"foreign origin", "https://app.example.com", false, http.MethodGet, "https://evil.example.com", http.StatusOK, ""},
		{"foreign preflight", "https://app.example.com", false, http.MethodOptions, "https://evil.example.com", http.StatusForbidden, ""},
		{"frontend preflight", "https://app.example.com", false, http.MethodOptions, "https://app.example.com", http.StatusNoContent, "https://app.example.com"},
		{"no frontend configured", "", false, http.MethodGet, "https://app.example.com", http.StatusOK, ""},
		{"development", "", true, http.MethodGet, "http://localhost:5173", http.StatusOK, "http://localhost:5173"},
		{"no origin header", "https://app.example.com", false, http.MethodGet, "", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/status", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			CORS(tt.frontend, tt.allowAny)(ok).ServeHTTP(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
			assert.Equal(t, "Origin", w.Header().Get("Vary"))
			if tt.wantOrigin != "" {
				assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-DPP-Agent-ID")
			}
		})
	}
}
