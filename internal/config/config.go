// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/agentcaptcha/internal/challenge"
	"github.com/ashureev/agentcaptcha/internal/credential"
	"github.com/ashureev/agentcaptcha/internal/retention"
	"github.com/ashureev/agentcaptcha/internal/stage"
	"github.com/ashureev/agentcaptcha/internal/verifier"
)

// DefaultJWTSecret is the development signing secret. Never use it in production.
const DefaultJWTSecret = "change-me"

// Config holds all application configuration.
type Config struct {
	Port         string
	FrontendURL  string
	DBPath       string
	LogLevel     slog.Level
	JWTSecret    string
	TokenTTL     time.Duration
	HistoryLimit int

	PoW         stage.PoWPolicy
	Decisions   stage.DecisionPolicy
	CVProfile   string
	Environment stage.EnvironmentPolicy
	Consistency stage.ConsistencyPolicy

	GenAI     GenAIConfig
	RateLimit RateLimitConfig
	Retention retention.Config
}

// GenAIConfig configures the generative challenge provider. An empty APIKey
// runs the verifier in mock mode on the static bank.
type GenAIConfig struct {
	APIKey    string
	Model     string
	Timeout   time.Duration
	ForceMock bool
}

// RateLimitConfig bounds WebSocket upgrades per client IP.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	pow := stage.DefaultPoWPolicy()
	dec := stage.DefaultDecisionPolicy()
	env := stage.DefaultEnvironmentPolicy()
	cons := stage.DefaultConsistencyPolicy()

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
		DBPath:       getEnv("DB_PATH", "./data/agentcaptcha.db"),
		LogLevel:     getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		JWTSecret:    getEnv("JWT_SECRET", DefaultJWTSecret),
		TokenTTL:     getEnvDuration("TOKEN_TTL", time.Second, credential.DefaultTTL),
		HistoryLimit: getEnvInt("HISTORY_LIMIT", 100),
		PoW: stage.PoWPolicy{
			Difficulty: getEnvInt("POW_DIFFICULTY", pow.Difficulty),
			Timeout:    getEnvDuration("POW_TIMEOUT_MS", time.Millisecond, pow.Timeout),
		},
		Decisions: stage.DecisionPolicy{
			Rounds:       getEnvInt("DECISION_ROUNDS", dec.Rounds),
			RoundTimeout: getEnvDuration("DECISION_TIMEOUT_MS", time.Millisecond, dec.RoundTimeout),
			MinAccuracy:  getEnvFloat("DECISION_MIN_ACCURACY", dec.MinAccuracy),
		},
		CVProfile: getEnv("CV_PROFILE", stage.CVProfileStrict),
		Environment: stage.EnvironmentPolicy{
			Timeout:   getEnvDuration("ENV_TIMEOUT_MS", time.Millisecond, env.Timeout),
			MinChecks: env.MinChecks,
		},
		Consistency: cons,
		GenAI: GenAIConfig{
			APIKey:    getEnv("GENAI_API_KEY", ""),
			Model:     getEnv("GENAI_MODEL", challenge.DefaultGenAIModel),
			Timeout:   getEnvDuration("CHALLENGE_TIMEOUT_MS", time.Millisecond, challenge.DefaultProviderTimeout),
			ForceMock: getEnvBool("MOCK_CHALLENGES", false),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Second, time.Minute),
		},
		Retention: retention.Config{
			Interval:   getEnvDuration("SWEEP_INTERVAL", time.Second, retention.DefaultConfig.Interval),
			StaleAfter: getEnvDuration("STALE_SESSION_AFTER", time.Second, retention.DefaultConfig.StaleAfter),
			Retention:  getEnvDuration("SESSION_RETENTION", time.Hour, retention.DefaultConfig.Retention),
		},
	}
	cfg.Consistency.MinSessions = getEnvInt("CONSISTENCY_MIN_SESSIONS", cons.MinSessions)
	cfg.Consistency.HourMinSessions = getEnvInt("HOUR_MIN_SESSIONS", cons.HourMinSessions)
	cfg.Consistency.MaxSolveCV = getEnvFloat("SOLVE_CV_MAX", cons.MaxSolveCV)

	// An explicit threshold overrides the named profile.
	cfg.Decisions.MaxCV = getEnvFloat("DECISION_CV_THRESHOLD", 0)
	if cfg.Decisions.MaxCV == 0 {
		cv, err := stage.CVThreshold(cfg.CVProfile)
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		cfg.Decisions.MaxCV = cv
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be > 0")
	}
	if c.PoW.Difficulty < 1 || c.PoW.Difficulty > 64 {
		return fmt.Errorf("POW_DIFFICULTY must be between 1 and 64")
	}
	if c.PoW.Timeout <= 0 {
		return fmt.Errorf("POW_TIMEOUT_MS must be > 0")
	}
	if c.Decisions.Rounds < 2 {
		return fmt.Errorf("DECISION_ROUNDS must be >= 2")
	}
	if c.Decisions.RoundTimeout <= 0 {
		return fmt.Errorf("DECISION_TIMEOUT_MS must be > 0")
	}
	if c.Decisions.MinAccuracy <= 0 || c.Decisions.MinAccuracy > 1 {
		return fmt.Errorf("DECISION_MIN_ACCURACY must be in (0, 1]")
	}
	if c.Decisions.MaxCV <= 0 {
		return fmt.Errorf("DECISION_CV_THRESHOLD must be > 0")
	}
	if c.Environment.Timeout <= 0 {
		return fmt.Errorf("ENV_TIMEOUT_MS must be > 0")
	}
	if c.Consistency.MinSessions < 1 {
		return fmt.Errorf("CONSISTENCY_MIN_SESSIONS must be > 0")
	}
	if c.Consistency.HourMinSessions < c.Consistency.MinSessions {
		return fmt.Errorf("HOUR_MIN_SESSIONS must be >= CONSISTENCY_MIN_SESSIONS")
	}
	if c.Consistency.MaxSolveCV <= 0 {
		return fmt.Errorf("SOLVE_CV_MAX must be > 0")
	}
	if c.HistoryLimit < c.Consistency.HourMinSessions {
		return fmt.Errorf("HISTORY_LIMIT must be >= HOUR_MIN_SESSIONS")
	}
	if c.GenAI.Timeout <= 0 {
		return fmt.Errorf("CHALLENGE_TIMEOUT_MS must be > 0")
	}
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Retention.Interval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.Retention.StaleAfter <= 0 {
		return fmt.Errorf("STALE_SESSION_AFTER must be > 0")
	}
	if c.Retention.Retention < 0 {
		return fmt.Errorf("SESSION_RETENTION must be >= 0")
	}
	return nil
}

// Policies returns the verifier policies for this configuration.
func (c *Config) Policies() verifier.Policies {
	return verifier.Policies{
		PoW:          c.PoW,
		Decisions:    c.Decisions,
		Environment:  c.Environment,
		Consistency:  c.Consistency,
		HistoryLimit: c.HistoryLimit,
	}
}

// MockMode reports whether challenges come only from the static bank.
func (c *Config) MockMode() bool {
	return c.GenAI.ForceMock || c.GenAI.APIKey == ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts a Go duration ("90s") or a bare number counted in unit.
func getEnvDuration(key string, unit, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return time.Duration(f * float64(unit))
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
