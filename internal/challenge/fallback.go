package challenge

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/agentcaptcha/internal/domain"
)

// DefaultProviderTimeout bounds a single provider call.
const DefaultProviderTimeout = 3 * time.Second

// Fallback serves challenges from a provider, falling back to the static
// bank on any provider error or timeout. With no provider it runs in mock
// mode and serves the bank directly.
type Fallback struct {
	provider Source
	bank     *Bank
	timeout  time.Duration
	logger   *slog.Logger
}

// NewFallback wraps provider. provider may be nil.
func NewFallback(provider Source, bank *Bank, timeout time.Duration, logger *slog.Logger) *Fallback {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{provider: provider, bank: bank, timeout: timeout, logger: logger}
}

// Mock reports whether challenges come only from the static bank.
func (f *Fallback) Mock() bool {
	return f.provider == nil
}

// Generate never returns an error.
func (f *Fallback) Generate(ctx context.Context, round int, history []domain.ChallengeRound) (Challenge, error) {
	if f.provider == nil {
		return f.bank.Generate(ctx, round, history)
	}

	pctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	c, err := f.provider.Generate(pctx, round, history)
	if err == nil {
		err = c.Validate()
		if err == nil {
			return c, nil
		}
	}
	f.logger.Warn("challenge provider failed, using static bank",
		"round", round,
		"error", err,
	)
	return f.bank.Generate(ctx, round, history)
}
