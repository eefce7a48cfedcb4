// Package retention runs the background sweep over stored sessions: it
// closes sessions orphaned without a verdict and prunes expired history.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// Store is the part of the session store the sweep needs.
type Store interface {
	AbandonStale(ctx context.Context, cutoff time.Time) (int64, error)
	PruneSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls the sweep.
type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration // a PENDING session older than this is abandoned
	Retention  time.Duration // sessions older than this are deleted; 0 keeps them forever
}

// DefaultConfig sweeps every five minutes, abandons sessions after fifteen
// and keeps history for thirty days.
var DefaultConfig = Config{
	Interval:   5 * time.Minute,
	StaleAfter: 15 * time.Minute,
	Retention:  30 * 24 * time.Hour,
}

// Worker periodically sweeps a Store.
type Worker struct {
	store  Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// NewWorker creates a worker. Zero Interval or StaleAfter take the defaults.
func NewWorker(store Store, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig.StaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: store, cfg: cfg, now: time.Now, logger: logger}
}

// Run sweeps once at start and then on every tick until ctx ends.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	w.logger.Info("Retention worker started",
		"interval", w.cfg.Interval, "stale_after", w.cfg.StaleAfter, "retention", w.cfg.Retention)

	w.Sweep(ctx)
	for {
		select {
		case <-ticker.C:
			w.Sweep(ctx)
		case <-ctx.Done():
			w.logger.Info("Retention worker shutting down", "reason", ctx.Err())
			return
		}
	}
}

// Sweep runs one pass. Failures are logged and retried on the next tick.
func (w *Worker) Sweep(ctx context.Context) {
	now := w.now()

	if n, err := w.store.AbandonStale(ctx, now.Add(-w.cfg.StaleAfter)); err != nil {
		w.logger.Error("Retention worker failed to abandon stale sessions", "error", err)
	} else if n > 0 {
		w.logger.Info("Retention worker abandoned stale sessions", "count", n)
	}

	if w.cfg.Retention <= 0 {
		return
	}
	if n, err := w.store.PruneSessions(ctx, now.Add(-w.cfg.Retention)); err != nil {
		w.logger.Error("Retention worker failed to prune sessions", "error", err)
	} else if n > 0 {
		w.logger.Info("Retention worker pruned sessions", "count", n)
	}
}
