package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

type call struct {
	op     string
	cutoff time.Time
}

type fakeStore struct {
	mu       sync.Mutex
	calls    []call
	abandonE error
}

func (f *fakeStore) AbandonStale(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"abandon", cutoff})
	return 2, f.abandonE
}

func (f *fakeStore) PruneSessions(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{"prune", cutoff})
	return 1, nil
}

func (f *fakeStore) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestSweepCutoffs(t *testing.T) {
	fs := &fakeStore{}
	w := NewWorker(fs, Config{Interval: time.Hour, StaleAfter: 10 * time.Minute, Retention: 48 * time.Hour}, quiet)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	w.Sweep(context.Background())

	assert.Equal(t, []call{
		{"abandon", now.Add(-10 * time.Minute)},
		{"prune", now.Add(-48 * time.Hour)},
	}, fs.snapshot())
}

func TestSweepWithoutRetentionKeepsHistory(t *testing.T) {
	fs := &fakeStore{}
	w := NewWorker(fs, Config{}, quiet)
	w.Sweep(context.Background())

	calls := fs.snapshot()
	assert.Len(t, calls, 1)
	assert.Equal(t, "abandon", calls[0].op)
}

func TestSweepContinuesAfterError(t *testing.T) {
	fs := &fakeStore{abandonE: errors.New("database is locked")}
	w := NewWorker(fs, Config{Retention: time.Hour}, quiet)
	w.Sweep(context.Background())
	assert.Len(t, fs.snapshot(), 2)
}

func TestRunStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	fs := &fakeStore{}
	w := NewWorker(fs, Config{Interval: 5 * time.Millisecond, Retention: time.Hour}, quiet)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(fs.snapshot()) >= 4 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
