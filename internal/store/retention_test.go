package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentcaptcha/internal/domain"
)

func TestAbandonStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	stale, err := s.CreateSession(ctx, "agent-1", now.Add(-time.Hour))
	require.NoError(t, err)
	decided, err := s.CreateSession(ctx, "agent-1", now.Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.RecordVerdict(ctx, decided, domain.VerdictAccept, ""))
	live, err := s.CreateSession(ctx, "agent-1", now.Add(-time.Minute))
	require.NoError(t, err)

	n, err := s.AbandonStale(ctx, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetSession(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictReject, got.Verdict)
	assert.Equal(t, domain.ReasonIncomplete, got.RejectReason)
	assert.False(t, got.Completed())

	got, err = s.GetSession(ctx, decided)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictAccept, got.Verdict)

	got, err = s.GetSession(ctx, live)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPending, got.Verdict)

	n, err = s.AbandonStale(ctx, now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "already abandoned")
}

func TestPruneSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	old, err := s.CreateSession(ctx, "agent-1", now.AddDate(0, 0, -40))
	require.NoError(t, err)
	require.NoError(t, s.AppendStageResult(ctx, old, passResult(domain.StageProofOfWork, 10*time.Millisecond)))
	require.NoError(t, s.AppendRound(ctx, old, domain.NewChallengeRound(1, "p", []string{"A) a", "B) b"}, "A) a", "", true, 50*time.Millisecond, "")))
	require.NoError(t, s.RecordVerdict(ctx, old, domain.VerdictReject, domain.ReasonStage2Timeout))

	recent, err := s.CreateSession(ctx, "agent-1", now.AddDate(0, 0, -1))
	require.NoError(t, err)

	n, err := s.PruneSessions(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetSession(ctx, old)
	assert.True(t, errors.Is(err, ErrNotFound))
	rounds, err := s.GetRoundHistory(ctx, old)
	require.NoError(t, err)
	assert.Empty(t, rounds)

	_, err = s.GetSession(ctx, recent)
	assert.NoError(t, err)
}
