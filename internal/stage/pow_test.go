package stage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentcaptcha/internal/domain"
)

func TestSolveProducesLeadingZeros(t *testing.T) {
	t.Parallel()

	for _, difficulty := range []int{0, 1, 2, 3, 4} {
		solution, err := Solve(context.Background(), "abc123", difficulty)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(Digest("abc123", solution), strings.Repeat("0", difficulty)),
			"difficulty %d", difficulty)
		assert.True(t, CheckSolution("abc123", solution, difficulty))
	}
}

func TestSolveHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Solve(ctx, "abc123", 64)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEvaluatePoW(t *testing.T) {
	t.Parallel()

	p := PoWPolicy{Difficulty: 4, Timeout: 200 * time.Millisecond}
	solution, err := Solve(context.Background(), "abc123", p.Difficulty)
	require.NoError(t, err)

	t.Run("accepts valid solution in time", func(t *testing.T) {
		out := EvaluatePoW(p, "abc123", solution, time.Millisecond)
		assert.True(t, out.Passed)
		assert.NoError(t, out.Err(domain.StageProofOfWork))
	})

	t.Run("accepts at the deadline", func(t *testing.T) {
		out := EvaluatePoW(p, "abc123", solution, p.Timeout)
		assert.True(t, out.Passed)
	})

	t.Run("rejects just past the deadline", func(t *testing.T) {
		out := EvaluatePoW(p, "abc123", solution, p.Timeout+time.Nanosecond)
		assert.False(t, out.Passed)
		assert.Equal(t, domain.ReasonStage1Timeout, out.Reason)
		assert.ErrorIs(t, out.Err(domain.StageProofOfWork), domain.ErrProtocolTimeout)
	})

	t.Run("rejects wrong digest", func(t *testing.T) {
		bad := "not-a-solution"
		for CheckSolution("abc123", bad, p.Difficulty) {
			bad += "x"
		}
		out := EvaluatePoW(p, "abc123", bad, time.Millisecond)
		assert.False(t, out.Passed)
		assert.Equal(t, domain.ReasonStage1Invalid, out.Reason)
	})

	t.Run("rejects empty solution", func(t *testing.T) {
		out := EvaluatePoW(PoWPolicy{Difficulty: 0, Timeout: time.Second}, "abc123", "", time.Millisecond)
		assert.Equal(t, domain.ReasonStage1Invalid, out.Reason)
	})
}

func TestNewNonceIsRandomHex(t *testing.T) {
	t.Parallel()

	a, err := NewNonce()
	require.NoError(t, err)
	b, err := NewNonce()
	require.NoError(t, err)
	assert.Len(t, a, 2*nonceBytes)
	assert.NotEqual(t, a, b)
}
