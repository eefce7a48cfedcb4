package stage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentcaptcha/internal/domain"
)

func roundsWith(timesMS []float64, correct int) []domain.ChallengeRound {
	rounds := make([]domain.ChallengeRound, len(timesMS))
	for i, ms := range timesMS {
		rounds[i] = domain.NewChallengeRound(i+1, "p", []string{"A", "B"}, "A", "", i < correct, domain.MSDuration(ms), "")
	}
	return rounds
}

func uniform(n int, ms float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = ms
	}
	return out
}

// alternating yields a sample with mean 50 and CV exactly 0.4.
func alternating(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = 30
		} else {
			out[i] = 70
		}
	}
	return out
}

func TestCoefficientOfVariationScenarioA(t *testing.T) {
	t.Parallel()

	cv := CoefficientOfVariation([]float64{50, 52, 48, 51, 49, 50, 53, 47, 52, 49})
	assert.InDelta(t, 0.036, cv, 0.005)
	assert.Zero(t, CoefficientOfVariation(nil))
	assert.Zero(t, CoefficientOfVariation([]float64{0, 0}))
}

func TestEvaluateDecisionsBoundaries(t *testing.T) {
	t.Parallel()

	p := DecisionPolicy{Rounds: 10, RoundTimeout: time.Second, MinAccuracy: 0.70, MaxCV: 0.4}

	tests := []struct {
		name    string
		policy  DecisionPolicy
		times   []float64
		correct int
		reason  string
	}{
		{"accuracy exactly 0.70 passes", p, uniform(10, 50), 7, ""},
		{"accuracy below 0.70 fails", p, uniform(10, 50), 6, domain.ReasonStage2LowAccuracy},
		{"CV just below threshold passes", DecisionPolicy{Rounds: 10, MinAccuracy: 0.7, MaxCV: 0.4000001}, alternating(10), 10, ""},
		{"CV exactly at threshold fails", p, alternating(10), 10, domain.ReasonStage2HighVariance},
		{"CV above threshold fails", DecisionPolicy{Rounds: 10, MinAccuracy: 0.7, MaxCV: 0.3}, alternating(10), 10, domain.ReasonStage2HighVariance},
		{"permissive profile tolerates CV 0.4", DecisionPolicy{Rounds: 10, MinAccuracy: 0.7, MaxCV: 0.8}, alternating(10), 7, ""},
		{"accuracy checked before variance", p, alternating(10), 5, domain.ReasonStage2LowAccuracy},
		{"missing rounds fail", p, uniform(9, 50), 9, domain.ReasonStage2LowAccuracy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := EvaluateDecisions(tt.policy, roundsWith(tt.times, tt.correct))
			if tt.reason == "" {
				assert.True(t, out.Passed, "detail: %v", out.Detail)
				return
			}
			assert.False(t, out.Passed)
			assert.Equal(t, tt.reason, out.Reason)
			assert.ErrorIs(t, out.Err(domain.StageDecisions), domain.ErrEvidenceInsufficient)
		})
	}
}

func TestEvaluateDecisionsAccuracyBelowBoundary(t *testing.T) {
	t.Parallel()

	// 69 of 100 is 0.69.
	p := DecisionPolicy{Rounds: 100, MinAccuracy: 0.70, MaxCV: 0.4}
	out := EvaluateDecisions(p, roundsWith(uniform(100, 40), 69))
	assert.Equal(t, domain.ReasonStage2LowAccuracy, out.Reason)

	out = EvaluateDecisions(p, roundsWith(uniform(100, 40), 70))
	assert.True(t, out.Passed)
}

func TestCVThresholdProfiles(t *testing.T) {
	t.Parallel()

	v, err := CVThreshold("strict")
	require.NoError(t, err)
	assert.Equal(t, 0.4, v)

	v, err = CVThreshold(" Permissive ")
	require.NoError(t, err)
	assert.Equal(t, 0.8, v)

	_, err = CVThreshold("lenient")
	assert.Error(t, err)
}

func TestAnswerHashChain(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", ExpectedPrevHash(nil))

	rounds := []domain.ChallengeRound{
		domain.NewChallengeRound(1, "p", []string{"A"}, "B: pool exhaustion", "", true, time.Millisecond, ""),
	}
	h := ExpectedPrevHash(rounds)
	assert.Len(t, h, AnswerHashLen)
	assert.Equal(t, AnswerHash("B: pool exhaustion"), h)
	assert.NotEqual(t, AnswerHash("B: pool exhaustion "), h)
}

func TestOptionLetter(t *testing.T) {
	t.Parallel()

	cases := map[string]rune{
		"B":                  'B',
		"b)":                 'B',
		"  C: scale out":     'C',
		"A - execute":        'A',
		"Because it is fast": 0,
		"":                   0,
		"1":                  0,
		"D.":                 'D',
	}
	for in, want := range cases {
		assert.Equal(t, want, OptionLetter(in), "input %q", in)
	}
}

func TestScoreAnswer(t *testing.T) {
	t.Parallel()

	check := JustificationCheck{MinLength: 5, Keywords: []string{"connection pool", "downstream"}}

	assert.True(t, ScoreAnswer("B", check, "B", "Connection pool exhaustion is likely"))
	assert.True(t, ScoreAnswer("B", check, "B: Check connection pool exhaustion", ""))
	assert.False(t, ScoreAnswer("B", check, "A", "connection pool"), "wrong option")
	assert.False(t, ScoreAnswer("B", check, "B", "restart"), "no keyword")
	assert.False(t, ScoreAnswer("B", JustificationCheck{MinLength: 50}, "B", "short"), "too short")
	assert.True(t, ScoreAnswer("B", JustificationCheck{}, "B", ""), "empty check")
	assert.False(t, ScoreAnswer("", check, "B", "connection pool"), "no correct option")
}
