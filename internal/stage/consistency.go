package stage

import (
	"github.com/ashureev/agentcaptcha/internal/domain"
)

// ConsistencyPolicy configures stage 4.
type ConsistencyPolicy struct {
	MinSessions      int     // prior completed sessions needed to run stage 4
	HourMinSessions  int     // sessions needed for the hour-of-day check
	MinSolveSamples  int     // solve times needed for the solve CV check
	MaxSolveCV       float64 // solve-time CV must be strictly below this
	HourWindow       int     // width in hours of the "working hours" window
	HourClusterShare float64 // share inside the busiest window that reads as human
}

// DefaultConsistencyPolicy returns the stage 4 defaults.
func DefaultConsistencyPolicy() ConsistencyPolicy {
	return ConsistencyPolicy{
		MinSessions:      5,
		HourMinSessions:  10,
		MinSolveSamples:  3,
		MaxSolveCV:       0.6,
		HourWindow:       8,
		HourClusterShare: 0.85,
	}
}

// HistoricalProfile aggregates an agent's prior completed sessions. It is
// always rebuilt from the store and never persisted.
type HistoricalProfile struct {
	SessionCount  int
	SolveTimesMS  []float64 // stage 1 latencies of sessions that passed stage 1
	RoundMeansMS  []float64 // stage 2 mean response times, where recorded
	HourHistogram [24]int   // session start hour (UTC)
}

// BuildProfile folds history into a profile. Sessions that are not
// completed, or whose ID is in exclude, are ignored.
func BuildProfile(history []domain.Session, exclude ...string) HistoricalProfile {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	var p HistoricalProfile
	for i := range history {
		s := &history[i]
		if _, ok := skip[s.SessionID]; ok || !s.Completed() {
			continue
		}
		p.SessionCount++
		p.HourHistogram[s.CreatedAt.UTC().Hour()]++
		if r, ok := s.Result(domain.StageProofOfWork); ok && r.Passed {
			p.SolveTimesMS = append(p.SolveTimesMS, r.LatencyMS)
		}
		if r, ok := s.Result(domain.StageDecisions); ok {
			if m, ok := r.Detail["mean_ms"].(float64); ok {
				p.RoundMeansMS = append(p.RoundMeansMS, m)
			}
		}
	}
	return p
}

// BusiestWindowShare returns the fraction of sessions whose start hour falls
// in the busiest run of window consecutive hours, wrapping past midnight.
func (p HistoricalProfile) BusiestWindowShare(window int) float64 {
	if p.SessionCount == 0 || window <= 0 {
		return 0
	}
	if window > 24 {
		window = 24
	}
	best := 0
	for start := 0; start < 24; start++ {
		sum := 0
		for i := 0; i < window; i++ {
			sum += p.HourHistogram[(start+i)%24]
		}
		if sum > best {
			best = sum
		}
	}
	return float64(best) / float64(p.SessionCount)
}

// Eligible reports whether the profile has enough history to run stage 4.
func (c ConsistencyPolicy) Eligible(p HistoricalProfile) bool {
	return p.SessionCount >= c.MinSessions
}

// EvaluateConsistency decides stage 4. Below MinSessions the stage is
// skipped; each sub-check is skipped when its own sample is too small.
func EvaluateConsistency(c ConsistencyPolicy, p HistoricalProfile) Outcome {
	detail := map[string]any{
		"session_count": p.SessionCount,
	}
	if !c.Eligible(p) {
		detail["skipped_reason"] = "insufficient_history"
		return skip(detail)
	}

	if len(p.SolveTimesMS) >= c.MinSolveSamples {
		cv := CoefficientOfVariation(p.SolveTimesMS)
		detail["solve_cv"] = round4(cv)
		if cv >= c.MaxSolveCV {
			return fail(domain.ErrEvidenceInsufficient, domain.ReasonStage4TimingInconsist, detail)
		}
	} else {
		detail["solve_check"] = "skipped"
	}

	if p.SessionCount >= c.HourMinSessions {
		share := p.BusiestWindowShare(c.HourWindow)
		detail["hour_window_share"] = round4(share)
		if share >= c.HourClusterShare {
			return fail(domain.ErrEvidenceInsufficient, domain.ReasonStage4HourPatternHuman, detail)
		}
	} else {
		detail["hour_check"] = "skipped"
	}

	if len(p.RoundMeansMS) > 0 {
		detail["round_mean_ms"] = round4(Mean(p.RoundMeansMS))
	}
	return pass(detail)
}
