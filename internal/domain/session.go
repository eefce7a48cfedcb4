// Package domain contains core domain types for the DPP verifier.
package domain

import (
	"time"
)

// Verdict is the terminal decision for a verification session.
type Verdict string

const (
	VerdictPending Verdict = "PENDING"
	VerdictAccept  Verdict = "ACCEPT"
	VerdictReject  Verdict = "REJECT"
)

// Stage identifies one of the four protocol stages.
type Stage int

const (
	StageProofOfWork Stage = iota + 1
	StageDecisions
	StageEnvironment
	StageConsistency
)

// MaxStages is the number of stages a session can record.
const MaxStages = 4

func (s Stage) String() string {
	switch s {
	case StageProofOfWork:
		return "pow"
	case StageDecisions:
		return "decisions"
	case StageEnvironment:
		return "environment"
	case StageConsistency:
		return "consistency"
	default:
		return "unknown"
	}
}

// StageResult records the outcome of one stage.
type StageResult struct {
	Stage      Stage          `json:"stage"`
	Passed     bool           `json:"passed"`
	Skipped    bool           `json:"skipped,omitempty"`
	Latency    time.Duration  `json:"-"`
	LatencyMS  float64        `json:"latency_ms"`
	Reason     string         `json:"reason,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Session is one verification attempt.
type Session struct {
	AgentID      string        `json:"agent_id"`
	SessionID    string        `json:"session_id"`
	CreatedAt    time.Time     `json:"created_at"`
	StageResults []StageResult `json:"stage_results"`
	Verdict      Verdict       `json:"verdict"`
	RejectReason string        `json:"reject_reason,omitempty"`
}

// Completed reports whether the session reached a verdict through the protocol.
// Sessions abandoned mid-stage are not completed.
func (s *Session) Completed() bool {
	if s.Verdict == VerdictPending || s.Verdict == "" {
		return false
	}
	return s.RejectReason != ReasonIncomplete
}

// Result returns the recorded result for a stage, if any.
func (s *Session) Result(stage Stage) (StageResult, bool) {
	for _, r := range s.StageResults {
		if r.Stage == stage {
			return r, true
		}
	}
	return StageResult{}, false
}

// StagesPassed lists the stages that ran and passed, in order. A skipped
// stage does not block later stages but is not listed.
func (s *Session) StagesPassed() []int {
	passed := make([]int, 0, len(s.StageResults))
	for _, r := range s.StageResults {
		if r.Passed && !r.Skipped {
			passed = append(passed, int(r.Stage))
		}
	}
	return passed
}

// CanRecord reports whether stage may be appended next without breaking
// stage ordering: at most MaxStages results, and stage k only after stage
// k-1 has a recorded pass.
func (s *Session) CanRecord(stage Stage) bool {
	if len(s.StageResults) >= MaxStages {
		return false
	}
	if int(stage) != len(s.StageResults)+1 {
		return false
	}
	if len(s.StageResults) == 0 {
		return true
	}
	return s.StageResults[len(s.StageResults)-1].Passed
}
