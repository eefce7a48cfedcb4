// Package stage implements the four DPP stage evaluators.
//
// Evaluators are pure: they take the inputs collected by the verifier for one
// session (timings, answers, reports, history) and return an Outcome. They do
// no I/O and hold no state between calls.
package stage

import (
	"github.com/ashureev/agentcaptcha/internal/domain"
)

// Outcome is the pass/fail decision of one stage evaluation.
type Outcome struct {
	Passed  bool
	Skipped bool
	Kind    error
	Reason  string
	Detail  map[string]any
}

func pass(detail map[string]any) Outcome {
	return Outcome{Passed: true, Detail: detail}
}

func skip(detail map[string]any) Outcome {
	return Outcome{Passed: true, Skipped: true, Detail: detail}
}

func fail(kind error, reason string, detail map[string]any) Outcome {
	return Outcome{Kind: kind, Reason: reason, Detail: detail}
}

// Err converts a failed outcome into a *domain.StageError. It returns nil
// for passing outcomes.
func (o Outcome) Err(s domain.Stage) error {
	if o.Passed {
		return nil
	}
	return domain.NewStageError(o.Kind, s, o.Reason, o.Detail)
}

// Timeout is the outcome for a stage whose response deadline expired.
func Timeout(reason string, detail map[string]any) Outcome {
	return fail(domain.ErrProtocolTimeout, reason, detail)
}

// Violation is the outcome for a malformed or out-of-order response.
func Violation(reason string, detail map[string]any) Outcome {
	return fail(domain.ErrProtocolViolation, reason, detail)
}
