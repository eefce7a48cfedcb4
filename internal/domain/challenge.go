package domain

import (
	"time"
)

// ChallengeRound is one stage-2 exchange. It is never mutated after creation.
type ChallengeRound struct {
	RoundNumber    int           `json:"round_number"`
	Prompt         string        `json:"prompt"`
	Options        []string      `json:"options"`
	ChosenAnswer   string        `json:"chosen_answer"`
	Justification  string        `json:"justification,omitempty"`
	Correct        bool          `json:"correct"`
	ResponseTime   time.Duration `json:"-"`
	ResponseTimeMS float64       `json:"response_time_ms"`
	PrevAnswerHash string        `json:"prev_answer_hash"`
}

// NewChallengeRound builds a round record, deriving the millisecond view of
// the response time.
func NewChallengeRound(number int, prompt string, options []string, answer, justification string, correct bool, rt time.Duration, prevHash string) ChallengeRound {
	opts := make([]string, len(options))
	copy(opts, options)
	return ChallengeRound{
		RoundNumber:    number,
		Prompt:         prompt,
		Options:        opts,
		ChosenAnswer:   answer,
		Justification:  justification,
		Correct:        correct,
		ResponseTime:   rt,
		ResponseTimeMS: DurationMS(rt),
		PrevAnswerHash: prevHash,
	}
}

// DurationMS converts a duration to fractional milliseconds.
func DurationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// MSDuration converts fractional milliseconds to a duration.
func MSDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
