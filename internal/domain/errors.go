package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the protocol.
var (
	ErrProtocolTimeout      = errors.New("protocol timeout")
	ErrProtocolViolation    = errors.New("protocol violation")
	ErrEvidenceInsufficient = errors.New("evidence insufficient")
	ErrUpstreamUnavailable  = errors.New("upstream unavailable")
)

// Reason codes carried by REJECT results.
const (
	ReasonStage1Timeout          = "stage1_timeout"
	ReasonStage1Invalid          = "stage1_invalid"
	ReasonStage2Timeout          = "stage2_timeout"
	ReasonStage2HashMismatch     = "stage2_hash_mismatch"
	ReasonStage2Malformed        = "stage2_malformed"
	ReasonStage2LowAccuracy      = "stage2_low_accuracy"
	ReasonStage2HighVariance     = "stage2_high_variance"
	ReasonStage3Timeout          = "stage3_timeout"
	ReasonStage3Invalid          = "stage3_invalid"
	ReasonStage3Insufficient     = "stage3_insufficient_signals"
	ReasonStage4TimingInconsist  = "stage4_timing_inconsistent"
	ReasonStage4HourPatternHuman = "stage4_hour_pattern_human"
	ReasonInternalError          = "internal_error"
	ReasonIncomplete             = "incomplete"
)

// StageError is a stage failure with a stable reason code.
type StageError struct {
	Kind   error
	Stage  Stage
	Reason string
	Detail map[string]any
}

// NewStageError builds a StageError of the given kind.
func NewStageError(kind error, stage Stage, reason string, detail map[string]any) *StageError {
	return &StageError{Kind: kind, Stage: stage, Reason: reason, Detail: detail}
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d (%s): %s: %v", e.Stage, e.Stage, e.Reason, e.Kind)
}

func (e *StageError) Unwrap() error {
	return e.Kind
}

// ReasonOf returns the reason code carried by err, or internal_error.
func ReasonOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Reason
	}
	return ReasonInternalError
}
