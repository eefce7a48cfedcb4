// Package protocol defines the DPP wire messages.
//
// Server-to-client messages form a closed set discriminated by their type
// tag: PowChallenge, DecisionChallenge, EnvRequest and Result. Client
// replies are a single Response shape carrying the field for the active
// stage.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/agentcaptcha/internal/domain"
)

// Message type tags.
const (
	TypePowChallenge      = "pow_challenge"
	TypeDecisionChallenge = "decision_challenge"
	TypeEnvRequest        = "env_request"
	TypeResult            = "result"
)

// Message is a server-to-client protocol message.
type Message interface {
	MessageType() string
	isMessage()
}

// PowChallenge opens stage 1.
type PowChallenge struct {
	Stage      int    `json:"stage"`
	Type       string `json:"type"`
	Nonce      string `json:"nonce"`
	Difficulty int    `json:"difficulty"`
	TimeoutMS  int64  `json:"timeout_ms"`
}

// DecisionChallenge is one stage 2 round.
type DecisionChallenge struct {
	Stage       int      `json:"stage"`
	Type        string   `json:"type"`
	Round       int      `json:"round"`
	TotalRounds int      `json:"total_rounds"`
	Scenario    string   `json:"scenario,omitempty"`
	Prompt      string   `json:"prompt"`
	Options     []string `json:"options"`
	TimeoutMS   int64    `json:"timeout_ms"`
	// MockCorrect is only set when the static bank is serving challenges
	// so demo clients can answer without a model.
	MockCorrect string `json:"mock_correct,omitempty"`
}

// EnvRequest opens stage 3.
type EnvRequest struct {
	Stage          int      `json:"stage"`
	Type           string   `json:"type"`
	RequiredFields []string `json:"required_fields"`
	TimeoutMS      int64    `json:"timeout_ms"`
}

// Result is the single terminal message of a session.
type Result struct {
	Type         string         `json:"type"`
	Verdict      domain.Verdict `json:"verdict"`
	SessionID    string         `json:"session_id,omitempty"`
	StagesPassed []int          `json:"stages_passed,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Token        string         `json:"token,omitempty"`
}

func (PowChallenge) MessageType() string      { return TypePowChallenge }
func (DecisionChallenge) MessageType() string { return TypeDecisionChallenge }
func (EnvRequest) MessageType() string        { return TypeEnvRequest }
func (Result) MessageType() string            { return TypeResult }

func (PowChallenge) isMessage()      {}
func (DecisionChallenge) isMessage() {}
func (EnvRequest) isMessage()        {}
func (Result) isMessage()            {}

// NewPowChallenge builds a stage 1 challenge.
func NewPowChallenge(nonce string, difficulty int, timeoutMS int64) PowChallenge {
	return PowChallenge{
		Stage:      int(domain.StageProofOfWork),
		Type:       TypePowChallenge,
		Nonce:      nonce,
		Difficulty: difficulty,
		TimeoutMS:  timeoutMS,
	}
}

// NewDecisionChallenge builds a stage 2 round challenge.
func NewDecisionChallenge(round, total int, scenario, prompt string, options []string, timeoutMS int64) DecisionChallenge {
	return DecisionChallenge{
		Stage:       int(domain.StageDecisions),
		Type:        TypeDecisionChallenge,
		Round:       round,
		TotalRounds: total,
		Scenario:    scenario,
		Prompt:      prompt,
		Options:     options,
		TimeoutMS:   timeoutMS,
	}
}

// NewEnvRequest builds a stage 3 request.
func NewEnvRequest(fields []string, timeoutMS int64) EnvRequest {
	return EnvRequest{
		Stage:          int(domain.StageEnvironment),
		Type:           TypeEnvRequest,
		RequiredFields: fields,
		TimeoutMS:      timeoutMS,
	}
}

// Accept builds an ACCEPT result.
func Accept(sessionID, token string, stages []int) Result {
	return Result{
		Type:         TypeResult,
		Verdict:      domain.VerdictAccept,
		SessionID:    sessionID,
		StagesPassed: stages,
		Token:        token,
	}
}

// Reject builds a REJECT result.
func Reject(sessionID, reason string) Result {
	return Result{
		Type:      TypeResult,
		Verdict:   domain.VerdictReject,
		SessionID: sessionID,
		Reason:    reason,
	}
}

// Response is a client reply. Only the field relevant to the active stage
// is read.
type Response struct {
	Solution       *string                   `json:"solution,omitempty"`
	Answer         *string                   `json:"answer,omitempty"`
	Justification  string                    `json:"justification,omitempty"`
	PrevAnswerHash string                    `json:"prev_answer_hash"`
	Env            *domain.EnvironmentReport `json:"env,omitempty"`
}

// DecodeResponse parses a client reply.
func DecodeResponse(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return r, nil
}

// DecodeServerMessage parses a server message into its concrete type.
func DecodeServerMessage(data []byte) (Message, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decode message tag: %w", err)
	}

	var (
		msg Message
		err error
	)
	switch tag.Type {
	case TypePowChallenge:
		var m PowChallenge
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeDecisionChallenge:
		var m DecisionChallenge
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeEnvRequest:
		var m EnvRequest
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeResult:
		var m Result
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		return nil, fmt.Errorf("unknown message type %q", tag.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", tag.Type, err)
	}
	return msg, nil
}
