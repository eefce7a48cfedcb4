// Package challenge produces stage-2 decision challenges.
//
// A Source is stateless request/response: given a round number and the
// rounds already answered in the session it returns a scenario prompt, a
// closed set of labeled options, the correct option and the check a
// justification must satisfy. Bank serves a fixed embedded set; GenAI asks a
// generative model; Fallback combines them so a provider failure never fails
// the protocol.
package challenge

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/agentcaptcha/internal/domain"
	"github.com/ashureev/agentcaptcha/internal/stage"
)

// Challenge is one decision scenario with its answer key.
type Challenge struct {
	Scenario      string                   `yaml:"scenario" json:"scenario"`
	Prompt        string                   `yaml:"prompt" json:"prompt"`
	Options       []string                 `yaml:"options" json:"options"`
	CorrectOption string                   `yaml:"correct_option" json:"correct_option"`
	Rationale     string                   `yaml:"rationale" json:"rationale"`
	Justification stage.JustificationCheck `yaml:"justification" json:"justification"`
}

// Source generates challenges for stage 2.
type Source interface {
	Generate(ctx context.Context, round int, history []domain.ChallengeRound) (Challenge, error)
}

// Score reports whether an answer and justification are correct for c.
func (c Challenge) Score(answer, justification string) bool {
	return stage.ScoreAnswer(c.CorrectOption, c.Justification, answer, justification)
}

// Validate checks that c is usable: a prompt, two to six lettered options
// and a correct option that names one of them.
func (c Challenge) Validate() error {
	if strings.TrimSpace(c.Prompt) == "" {
		return errors.New("challenge has no prompt")
	}
	if len(c.Options) < 2 || len(c.Options) > 6 {
		return fmt.Errorf("challenge has %d options, want 2-6", len(c.Options))
	}
	want := stage.OptionLetter(c.CorrectOption)
	if want == 0 {
		return fmt.Errorf("correct option %q is not a letter", c.CorrectOption)
	}
	for _, opt := range c.Options {
		if stage.OptionLetter(opt) == want {
			return nil
		}
	}
	return fmt.Errorf("correct option %q matches no option", c.CorrectOption)
}

//go:embed bank.yaml
var bankYAML []byte

type bankFile struct {
	Scenarios  []string    `yaml:"scenarios"`
	Challenges []Challenge `yaml:"challenges"`
}

// Bank is the static challenge bank. Round k gets entry (k-1) mod len.
type Bank struct {
	scenarios  []string
	challenges []Challenge
}

// NewBank loads the embedded bank.
func NewBank() (*Bank, error) {
	return ParseBank(bankYAML)
}

// ParseBank loads a bank from YAML.
func ParseBank(data []byte) (*Bank, error) {
	var f bankFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse challenge bank: %w", err)
	}
	if len(f.Challenges) == 0 {
		return nil, errors.New("challenge bank is empty")
	}
	for i, c := range f.Challenges {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("challenge %d: %w", i+1, err)
		}
	}
	return &Bank{scenarios: f.Scenarios, challenges: f.Challenges}, nil
}

// Len returns the number of challenges in the bank.
func (b *Bank) Len() int {
	return len(b.challenges)
}

// Scenario returns the scenario type used for a round.
func (b *Bank) Scenario(round int) string {
	if len(b.scenarios) == 0 {
		return ""
	}
	return b.scenarios[index(round, len(b.scenarios))]
}

// Generate returns the bank entry for round. It never fails.
func (b *Bank) Generate(_ context.Context, round int, _ []domain.ChallengeRound) (Challenge, error) {
	c := b.challenges[index(round, len(b.challenges))]
	c.Options = append([]string(nil), c.Options...)
	c.Scenario = b.Scenario(round)
	return c, nil
}

func index(round, n int) int {
	i := (round - 1) % n
	if i < 0 {
		i += n
	}
	return i
}
