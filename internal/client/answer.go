package client

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/ashureev/agentcaptcha/internal/protocol"
	"github.com/ashureev/agentcaptcha/internal/stage"
)

// Answerer picks an option for a decision challenge. It returns the chosen
// option text and a justification.
type Answerer interface {
	Answer(ctx context.Context, m protocol.DecisionChallenge) (answer, justification string, err error)
}

// HintAnswerer follows the server's mock_correct hint and otherwise picks
// the first option.
type HintAnswerer struct{}

// Answer implements Answerer.
func (HintAnswerer) Answer(_ context.Context, m protocol.DecisionChallenge) (string, string, error) {
	if len(m.Options) == 0 {
		return "", "", errors.New("challenge has no options")
	}
	if m.MockCorrect != "" {
		if opt, ok := optionFor(m.Options, stage.OptionLetter(m.MockCorrect)); ok {
			return opt, opt, nil
		}
	}
	return m.Options[0], m.Options[0], nil
}

func optionFor(options []string, letter rune) (string, bool) {
	if letter == 0 {
		return "", false
	}
	for _, opt := range options {
		if stage.OptionLetter(opt) == letter {
			return opt, true
		}
	}
	return "", false
}

const answerSystem = `You are answering operational decision challenges rapidly.
Respond with ONLY the letter of the best option (A, B, C or D) followed by a
colon and a one-sentence justification.`

// contentGenerator is the slice of the genai client used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GenAIAnswerer asks a Gemini model. Hints from a mock-mode server are
// still honored, and any model failure falls back to HintAnswerer.
type GenAIAnswerer struct {
	models contentGenerator
	model  string
}

// NewGenAIAnswerer creates an answerer backed by the Gemini API.
func NewGenAIAnswerer(ctx context.Context, apiKey, model string) (*GenAIAnswerer, error) {
	if apiKey == "" {
		return nil, errors.New("GenAI API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create GenAI client: %w", err)
	}
	return &GenAIAnswerer{models: client.Models, model: model}, nil
}

// Answer implements Answerer.
func (g *GenAIAnswerer) Answer(ctx context.Context, m protocol.DecisionChallenge) (string, string, error) {
	if m.MockCorrect != "" {
		return HintAnswerer{}.Answer(ctx, m)
	}

	prompt := fmt.Sprintf("Question: %s\nOptions:\n%s\nBest option:", m.Prompt, strings.Join(m.Options, "\n"))
	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(answerSystem, genai.RoleUser),
		MaxOutputTokens:   128,
	})
	if err != nil {
		return HintAnswerer{}.Answer(ctx, m)
	}

	text := strings.TrimSpace(resp.Text())
	opt, ok := optionFor(m.Options, stage.OptionLetter(text))
	if !ok {
		return HintAnswerer{}.Answer(ctx, m)
	}
	return opt, text, nil
}
