package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/ashureev/agentcaptcha/internal/domain"
)

// DefaultGenAIModel is used when no model is configured.
const DefaultGenAIModel = "gemini-2.5-flash"

const generateSystem = `You are generating decision challenges for the Decision-Proof Protocol.
Each challenge tests whether a respondent is an autonomous agent capable of
rapid, consistent reasoning about operational scenarios.

Respond ONLY with valid JSON (no markdown fences) in this exact schema:
{
  "prompt": "<scenario question, 1-3 sentences>",
  "options": ["A: <option>", "B: <option>", "C: <option>", "D: <option>"],
  "correct_option": "<A|B|C|D>",
  "rationale": "<one sentence explaining the correct choice>",
  "keywords": ["<2-4 words a correct justification would mention>"]
}`

// contentGenerator is the slice of the genai client used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GenAI generates challenges with a Gemini model.
type GenAI struct {
	models    contentGenerator
	model     string
	scenarios []string
}

// NewGenAI creates a provider backed by the Gemini API. Scenario types are
// taken from bank so generated and static rounds line up.
func NewGenAI(ctx context.Context, apiKey, model string, bank *Bank) (*GenAI, error) {
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
	return newGenAI(client.Models, model, bank), nil
}

func newGenAI(models contentGenerator, model string, bank *Bank) *GenAI {
	if model == "" {
		model = DefaultGenAIModel
	}
	var scenarios []string
	if bank != nil {
		scenarios = bank.scenarios
	}
	return &GenAI{models: models, model: model, scenarios: scenarios}
}

// Name returns the provider name.
func (g *GenAI) Name() string {
	return "genai:" + g.model
}

type generated struct {
	Prompt        string   `json:"prompt"`
	Options       []string `json:"options"`
	CorrectOption string   `json:"correct_option"`
	Rationale     string   `json:"rationale"`
	Keywords      []string `json:"keywords"`
}

// Generate asks the model for one challenge.
func (g *GenAI) Generate(ctx context.Context, round int, history []domain.ChallengeRound) (Challenge, error) {
	scenario := ""
	if len(g.scenarios) > 0 {
		scenario = g.scenarios[index(round, len(g.scenarios))]
	}

	summary := "First round."
	if len(history) > 0 {
		summary = fmt.Sprintf("Previous %d rounds completed.", len(history))
	}
	prompt := fmt.Sprintf("Scenario type: %s\nRound: %d\nContext: %s\nGenerate a new challenge.",
		scenario, round, summary)

	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(generateSystem, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		MaxOutputTokens:   512,
	})
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: generate challenge: %v", domain.ErrUpstreamUnavailable, err)
	}

	c, err := parseGenerated(resp.Text())
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	c.Scenario = scenario
	return c, nil
}

func parseGenerated(text string) (Challenge, error) {
	var g generated
	if err := json.Unmarshal([]byte(stripFences(text)), &g); err != nil {
		return Challenge{}, fmt.Errorf("decode generated challenge: %w", err)
	}
	c := Challenge{
		Prompt:        g.Prompt,
		Options:       g.Options,
		CorrectOption: strings.TrimSpace(g.CorrectOption),
		Rationale:     g.Rationale,
	}
	c.Justification.Keywords = g.Keywords
	if err := c.Validate(); err != nil {
		return Challenge{}, fmt.Errorf("invalid generated challenge: %w", err)
	}
	return c, nil
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimPrefix(t, "json")
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}
