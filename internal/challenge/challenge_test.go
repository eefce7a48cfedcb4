package challenge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/ashureev/agentcaptcha/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func correctOptionText(t *testing.T, c Challenge) string {
	t.Helper()
	for _, opt := range c.Options {
		if strings.HasPrefix(opt, c.CorrectOption) {
			return opt
		}
	}
	t.Fatalf("no option for %q", c.CorrectOption)
	return ""
}

func TestBankLoadsAndRotates(t *testing.T) {
	bank, err := NewBank()
	require.NoError(t, err)
	require.Equal(t, 12, bank.Len())

	first, err := bank.Generate(context.Background(), 1, nil)
	require.NoError(t, err)
	again, err := bank.Generate(context.Background(), 13, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Prompt, again.Prompt)
	assert.Equal(t, "market_arbitrage", first.Scenario)

	second, err := bank.Generate(context.Background(), 2, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Prompt, second.Prompt)
}

// Answering with the full text of the correct option must score as correct
// for every bank entry; demo clients rely on it.
func TestBankCorrectOptionTextSatisfiesJustification(t *testing.T) {
	bank, err := NewBank()
	require.NoError(t, err)

	for round := 1; round <= bank.Len(); round++ {
		c, err := bank.Generate(context.Background(), round, nil)
		require.NoError(t, err)
		text := correctOptionText(t, c)

		assert.True(t, c.Score(text, ""), "round %d: option text as answer", round)
		assert.True(t, c.Score(c.CorrectOption, text), "round %d: letter plus justification", round)
		assert.False(t, c.Score(c.CorrectOption, "no idea"), "round %d: unrelated justification", round)
	}
}

func TestBankWrongLetterIsIncorrect(t *testing.T) {
	bank, err := NewBank()
	require.NoError(t, err)
	c, err := bank.Generate(context.Background(), 2, nil)
	require.NoError(t, err)
	require.Equal(t, "B", c.CorrectOption)

	assert.False(t, c.Score("A", "check the connection pool"))
	assert.True(t, c.Score("b) check the connection pool", ""))
}

func TestParseBankRejectsInvalid(t *testing.T) {
	_, err := ParseBank([]byte("challenges: []"))
	assert.Error(t, err)

	_, err = ParseBank([]byte(`
challenges:
  - prompt: "p"
    options: ["A: x", "B: y"]
    correct_option: C
`))
	assert.Error(t, err)
}

type fakeModels struct {
	text string
	err  error
	wait bool
}

func (f *fakeModels) GenerateContent(ctx context.Context, _ string, _ []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	if f.wait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: f.text}}},
		}},
	}, nil
}

const generatedJSON = `{
  "prompt": "Disk usage on the primary database hits 95%. What first?",
  "options": ["A: Delete old WAL files by hand", "B: Expand the volume and alert on growth", "C: Fail over", "D: Ignore"],
  "correct_option": "B",
  "rationale": "Expanding the volume is safe and immediate.",
  "keywords": ["expand", "volume"]
}`

func TestGenAIGenerate(t *testing.T) {
	bank, err := NewBank()
	require.NoError(t, err)
	g := newGenAI(&fakeModels{text: "```json\n" + generatedJSON + "\n```"}, "", bank)

	c, err := g.Generate(context.Background(), 3, nil)
	require.NoError(t, err)
	assert.Equal(t, "resource_allocation", c.Scenario)
	assert.Equal(t, "B", c.CorrectOption)
	assert.Len(t, c.Options, 4)
	assert.True(t, c.Score("B", "expand the volume now"))
	assert.Equal(t, "genai:"+DefaultGenAIModel, g.Name())
}

func TestGenAIGenerateErrors(t *testing.T) {
	g := newGenAI(&fakeModels{err: errors.New("quota")}, "m", nil)
	_, err := g.Generate(context.Background(), 1, nil)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)

	g = newGenAI(&fakeModels{text: "not json"}, "m", nil)
	_, err = g.Generate(context.Background(), 1, nil)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)

	g = newGenAI(&fakeModels{text: `{"prompt":"p","options":["A: x"],"correct_option":"A"}`}, "m", nil)
	_, err = g.Generate(context.Background(), 1, nil)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestFallbackUsesProvider(t *testing.T) {
	bank, err := NewBank()
	require.NoError(t, err)
	f := NewFallback(newGenAI(&fakeModels{text: generatedJSON}, "", bank), bank, time.Second, testLogger())
	assert.False(t, f.Mock())

	c, err := f.Generate(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Contains(t, c.Prompt, "Disk usage")
}

func TestFallbackOnProviderFailure(t *testing.T) {
	bank, err := NewBank()
	require.NoError(t, err)
	want, _ := bank.Generate(context.Background(), 4, nil)

	f := NewFallback(newGenAI(&fakeModels{err: errors.New("down")}, "", bank), bank, time.Second, testLogger())
	c, err := f.Generate(context.Background(), 4, nil)
	require.NoError(t, err)
	assert.Equal(t, want.Prompt, c.Prompt)
}

func TestFallbackOnProviderTimeout(t *testing.T) {
	bank, err := NewBank()
	require.NoError(t, err)
	f := NewFallback(newGenAI(&fakeModels{wait: true}, "", bank), bank, 20*time.Millisecond, testLogger())

	start := time.Now()
	c, err := f.Generate(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "market_arbitrage", c.Scenario)
}

func TestFallbackMockMode(t *testing.T) {
	bank, err := NewBank()
	require.NoError(t, err)
	f := NewFallback(nil, bank, 0, nil)
	assert.True(t, f.Mock())

	c, err := f.Generate(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "A", c.CorrectOption)
}

func TestNewGenAIRequiresKey(t *testing.T) {
	_, err := NewGenAI(context.Background(), "", "", nil)
	assert.Error(t, err)
}
