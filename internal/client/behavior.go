package client

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/ashureev/agentcaptcha/internal/domain"
	"github.com/ashureev/agentcaptcha/internal/protocol"
	"github.com/ashureev/agentcaptcha/internal/stage"
)

// EnvironmentFunc produces a stage 3 report.
type EnvironmentFunc func(ctx context.Context) (domain.EnvironmentReport, error)

// Agent answers like an autonomous agent: it solves the proof of work at
// once, keeps the answer chain intact and reports a headless environment.
type Agent struct {
	answerer Answerer
	env      EnvironmentFunc
	prevHash string
}

// NewAgent creates an agent behavior. A nil answerer follows server hints;
// a nil env collects the real process environment.
func NewAgent(a Answerer, env EnvironmentFunc) *Agent {
	if a == nil {
		a = HintAnswerer{}
	}
	if env == nil {
		env = CollectEnvironment
	}
	return &Agent{answerer: a, env: env}
}

// Name implements Behavior.
func (a *Agent) Name() string { return "agent" }

// ProofOfWork implements Behavior.
func (a *Agent) ProofOfWork(ctx context.Context, m protocol.PowChallenge) (*protocol.Response, error) {
	return solve(ctx, m)
}

// Decision implements Behavior.
func (a *Agent) Decision(ctx context.Context, m protocol.DecisionChallenge) (*protocol.Response, error) {
	if m.Round == 1 {
		a.prevHash = ""
	}
	answer, justification, err := a.answerer.Answer(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("answer round %d: %w", m.Round, err)
	}
	resp := &protocol.Response{
		Answer:         &answer,
		Justification:  justification,
		PrevAnswerHash: a.prevHash,
	}
	a.prevHash = stage.AnswerHash(answer)
	return resp, nil
}

// Environment implements Behavior.
func (a *Agent) Environment(ctx context.Context, _ protocol.EnvRequest) (*protocol.Response, error) {
	report, err := a.env(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect environment: %w", err)
	}
	return &protocol.Response{Env: &report}, nil
}

// Human behaves like a person at a keyboard: slow to start, slow and uneven
// on each answer, and sitting at an interactive shell.
type Human struct {
	think time.Duration
	rng   *rand.Rand
}

// NewHuman creates a human behavior that waits about think before each reply.
func NewHuman(think time.Duration) *Human {
	return &Human{think: think, rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))}
}

// Name implements Behavior.
func (h *Human) Name() string { return "human" }

// ProofOfWork implements Behavior. The solution is only a guess.
func (h *Human) ProofOfWork(ctx context.Context, _ protocol.PowChallenge) (*protocol.Response, error) {
	if err := h.pause(ctx); err != nil {
		return nil, err
	}
	guess := "0"
	return &protocol.Response{Solution: &guess}, nil
}

// Decision implements Behavior. Answers are random and unchained.
func (h *Human) Decision(ctx context.Context, m protocol.DecisionChallenge) (*protocol.Response, error) {
	if err := h.pause(ctx); err != nil {
		return nil, err
	}
	if len(m.Options) == 0 {
		return nil, fmt.Errorf("round %d has no options", m.Round)
	}
	answer := m.Options[h.rng.IntN(len(m.Options))]
	return &protocol.Response{Answer: &answer, Justification: "seemed right"}, nil
}

// Environment implements Behavior.
func (h *Human) Environment(ctx context.Context, _ protocol.EnvRequest) (*protocol.Response, error) {
	if err := h.pause(ctx); err != nil {
		return nil, err
	}
	yes := true
	uptime := 3600.0
	conns := 40
	return &protocol.Response{Env: &domain.EnvironmentReport{
		HasTTY:          &yes,
		DisplaySet:      &yes,
		UptimeSeconds:   &uptime,
		OpenConnections: &conns,
		ParentProcess:   "zsh",
	}}, nil
}

// pause waits between 0.5x and 1.5x the think time.
func (h *Human) pause(ctx context.Context) error {
	d := h.think/2 + time.Duration(h.rng.Int64N(int64(h.think)+1))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
