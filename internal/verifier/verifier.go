// Package verifier runs the Decision-Proof Protocol for one client connection.
//
// A session is an explicit state machine, INIT → S1 → S2 → S3 → S4 →
// ACCEPT/REJECT, with exactly one bounded receive per state (one per round
// in S2). Every stage result is persisted before the next stage starts and
// every session ends with exactly one result message, unless the client
// disconnects first. Sessions cut short by server shutdown end with REJECT
// internal_error.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/agentcaptcha/internal/challenge"
	"github.com/ashureev/agentcaptcha/internal/domain"
	"github.com/ashureev/agentcaptcha/internal/protocol"
	"github.com/ashureev/agentcaptcha/internal/stage"
	"github.com/ashureev/agentcaptcha/internal/store"
)

const (
	// storeTimeout bounds a single best-effort store call.
	storeTimeout = 5 * time.Second
	// sendTimeout bounds writing one message to the client.
	sendTimeout = 5 * time.Second
)

// TokenIssuer signs the credential for an accepted session.
type TokenIssuer interface {
	Issue(agentID, sessionID string, stagesPassed []int) (string, error)
}

// Policies holds the per-stage thresholds.
type Policies struct {
	PoW          stage.PoWPolicy
	Decisions    stage.DecisionPolicy
	Environment  stage.EnvironmentPolicy
	Consistency  stage.ConsistencyPolicy
	HistoryLimit int
}

// DefaultPolicies returns the protocol defaults.
func DefaultPolicies() Policies {
	return Policies{
		PoW:          stage.DefaultPoWPolicy(),
		Decisions:    stage.DefaultDecisionPolicy(),
		Environment:  stage.DefaultEnvironmentPolicy(),
		Consistency:  stage.DefaultConsistencyPolicy(),
		HistoryLimit: 100,
	}
}

// Config wires a Verifier.
type Config struct {
	Policies  Policies
	Store     store.Repository
	Source    challenge.Source
	Issuer    TokenIssuer
	Registry  *Registry
	Metrics   *Metrics
	Logger    *slog.Logger
	MockHints bool // send the correct option with each decision challenge
	Now       func() time.Time
}

// Verifier runs verification sessions. It is safe for concurrent use; each
// Run owns its session state.
type Verifier struct {
	policies  Policies
	store     store.Repository
	source    challenge.Source
	issuer    TokenIssuer
	registry  *Registry
	metrics   *Metrics
	logger    *slog.Logger
	mockHints bool
	now       func() time.Time
}

// New creates a Verifier.
func New(cfg Config) (*Verifier, error) {
	if cfg.Store == nil {
		return nil, errors.New("verifier: store is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("verifier: challenge source is required")
	}
	if cfg.Issuer == nil {
		return nil, errors.New("verifier: issuer is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Policies.HistoryLimit <= 0 {
		cfg.Policies.HistoryLimit = 100
	}
	return &Verifier{
		policies:  cfg.Policies,
		store:     cfg.Store,
		source:    cfg.Source,
		issuer:    cfg.Issuer,
		registry:  cfg.Registry,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		mockHints: cfg.MockHints,
		now:       cfg.Now,
	}, nil
}

// Outcome is the result of one session.
type Outcome struct {
	SessionID    string
	AgentID      string
	Verdict      domain.Verdict
	Reason       string
	StagesPassed []int
	Token        string
}

// Run verifies one client over conn. It returns when the session reaches a
// verdict or the client disconnects.
func (v *Verifier) Run(ctx context.Context, conn Conn, agentID string) Outcome {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	createdAt := v.now()
	cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	sessionID, err := v.store.CreateSession(cctx, agentID, createdAt)
	ccancel()
	if err != nil {
		sessionID = uuid.NewString()
		v.logger.Error("Failed to persist session", "error", err, "agent_id", agentID, "session_id", sessionID)
	}

	s := &session{
		v:    v,
		conn: conn,
		sess: &domain.Session{
			AgentID:   agentID,
			SessionID: sessionID,
			CreatedAt: createdAt,
			Verdict:   domain.VerdictPending,
		},
		log: v.logger.With("agent_id", agentID, "session_id", sessionID),
	}

	v.registry.Register(ActiveSession{SessionID: sessionID, AgentID: agentID, StartedAt: createdAt}, cancel)
	defer v.registry.Unregister(sessionID)
	v.metrics.sessionStarted()
	defer v.metrics.sessionEnded()

	s.log.Info("Verification started")
	out := s.execute(ctx)
	v.metrics.observeVerdict(out.Verdict, out.Reason)
	s.log.Info("Verification finished",
		"verdict", out.Verdict,
		"reason", out.Reason,
		"stages_passed", out.StagesPassed,
	)
	return out
}

// session is the state of one Run. It is owned by a single goroutine.
type session struct {
	v    *Verifier
	conn Conn
	sess *domain.Session
	log  *slog.Logger
}

type stageFunc func(ctx context.Context) (domain.StageResult, bool)

func (s *session) execute(ctx context.Context) Outcome {
	stages := []struct {
		stage domain.Stage
		run   stageFunc
	}{
		{domain.StageProofOfWork, s.proofOfWork},
		{domain.StageDecisions, s.decisions},
		{domain.StageEnvironment, s.environment},
		{domain.StageConsistency, s.consistency},
	}

	for _, st := range stages {
		s.v.registry.SetStage(s.sess.SessionID, st.stage)
		res, ok := st.run(ctx)
		if !ok {
			if errors.Is(context.Cause(ctx), ErrShutdown) {
				s.log.Warn("Session closed by server shutdown", "stage", int(st.stage))
				return s.reject(ctx, domain.ReasonInternalError)
			}
			return s.abandon()
		}
		s.record(res)
		if !res.Passed {
			return s.reject(ctx, res.Reason)
		}
	}
	return s.accept(ctx)
}

// recvStatus classifies the result of one bounded receive.
type recvStatus int

const (
	recvOK recvStatus = iota
	recvTimeout
	recvMalformed
	recvGone
)

// receive waits at most timeout for the next client frame.
func (s *session) receive(ctx context.Context, timeout time.Duration) (protocol.Response, recvStatus) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := s.conn.Receive(rctx)
	switch {
	case err == nil:
		return resp, recvOK
	case errors.Is(err, ErrMalformedFrame):
		s.log.Warn("Malformed client frame", "error", err)
		return resp, recvMalformed
	case ctx.Err() != nil:
		return resp, recvGone
	case errors.Is(err, context.DeadlineExceeded):
		return resp, recvTimeout
	default:
		if !errors.Is(err, ErrDisconnected) {
			s.log.Warn("Receive failed", "error", err)
		}
		return resp, recvGone
	}
}

func (s *session) send(ctx context.Context, msg protocol.Message) bool {
	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := s.conn.Send(sctx, msg); err != nil {
		s.log.Warn("Send failed", "type", msg.MessageType(), "error", err)
		return false
	}
	return true
}

func (s *session) result(st domain.Stage, o stage.Outcome, latency time.Duration) domain.StageResult {
	res := domain.StageResult{
		Stage:      st,
		Passed:     o.Passed,
		Skipped:    o.Skipped,
		Latency:    latency,
		LatencyMS:  domain.DurationMS(latency),
		Detail:     o.Detail,
		RecordedAt: s.v.now(),
	}
	if err := o.Err(st); err != nil {
		res.Reason = domain.ReasonOf(err)
		s.log.Info("Stage failed", "stage", int(st), "reason", res.Reason, "error", err)
	}
	return res
}

func (s *session) proofOfWork(ctx context.Context) (domain.StageResult, bool) {
	p := s.v.policies.PoW
	nonce, err := stage.NewNonce()
	if err != nil {
		s.log.Error("Failed to generate nonce", "error", err)
		o := stage.Outcome{Kind: err, Reason: domain.ReasonInternalError}
		return s.result(domain.StageProofOfWork, o, 0), true
	}

	if !s.send(ctx, protocol.NewPowChallenge(nonce, p.Difficulty, p.Timeout.Milliseconds())) {
		return domain.StageResult{}, false
	}
	issued := s.v.now()

	resp, status := s.receive(ctx, p.Timeout)
	elapsed := s.v.now().Sub(issued)
	switch status {
	case recvGone:
		return domain.StageResult{}, false
	case recvTimeout:
		o := stage.Timeout(domain.ReasonStage1Timeout, map[string]any{"timeout_ms": p.Timeout.Milliseconds()})
		return s.result(domain.StageProofOfWork, o, elapsed), true
	case recvMalformed:
		o := stage.Violation(domain.ReasonStage1Invalid, nil)
		return s.result(domain.StageProofOfWork, o, elapsed), true
	}

	solution := ""
	if resp.Solution != nil {
		solution = *resp.Solution
	}
	o := stage.EvaluatePoW(p, nonce, solution, elapsed)
	return s.result(domain.StageProofOfWork, o, elapsed), true
}

func (s *session) decisions(ctx context.Context) (domain.StageResult, bool) {
	p := s.v.policies.Decisions
	started := s.v.now()
	rounds := make([]domain.ChallengeRound, 0, p.Rounds)

	for k := 1; k <= p.Rounds; k++ {
		ch, err := s.v.source.Generate(ctx, k, rounds)
		if err != nil {
			s.log.Error("Challenge source failed", "round", k, "error", err)
			o := stage.Outcome{Kind: domain.ErrUpstreamUnavailable, Reason: domain.ReasonInternalError,
				Detail: map[string]any{"round": k}}
			return s.result(domain.StageDecisions, o, s.v.now().Sub(started)), true
		}

		msg := protocol.NewDecisionChallenge(k, p.Rounds, ch.Scenario, ch.Prompt, ch.Options, p.RoundTimeout.Milliseconds())
		if s.v.mockHints {
			msg.MockCorrect = ch.CorrectOption
		}
		if !s.send(ctx, msg) {
			return domain.StageResult{}, false
		}
		issued := s.v.now()

		resp, status := s.receive(ctx, p.RoundTimeout)
		rt := s.v.now().Sub(issued)
		detail := map[string]any{"round": k}
		switch status {
		case recvGone:
			return domain.StageResult{}, false
		case recvTimeout:
			o := stage.Timeout(domain.ReasonStage2Timeout, detail)
			return s.result(domain.StageDecisions, o, s.v.now().Sub(started)), true
		case recvMalformed:
			o := stage.Violation(domain.ReasonStage2Malformed, detail)
			return s.result(domain.StageDecisions, o, s.v.now().Sub(started)), true
		}
		if resp.Answer == nil {
			o := stage.Violation(domain.ReasonStage2Malformed, detail)
			return s.result(domain.StageDecisions, o, s.v.now().Sub(started)), true
		}

		answer := *resp.Answer
		if want := stage.ExpectedPrevHash(rounds); resp.PrevAnswerHash != want {
			// The broken link is kept as an incorrect round.
			s.appendRound(domain.NewChallengeRound(k, ch.Prompt, ch.Options, answer, resp.Justification, false, rt, resp.PrevAnswerHash))
			detail["prev_answer_hash"] = resp.PrevAnswerHash
			o := stage.Violation(domain.ReasonStage2HashMismatch, detail)
			return s.result(domain.StageDecisions, o, s.v.now().Sub(started)), true
		}

		correct := ch.Score(answer, resp.Justification)
		round := domain.NewChallengeRound(k, ch.Prompt, ch.Options, answer, resp.Justification, correct, rt, resp.PrevAnswerHash)
		rounds = append(rounds, round)
		s.appendRound(round)
		s.log.Debug("Round answered", "round", k, "correct", correct, "response_ms", round.ResponseTimeMS)
	}

	o := stage.EvaluateDecisions(p, rounds)
	return s.result(domain.StageDecisions, o, s.v.now().Sub(started)), true
}

func (s *session) environment(ctx context.Context) (domain.StageResult, bool) {
	p := s.v.policies.Environment
	if !s.send(ctx, protocol.NewEnvRequest(stage.EnvironmentFields, p.Timeout.Milliseconds())) {
		return domain.StageResult{}, false
	}
	issued := s.v.now()

	resp, status := s.receive(ctx, p.Timeout)
	elapsed := s.v.now().Sub(issued)
	switch status {
	case recvGone:
		return domain.StageResult{}, false
	case recvTimeout:
		return s.result(domain.StageEnvironment, stage.Timeout(domain.ReasonStage3Timeout, nil), elapsed), true
	case recvMalformed:
		return s.result(domain.StageEnvironment, stage.Violation(domain.ReasonStage3Invalid, nil), elapsed), true
	}
	if resp.Env == nil {
		return s.result(domain.StageEnvironment, stage.Violation(domain.ReasonStage3Invalid, nil), elapsed), true
	}

	o := stage.EvaluateEnvironment(p, *resp.Env)
	return s.result(domain.StageEnvironment, o, elapsed), true
}

func (s *session) consistency(ctx context.Context) (domain.StageResult, bool) {
	if ctx.Err() != nil {
		return domain.StageResult{}, false
	}
	started := s.v.now()

	hctx, cancel := context.WithTimeout(ctx, storeTimeout)
	history, err := s.v.store.GetHistory(hctx, s.sess.AgentID, s.v.policies.HistoryLimit)
	cancel()
	if err != nil {
		// History is a heuristic signal; without it the stage cannot run.
		s.log.Warn("Failed to load session history", "error", err)
		history = nil
	}

	profile := stage.BuildProfile(history, s.sess.SessionID)
	o := stage.EvaluateConsistency(s.v.policies.Consistency, profile)
	return s.result(domain.StageConsistency, o, s.v.now().Sub(started)), true
}

func (s *session) appendRound(round domain.ChallengeRound) {
	s.persist("append_round", func(pctx context.Context) error {
		return s.v.store.AppendRound(pctx, s.sess.SessionID, round)
	})
}

// record appends a stage result to the session and the store.
func (s *session) record(res domain.StageResult) {
	if !s.sess.CanRecord(res.Stage) {
		s.log.Error("Stage recorded out of order", "stage", int(res.Stage))
		return
	}
	s.sess.StageResults = append(s.sess.StageResults, res)
	s.v.metrics.observeStage(res)
	s.persist("append_stage_result", func(pctx context.Context) error {
		return s.v.store.AppendStageResult(pctx, s.sess.SessionID, res)
	})
}

func (s *session) accept(ctx context.Context) Outcome {
	stages := s.sess.StagesPassed()
	token, err := s.v.issuer.Issue(s.sess.AgentID, s.sess.SessionID, stages)
	if err != nil {
		s.log.Error("Failed to issue credential", "error", fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err))
		return s.reject(ctx, domain.ReasonInternalError)
	}

	s.setVerdict(domain.VerdictAccept, "")
	s.send(context.WithoutCancel(ctx), protocol.Accept(s.sess.SessionID, token, stages))
	return s.outcome(token)
}

func (s *session) reject(ctx context.Context, reason string) Outcome {
	s.setVerdict(domain.VerdictReject, reason)
	// The result still goes out when the session was cancelled by shutdown.
	s.send(context.WithoutCancel(ctx), protocol.Reject(s.sess.SessionID, reason))
	return s.outcome("")
}

// abandon closes a session whose client went away. Nothing is sent.
func (s *session) abandon() Outcome {
	s.log.Info("Client disconnected mid-session", "stages_recorded", len(s.sess.StageResults))
	s.setVerdict(domain.VerdictReject, domain.ReasonIncomplete)
	return s.outcome("")
}

func (s *session) setVerdict(v domain.Verdict, reason string) {
	s.sess.Verdict = v
	s.sess.RejectReason = reason
	s.persist("record_verdict", func(pctx context.Context) error {
		return s.v.store.RecordVerdict(pctx, s.sess.SessionID, v, reason)
	})
}

func (s *session) outcome(token string) Outcome {
	return Outcome{
		SessionID:    s.sess.SessionID,
		AgentID:      s.sess.AgentID,
		Verdict:      s.sess.Verdict,
		Reason:       s.sess.RejectReason,
		StagesPassed: s.sess.StagesPassed(),
		Token:        token,
	}
}

// persist runs a best-effort store write. Failures are logged and do not
// affect the session.
func (s *session) persist(op string, fn func(ctx context.Context) error) {
	pctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := fn(pctx); err != nil {
		s.log.Error("Failed to persist session state", "op", op, "error", err)
	}
}
