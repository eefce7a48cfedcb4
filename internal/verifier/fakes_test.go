package verifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/agentcaptcha/internal/domain"
	"github.com/ashureev/agentcaptcha/internal/protocol"
	"github.com/ashureev/agentcaptcha/internal/store"
)

// memStore is an in-memory store.Repository.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	rounds   map[string][]domain.ChallengeRound
	order    []string
	fail     error
}

var _ store.Repository = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*domain.Session),
		rounds:   make(map[string][]domain.ChallengeRound),
	}
}

func (m *memStore) CreateSession(_ context.Context, agentID string, createdAt time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	id := uuid.NewString()
	m.sessions[id] = &domain.Session{AgentID: agentID, SessionID: id, CreatedAt: createdAt, Verdict: domain.VerdictPending}
	m.order = append(m.order, id)
	return id, nil
}

func (m *memStore) AppendStageResult(_ context.Context, sessionID string, r domain.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	if !s.CanRecord(r.Stage) {
		return store.ErrStageOrder
	}
	s.StageResults = append(s.StageResults, r)
	return nil
}

func (m *memStore) AppendRound(_ context.Context, sessionID string, r domain.ChallengeRound) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.rounds[sessionID] = append(m.rounds[sessionID], r)
	return nil
}

func (m *memStore) RecordVerdict(_ context.Context, sessionID string, v domain.Verdict, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	if s.Verdict != domain.VerdictPending {
		return store.ErrVerdictExists
	}
	s.Verdict = v
	s.RejectReason = reason
	return nil
}

func (m *memStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	cp.StageResults = append([]domain.StageResult(nil), s.StageResults...)
	return &cp, nil
}

func (m *memStore) GetHistory(_ context.Context, agentID string, limit int) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []domain.Session
	for _, id := range m.order {
		s := m.sessions[id]
		if s.AgentID == agentID {
			cp := *s
			cp.StageResults = append([]domain.StageResult(nil), s.StageResults...)
			out = append(out, cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) GetRoundHistory(_ context.Context, sessionID string) ([]domain.ChallengeRound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ChallengeRound(nil), m.rounds[sessionID]...), nil
}

func (m *memStore) Ping(context.Context) error { return m.fail }

func (m *memStore) Close() error { return nil }

// seed adds a completed, accepted session with the given stage-1 solve time.
func (m *memStore) seed(agentID string, createdAt time.Time, solveMS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.sessions[id] = &domain.Session{
		AgentID:   agentID,
		SessionID: id,
		CreatedAt: createdAt,
		Verdict:   domain.VerdictAccept,
		StageResults: []domain.StageResult{
			{Stage: domain.StageProofOfWork, Passed: true, LatencyMS: solveMS},
			{Stage: domain.StageDecisions, Passed: true, Detail: map[string]any{"mean_ms": 50.0}},
			{Stage: domain.StageEnvironment, Passed: true},
		},
	}
	m.order = append(m.order, id)
}

func (m *memStore) session(id string) *domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// fakeClock is advanced by scriptConn to simulate client think time.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// step is a scripted client reaction to one server message.
type step struct {
	resp      protocol.Response
	delay     time.Duration // simulated time before the reply
	block     bool          // never reply
	gone      bool          // disconnect
	malformed bool          // reply with an undecodable frame
	raw       string        // reply with this frame, decoded as the transport would
}

// scriptConn is a verifier.Conn driven by a handler that reacts to each
// message the server sends.
type scriptConn struct {
	clock   *fakeClock
	handler func(protocol.Message) step

	mu      sync.Mutex
	sent    []protocol.Message
	pending *step
}

func (c *scriptConn) Send(_ context.Context, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	if _, ok := msg.(protocol.Result); ok {
		return nil
	}
	st := c.handler(msg)
	c.pending = &st
	return nil
}

func (c *scriptConn) Receive(ctx context.Context) (protocol.Response, error) {
	c.mu.Lock()
	st := c.pending
	c.pending = nil
	c.mu.Unlock()

	if st == nil {
		return protocol.Response{}, errors.New("receive without a pending message")
	}
	switch {
	case st.gone:
		return protocol.Response{}, ErrDisconnected
	case st.block:
		<-ctx.Done()
		return protocol.Response{}, ctx.Err()
	case st.malformed:
		return protocol.Response{}, fmt.Errorf("%w: unexpected end of JSON input", ErrMalformedFrame)
	case st.raw != "":
		c.clock.Advance(st.delay)
		resp, err := protocol.DecodeResponse([]byte(st.raw))
		if err != nil {
			return protocol.Response{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return resp, nil
	}
	c.clock.Advance(st.delay)
	return st.resp, nil
}

func (c *scriptConn) messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.sent...)
}

func (c *scriptConn) results() []protocol.Result {
	var out []protocol.Result
	for _, m := range c.messages() {
		if r, ok := m.(protocol.Result); ok {
			out = append(out, r)
		}
	}
	return out
}

func (c *scriptConn) decisionRounds() int {
	n := 0
	for _, m := range c.messages() {
		if _, ok := m.(protocol.DecisionChallenge); ok {
			n++
		}
	}
	return n
}

type failingIssuer struct{}

func (failingIssuer) Issue(string, string, []int) (string, error) {
	return "", errors.New("signing key unavailable")
}
