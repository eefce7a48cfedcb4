// Package store provides the session store: durable, append-only records of
// verification sessions, their stage results and stage-2 rounds.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/agentcaptcha/internal/domain"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrStageOrder is returned when a stage result would break stage ordering.
	ErrStageOrder = errors.New("stage result out of order")
	// ErrVerdictExists is returned when a session already has a verdict.
	ErrVerdictExists = errors.New("verdict already recorded")
)

// Repository defines the session store contract. All writes are appends;
// nothing is updated or deleted.
type Repository interface {
	// CreateSession starts a new session for agentID and returns its ID.
	CreateSession(ctx context.Context, agentID string, createdAt time.Time) (string, error)

	// AppendStageResult records the outcome of one stage.
	AppendStageResult(ctx context.Context, sessionID string, result domain.StageResult) error

	// AppendRound records one stage-2 round.
	AppendRound(ctx context.Context, sessionID string, round domain.ChallengeRound) error

	// RecordVerdict sets the terminal verdict. A session without one is PENDING.
	RecordVerdict(ctx context.Context, sessionID string, verdict domain.Verdict, reason string) error

	// GetSession returns one session with its stage results.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// GetHistory returns up to limit of the agent's most recent sessions in
	// chronological order, read as one snapshot.
	GetHistory(ctx context.Context, agentID string, limit int) ([]domain.Session, error)

	// GetRoundHistory returns a session's stage-2 rounds in order.
	GetRoundHistory(ctx context.Context, sessionID string) ([]domain.ChallengeRound, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
