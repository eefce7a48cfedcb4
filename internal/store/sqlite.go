package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashureev/agentcaptcha/internal/domain"
	"github.com/ashureev/agentcaptcha/internal/shared"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
	// writeMu serialises the read-check-insert of stage results so two
	// writers for one session cannot both pass the ordering check.
	writeMu sync.Mutex
	retry   shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets history readers take snapshots while sessions append.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

var _ Repository = (*SQLiteStore)(nil)

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent_created ON sessions(agent_id, created_at);

	CREATE TABLE IF NOT EXISTS stage_results (
		session_id TEXT NOT NULL REFERENCES sessions(session_id),
		stage INTEGER NOT NULL,
		passed INTEGER NOT NULL,
		skipped INTEGER NOT NULL DEFAULT 0,
		latency_ms REAL NOT NULL,
		reason TEXT,
		detail_json TEXT,
		recorded_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, stage)
	);

	CREATE TABLE IF NOT EXISTS challenge_rounds (
		session_id TEXT NOT NULL REFERENCES sessions(session_id),
		round_number INTEGER NOT NULL,
		prompt TEXT NOT NULL,
		options_json TEXT NOT NULL,
		chosen_answer TEXT NOT NULL,
		justification TEXT,
		correct INTEGER NOT NULL,
		response_time_ms REAL NOT NULL,
		prev_answer_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, round_number)
	);

	CREATE TABLE IF NOT EXISTS session_verdicts (
		session_id TEXT PRIMARY KEY REFERENCES sessions(session_id),
		verdict TEXT NOT NULL,
		reason TEXT,
		decided_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession starts a new session for agentID and returns its ID.
func (s *SQLiteStore) CreateSession(ctx context.Context, agentID string, createdAt time.Time) (string, error) {
	sessionID := uuid.NewString()
	err := shared.RetryOnConflict(ctx, s.retry, "create_session", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sessions (session_id, agent_id, created_at) VALUES (?, ?, ?)`,
			sessionID, agentID, createdAt.UnixMilli())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return sessionID, nil
}

// AppendStageResult records the outcome of one stage. It returns
// ErrStageOrder if the stage is not the next one the session may record.
func (s *SQLiteStore) AppendStageResult(ctx context.Context, sessionID string, result domain.StageResult) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	detail, err := marshalDetail(result.Detail)
	if err != nil {
		return err
	}
	recordedAt := result.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	return shared.RetryOnConflict(ctx, s.retry, "append_stage_result", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer rollback(tx)

		existing, err := loadStageResults(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		candidate := domain.Session{SessionID: sessionID, StageResults: existing}
		if !candidate.CanRecord(result.Stage) {
			return fmt.Errorf("%w: session %s has %d results, got stage %d",
				ErrStageOrder, sessionID, len(existing), result.Stage)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO stage_results
				(session_id, stage, passed, skipped, latency_ms, reason, detail_json, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, int(result.Stage), result.Passed, result.Skipped,
			latencyMS(result), nullString(result.Reason), detail, recordedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert stage result: %w", err)
		}
		return tx.Commit()
	})
}

// AppendRound records one stage-2 round.
func (s *SQLiteStore) AppendRound(ctx context.Context, sessionID string, round domain.ChallengeRound) error {
	options, err := json.Marshal(round.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	ms := round.ResponseTimeMS
	if ms == 0 && round.ResponseTime > 0 {
		ms = domain.DurationMS(round.ResponseTime)
	}

	err = shared.RetryOnConflict(ctx, s.retry, "append_round", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO challenge_rounds
				(session_id, round_number, prompt, options_json, chosen_answer, justification,
				 correct, response_time_ms, prev_answer_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, round.RoundNumber, round.Prompt, string(options), round.ChosenAnswer,
			nullString(round.Justification), round.Correct, ms, round.PrevAnswerHash,
			time.Now().UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

// RecordVerdict sets the terminal verdict once.
func (s *SQLiteStore) RecordVerdict(ctx context.Context, sessionID string, verdict domain.Verdict, reason string) error {
	err := shared.RetryOnConflict(ctx, s.retry, "record_verdict", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_verdicts (session_id, verdict, reason, decided_at)
			VALUES (?, ?, ?, ?)`,
			sessionID, string(verdict), nullString(reason), time.Now().UnixMilli(),
		)
		return err
	})
	if err != nil {
		if shared.IsSQLiteUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrVerdictExists, sessionID)
		}
		return fmt.Errorf("insert verdict: %w", err)
	}
	return nil
}

// GetSession returns one session with its stage results.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer rollback(tx)

	row := tx.QueryRowContext(ctx, `
		SELECT s.session_id, s.agent_id, s.created_at, v.verdict, v.reason
		FROM sessions s LEFT JOIN session_verdicts v ON v.session_id = s.session_id
		WHERE s.session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}

	sess.StageResults, err = loadStageResults(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetHistory returns up to limit of the agent's most recent sessions in
// chronological order. Both reads run in one transaction so the sessions
// and their stage results come from the same snapshot.
func (s *SQLiteStore) GetHistory(ctx context.Context, agentID string, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 100
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer rollback(tx)

	rows, err := tx.QueryContext(ctx, `
		SELECT s.session_id, s.agent_id, s.created_at, v.verdict, v.reason
		FROM sessions s LEFT JOIN session_verdicts v ON v.session_id = s.session_id
		WHERE s.agent_id = ?
		ORDER BY s.created_at DESC, s.rowid DESC
		LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	var sessions []domain.Session
	index := make(map[string]int)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			closeRows(rows)
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		closeRows(rows)
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	closeRows(rows)

	// Chronological order.
	for i, j := 0, len(sessions)-1; i < j; i, j = i+1, j-1 {
		sessions[i], sessions[j] = sessions[j], sessions[i]
	}
	for i := range sessions {
		index[sessions[i].SessionID] = i
	}
	if len(sessions) == 0 {
		return sessions, nil
	}

	rows, err = tx.QueryContext(ctx, `
		SELECT r.session_id, r.stage, r.passed, r.skipped, r.latency_ms, r.reason, r.detail_json, r.recorded_at
		FROM stage_results r
		WHERE r.session_id IN (
			SELECT session_id FROM sessions WHERE agent_id = ?
			ORDER BY created_at DESC, rowid DESC LIMIT ?
		)
		ORDER BY r.session_id, r.stage`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history stage results: %w", err)
	}
	defer closeRows(rows)

	for rows.Next() {
		var sessionID string
		res, err := scanStageResult(rows, &sessionID)
		if err != nil {
			return nil, err
		}
		if i, ok := index[sessionID]; ok {
			sessions[i].StageResults = append(sessions[i].StageResults, res)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history stage results: %w", err)
	}
	return sessions, nil
}

// GetRoundHistory returns a session's stage-2 rounds in order.
func (s *SQLiteStore) GetRoundHistory(ctx context.Context, sessionID string) ([]domain.ChallengeRound, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT round_number, prompt, options_json, chosen_answer, justification,
		       correct, response_time_ms, prev_answer_hash
		FROM challenge_rounds WHERE session_id = ?
		ORDER BY round_number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query rounds: %w", err)
	}
	defer closeRows(rows)

	var rounds []domain.ChallengeRound
	for rows.Next() {
		var (
			r             domain.ChallengeRound
			optionsJSON   string
			justification sql.NullString
		)
		if err := rows.Scan(&r.RoundNumber, &r.Prompt, &optionsJSON, &r.ChosenAnswer, &justification,
			&r.Correct, &r.ResponseTimeMS, &r.PrevAnswerHash); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		if err := json.Unmarshal([]byte(optionsJSON), &r.Options); err != nil {
			return nil, fmt.Errorf("decode round options: %w", err)
		}
		r.Justification = justification.String
		r.ResponseTime = domain.MSDuration(r.ResponseTimeMS)
		rounds = append(rounds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rounds: %w", err)
	}
	return rounds, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*domain.Session, error) {
	var (
		sess      domain.Session
		createdAt int64
		verdict   sql.NullString
		reason    sql.NullString
	)
	if err := row.Scan(&sess.SessionID, &sess.AgentID, &createdAt, &verdict, &reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	sess.Verdict = domain.VerdictPending
	if verdict.Valid {
		sess.Verdict = domain.Verdict(verdict.String)
	}
	sess.RejectReason = reason.String
	return &sess, nil
}

func scanStageResult(row scanner, sessionID *string) (domain.StageResult, error) {
	var (
		res        domain.StageResult
		stage      int
		reason     sql.NullString
		detailJSON sql.NullString
		recordedAt int64
	)
	if err := row.Scan(sessionID, &stage, &res.Passed, &res.Skipped, &res.LatencyMS,
		&reason, &detailJSON, &recordedAt); err != nil {
		return res, fmt.Errorf("scan stage result: %w", err)
	}
	res.Stage = domain.Stage(stage)
	res.Reason = reason.String
	res.Latency = domain.MSDuration(res.LatencyMS)
	res.RecordedAt = time.UnixMilli(recordedAt).UTC()
	if detailJSON.Valid && detailJSON.String != "" {
		if err := json.Unmarshal([]byte(detailJSON.String), &res.Detail); err != nil {
			return res, fmt.Errorf("decode stage detail: %w", err)
		}
	}
	return res, nil
}

func loadStageResults(ctx context.Context, tx *sql.Tx, sessionID string) ([]domain.StageResult, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT session_id, stage, passed, skipped, latency_ms, reason, detail_json, recorded_at
		FROM stage_results WHERE session_id = ? ORDER BY stage`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query stage results: %w", err)
	}
	defer closeRows(rows)

	var results []domain.StageResult
	for rows.Next() {
		var sid string
		res, err := scanStageResult(rows, &sid)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage results: %w", err)
	}
	return results, nil
}

func marshalDetail(detail map[string]any) (any, error) {
	if len(detail) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("marshal stage detail: %w", err)
	}
	return string(b), nil
}

func latencyMS(r domain.StageResult) float64 {
	if r.LatencyMS != 0 {
		return r.LatencyMS
	}
	return domain.DurationMS(r.Latency)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.Warn("failed to roll back transaction", "error", err)
	}
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "error", err)
	}
}
