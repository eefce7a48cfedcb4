package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/agentcaptcha/internal/domain"
	"github.com/ashureev/agentcaptcha/internal/shared"
)

// AbandonStale records REJECT incomplete for sessions created before cutoff
// that never reached a verdict, such as sessions cut short by a restart.
func (s *SQLiteStore) AbandonStale(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := shared.RetryOnConflict(ctx, s.retry, "abandon_stale", func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO session_verdicts (session_id, verdict, reason, decided_at)
			SELECT s.session_id, ?, ?, ?
			FROM sessions s
			WHERE s.created_at < ?
			  AND NOT EXISTS (SELECT 1 FROM session_verdicts v WHERE v.session_id = s.session_id)`,
			string(domain.VerdictReject), domain.ReasonIncomplete, time.Now().UnixMilli(), cutoff.UnixMilli(),
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("abandon stale sessions: %w", err)
	}
	return n, nil
}

// PruneSessions deletes sessions created before cutoff together with their
// stage results, rounds and verdicts. It returns the number of sessions removed.
func (s *SQLiteStore) PruneSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var n int64
	err := shared.RetryOnConflict(ctx, s.retry, "prune_sessions", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer rollback(tx)

		const old = `SELECT session_id FROM sessions WHERE created_at < ?`
		for _, table := range []string{"challenge_rounds", "stage_results", "session_verdicts"} {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE session_id IN (`+old+`)`, cutoff.UnixMilli()); err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		if n, err = res.RowsAffected(); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return n, nil
}
