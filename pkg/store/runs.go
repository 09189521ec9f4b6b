package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// StartRun records a running rebuild.
func (s *Store) StartRun(ctx context.Context, runID string, stages []string, startedAt time.Time) error {
	_, err := s.exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (run_id, stages, status, started_at) VALUES (?, ?, ?, ?)
	`, TableRebuildRuns), runID, strings.Join(stages, ","), RunRunning, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", runID, err)
	}
	return nil
}

// FinishRun marks a run succeeded or failed. runErr is recorded verbatim; stats is
// the JSON encoded per-stage report.
func (s *Store) FinishRun(ctx context.Context, runID, status, runErr, stats string, finishedAt time.Time) error {
	n, err := s.exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = ?, error = ?, stats = ?, finished_at = ? WHERE run_id = ?
	`, TableRebuildRuns), status, nullString(runErr), nullString(stats), finishedAt.UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// LatestRun returns the most recently started run, or nil when none was recorded.
func (s *Store) LatestRun(ctx context.Context) (*RebuildRun, error) {
	return s.scanRun(s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT run_id, stages, status, error, stats, started_at, finished_at
		FROM %s ORDER BY started_at DESC LIMIT 1
	`, TableRebuildRuns)))
}

// GetRun returns one run by id, or nil when unknown.
func (s *Store) GetRun(ctx context.Context, runID string) (*RebuildRun, error) {
	return s.scanRun(s.db.QueryRowContext(ctx, s.dialect.Rebind(fmt.Sprintf(`
		SELECT run_id, stages, status, error, stats, started_at, finished_at
		FROM %s WHERE run_id = ?
	`, TableRebuildRuns)), runID))
}

// LatestSuccess returns the finish time of the newest succeeded run.
func (s *Store) LatestSuccess(ctx context.Context) (time.Time, bool, error) {
	var at sql.NullTime
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(fmt.Sprintf(`
		SELECT finished_at FROM %s WHERE status = ? ORDER BY finished_at DESC LIMIT 1
	`, TableRebuildRuns)), RunSucceeded).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read latest success: %w", err)
	}
	return at.Time.UTC(), at.Valid, nil
}

func (s *Store) scanRun(row *sql.Row) (*RebuildRun, error) {
	var r RebuildRun
	var stages string
	var runErr, stats sql.NullString
	var finished sql.NullTime
	err := row.Scan(&r.RunID, &stages, &r.Status, &runErr, &stats, &r.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if stages != "" {
		r.Stages = strings.Split(stages, ",")
	}
	r.Error, r.Stats = runErr.String, stats.String
	r.StartedAt = r.StartedAt.UTC()
	if finished.Valid {
		t := finished.Time.UTC()
		r.FinishedAt = &t
	}
	return &r, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
