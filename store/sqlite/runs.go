package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/warp/benefit-engine/reconcile"
)

// =============================================================================
// RECONCILIATION RUNS (reconcile.RunLog)
// =============================================================================

// SaveRun inserts or updates a run record. A pass saves once when it starts
// and again when it finishes.
func (s *Store) SaveRun(ctx context.Context, r reconcile.Run) error {
	reportJSON, err := json.Marshal(r.Report)
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO reconciliation_runs (id, triggered_by, status, report_json, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			report_json = excluded.report_json,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	_, err = s.db.ExecContext(ctx, query,
		r.ID, string(r.Trigger), r.Status, string(reportJSON), nullString(r.Error),
		formatTime(r.StartedAt), formatTimePtr(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save reconciliation run: %w", err)
	}
	return nil
}

// ListRuns returns runs newest first. limit <= 0 returns all of them.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]reconcile.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, triggered_by, status, report_json, error, started_at, completed_at
		FROM reconciliation_runs
		ORDER BY started_at DESC, rowid DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation runs: %w", err)
	}
	defer rows.Close()

	runs := []reconcile.Run{}
	for rows.Next() {
		var (
			r                   reconcile.Run
			trigger, reportJSON string
			runErr, completedAt sql.NullString
			startedAt           string
		)
		if err := rows.Scan(&r.ID, &trigger, &r.Status, &reportJSON, &runErr, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation run: %w", err)
		}

		r.Trigger = reconcile.Trigger(trigger)
		r.Error = runErr.String
		if err := json.Unmarshal([]byte(reportJSON), &r.Report); err != nil {
			return nil, fmt.Errorf("run %s report: %w", r.ID, err)
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
