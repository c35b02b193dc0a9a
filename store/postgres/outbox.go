package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/warp/benefit-engine/benefit"
	"github.com/warp/benefit-engine/notify"
	"github.com/warp/benefit-engine/reconcile"
)

// --- Reminder outbox ---

// Schedule inserts a reminder under a table lock so two processes cannot
// both pass the ceiling check.
func (s *Store) Schedule(ctx context.Context, benefitID benefit.ID, fireAt time.Time, payload notify.Payload) (notify.Handle, error) {
	if fireAt.IsZero() {
		return "", notify.ErrInvalidFireAt
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("error encoding payload: %w", err)
	}

	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction for schedule: %w", err)
	}
	defer txn.Rollback()

	if _, err := txn.ExecContext(ctx, `LOCK TABLE reminders IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return "", fmt.Errorf("error locking reminders: %w", err)
	}

	var pending int
	if err := txn.QueryRowContext(ctx, `SELECT COUNT(*) FROM reminders`).Scan(&pending); err != nil {
		return "", fmt.Errorf("error counting reminders: %w", err)
	}
	if pending >= s.ceiling {
		return "", notify.ErrCeilingReached
	}

	h := notify.Handle(uuid.NewString())
	if _, err := txn.ExecContext(ctx,
		`INSERT INTO reminders (handle, benefit_id, fire_at, payload) VALUES ($1, $2, $3, $4)`,
		h, benefitID, fireAt.UTC(), string(payloadJSON),
	); err != nil {
		return "", fmt.Errorf("error inserting reminder: %w", err)
	}
	return h, txn.Commit()
}

func (s *Store) Cancel(ctx context.Context, h notify.Handle) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE handle = $1`, h); err != nil {
		return fmt.Errorf("error cancelling reminder: %w", err)
	}
	return nil
}

func (s *Store) ListScheduled(ctx context.Context) ([]notify.Scheduled, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT handle, benefit_id, fire_at, payload FROM reminders ORDER BY fire_at, handle`)
	if err != nil {
		return nil, fmt.Errorf("error listing reminders: %w", err)
	}
	return scanReminders(rows)
}

// Due deletes and returns due reminders in one statement.
func (s *Store) Due(ctx context.Context, now time.Time) ([]notify.Scheduled, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM reminders WHERE fire_at <= $1 RETURNING handle, benefit_id, fire_at, payload`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("error popping due reminders: %w", err)
	}
	due, err := scanReminders(rows)
	if err != nil {
		return nil, err
	}
	sortScheduled(due)
	return due, nil
}

func scanReminders(rows *sql.Rows) ([]notify.Scheduled, error) {
	defer rows.Close()

	out := []notify.Scheduled{}
	for rows.Next() {
		var (
			sc      notify.Scheduled
			payload []byte
		)
		if err := rows.Scan(&sc.Handle, &sc.BenefitID, &sc.FireAt, &payload); err != nil {
			return nil, fmt.Errorf("error scanning reminder: %w", err)
		}
		sc.FireAt = sc.FireAt.UTC()
		if err := json.Unmarshal(payload, &sc.Payload); err != nil {
			return nil, fmt.Errorf("reminder %s payload: %w", sc.Handle, err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// RETURNING has no ORDER BY.
func sortScheduled(s []notify.Scheduled) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].FireAt.Equal(s[j].FireAt) {
			return s[i].FireAt.Before(s[j].FireAt)
		}
		return s[i].Handle < s[j].Handle
	})
}

// --- Reconciliation runs ---

func (s *Store) SaveRun(ctx context.Context, r reconcile.Run) error {
	report, err := json.Marshal(r.Report)
	if err != nil {
		return fmt.Errorf("error encoding run report: %w", err)
	}
	var completed sql.NullTime
	if r.CompletedAt != nil {
		completed = sql.NullTime{Time: r.CompletedAt.UTC(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO reconciliation_runs
		(id, triggered_by, status, report, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			report = EXCLUDED.report,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at`,
		r.ID, string(r.Trigger), r.Status, string(report), nullString(r.Error), r.StartedAt.UTC(), completed,
	)
	if err != nil {
		return fmt.Errorf("error saving reconciliation run: %w", err)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]reconcile.Run, error) {
	query := `SELECT id, triggered_by, status, report, error, started_at, completed_at
		FROM reconciliation_runs ORDER BY started_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing reconciliation runs: %w", err)
	}
	defer rows.Close()

	runs := []reconcile.Run{}
	for rows.Next() {
		var (
			r         reconcile.Run
			trigger   string
			report    []byte
			runErr    sql.NullString
			completed sql.NullTime
		)
		if err := rows.Scan(&r.ID, &trigger, &r.Status, &report, &runErr, &r.StartedAt, &completed); err != nil {
			return nil, fmt.Errorf("error scanning reconciliation run: %w", err)
		}
		if err := json.Unmarshal(report, &r.Report); err != nil {
			return nil, fmt.Errorf("run %s report: %w", r.ID, err)
		}
		r.Trigger = reconcile.Trigger(trigger)
		r.Error = runErr.String
		r.StartedAt = r.StartedAt.UTC()
		r.CompletedAt = timePtr(completed)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
