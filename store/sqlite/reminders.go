package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/benefit-engine/benefit"
	"github.com/warp/benefit-engine/notify"
)

// =============================================================================
// REMINDER OUTBOX (notify.Center + notify.Deliverer)
// =============================================================================

// Schedule inserts a pending reminder. Fails with notify.ErrCeilingReached
// once the outbox holds the ceiling.
func (s *Store) Schedule(ctx context.Context, benefitID benefit.ID, fireAt time.Time, payload notify.Payload) (notify.Handle, error) {
	if fireAt.IsZero() {
		return "", notify.ErrInvalidFireAt
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var pending int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM reminders").Scan(&pending); err != nil {
		return "", fmt.Errorf("failed to count reminders: %w", err)
	}
	if pending >= s.ceiling {
		return "", notify.ErrCeilingReached
	}

	h := notify.Handle(uuid.NewString())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reminders (handle, benefit_id, fire_at, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, h, benefitID, formatTime(fireAt), string(payloadJSON), formatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("failed to insert reminder: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit reminder: %w", err)
	}
	return h, nil
}

// Cancel removes a pending reminder. Unknown handles are ignored.
func (s *Store) Cancel(ctx context.Context, h notify.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM reminders WHERE handle = ?", h); err != nil {
		return fmt.Errorf("failed to cancel reminder: %w", err)
	}
	return nil
}

// ListScheduled returns pending reminders ordered by fire instant.
func (s *Store) ListScheduled(ctx context.Context) ([]notify.Scheduled, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryReminders(ctx, s.db, `
		SELECT handle, benefit_id, fire_at, payload_json
		FROM reminders
		ORDER BY fire_at ASC, handle ASC
	`)
}

// Due removes and returns every reminder with fire_at <= now.
func (s *Store) Due(ctx context.Context, now time.Time) ([]notify.Scheduled, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := formatTime(now)
	due, err := queryReminders(ctx, tx, `
		SELECT handle, benefit_id, fire_at, payload_json
		FROM reminders
		WHERE fire_at <= ?
		ORDER BY fire_at ASC, handle ASC
	`, cutoff)
	if err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM reminders WHERE fire_at <= ?", cutoff); err != nil {
		return nil, fmt.Errorf("failed to pop due reminders: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit due reminders: %w", err)
	}
	return due, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryReminders(ctx context.Context, db querier, query string, args ...any) ([]notify.Scheduled, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminders: %w", err)
	}
	defer rows.Close()

	out := []notify.Scheduled{}
	for rows.Next() {
		var (
			sc          notify.Scheduled
			fireAt      string
			payloadJSON string
		)
		if err := rows.Scan(&sc.Handle, &sc.BenefitID, &fireAt, &payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan reminder: %w", err)
		}
		if sc.FireAt, err = parseTime(fireAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payloadJSON), &sc.Payload); err != nil {
			return nil, fmt.Errorf("reminder %s payload: %w", sc.Handle, err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
