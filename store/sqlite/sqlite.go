/*
Package sqlite provides a SQLite-backed implementation of the engine's
collaborators.

PURPOSE:
  One database file holds everything the engine persists on a device:
  benefit records, usage history, opaque engine state, reconciliation runs,
  and a local reminder outbox standing in for the platform's notification
  center.

INTERFACES IMPLEMENTED:
  benefit.Repository: Benefits (versioned), usage history, state kv
  notify.Center:      Reminder outbox with a hard ceiling
  notify.Deliverer:   Pops due reminders for local delivery
  reconcile.RunLog:   Reconciliation run records

KEY TABLES:
  benefits:            One row per benefit; version is the CAS token
  usage_history:       Manual uses and auto-expirations
  engine_state:        Opaque key/value pairs
  reminders:           Pending reminders (outbox)
  reconciliation_runs: One row per pass

INDEXES:
  - idempotency_key UNIQUE: a retried auto-expiration is rejected, not duplicated
  - idx_usage_benefit_used_at: history reads (hot path for undo)
  - idx_reminders_fire_at: due scan

TIME ENCODING:
  Instants are stored as UTC RFC3339 text with a fixed nine-digit fraction,
  so text order equals time order and range scans work on the column.
  Calendar days are stored as YYYY-MM-DD.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. SaveBenefit is additionally guarded
  by the version check inside the upsert.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/benefits.db", sqlite.WithCeiling(64))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - benefit/store.go: Storage contracts
  - benefit/store/memory.go: In-memory implementation for testing
  - store/postgres: Same contracts on PostgreSQL
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/benefit-engine/benefit"
	"github.com/warp/benefit-engine/calendar"
	"github.com/warp/benefit-engine/notify"
	"github.com/warp/benefit-engine/reconcile"
)

// Store implements all collaborator interfaces using SQLite.
type Store struct {
	db      *sql.DB
	mu      sync.RWMutex
	ceiling int
}

// Option configures a Store.
type Option func(*Store)

// WithCeiling sets the outbox's hard limit on pending reminders.
func WithCeiling(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.ceiling = n
		}
	}
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, ceiling: notify.DefaultCeiling}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS benefits (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		value TEXT NOT NULL,
		frequency TEXT NOT NULL,
		status TEXT NOT NULL,
		period_start TEXT NOT NULL DEFAULT '',
		period_end TEXT NOT NULL DEFAULT '',
		next_reset_date TEXT NOT NULL,
		reminder_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		reminder_lead_days INTEGER NOT NULL DEFAULT 0,
		last_reminder_fired_at TEXT,
		scheduled_reminder_id TEXT,
		scheduled_fire_at TEXT,
		snoozed_until TEXT,
		deactivated BOOLEAN NOT NULL DEFAULT FALSE,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_benefits_reminder
		ON benefits(scheduled_reminder_id) WHERE scheduled_reminder_id IS NOT NULL;

	-- Usage history; deleting a benefit removes its history
	CREATE TABLE IF NOT EXISTS usage_history (
		id TEXT PRIMARY KEY,
		benefit_id TEXT NOT NULL REFERENCES benefits(id) ON DELETE CASCADE,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		value_redeemed TEXT NOT NULL,
		used_at TEXT NOT NULL,
		was_auto_expired BOOLEAN NOT NULL DEFAULT FALSE,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_benefit_used_at
		ON usage_history(benefit_id, used_at);

	CREATE TABLE IF NOT EXISTS engine_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Reminder outbox. No foreign key: orphans must be representable so the
	-- reconciliation sweep can find them.
	CREATE TABLE IF NOT EXISTS reminders (
		handle TEXT PRIMARY KEY,
		benefit_id TEXT NOT NULL,
		fire_at TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reminders_fire_at
		ON reminders(fire_at);

	CREATE TABLE IF NOT EXISTS reconciliation_runs (
		id TEXT PRIMARY KEY,
		triggered_by TEXT NOT NULL,
		status TEXT NOT NULL,
		report_json TEXT NOT NULL,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_started
		ON reconciliation_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BENEFIT STORE (benefit.Store interface)
// =============================================================================

const benefitColumns = `id, name, source, value, frequency, status, period_start, period_end,
	next_reset_date, reminder_enabled, reminder_lead_days, last_reminder_fired_at,
	scheduled_reminder_id, scheduled_fire_at, snoozed_until, deactivated, version, updated_at`

// ListBenefits returns every benefit ordered by ID.
func (s *Store) ListBenefits(ctx context.Context) ([]benefit.Benefit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+benefitColumns+" FROM benefits ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query benefits: %w", err)
	}
	defer rows.Close()

	var benefits []benefit.Benefit
	for rows.Next() {
		b, err := scanBenefit(rows)
		if err != nil {
			return nil, err
		}
		benefits = append(benefits, b)
	}
	return benefits, rows.Err()
}

// GetBenefit returns one benefit or benefit.ErrBenefitNotFound.
func (s *Store) GetBenefit(ctx context.Context, id benefit.ID) (benefit.Benefit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+benefitColumns+" FROM benefits WHERE id = ?", id)
	b, err := scanBenefit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return benefit.Benefit{}, fmt.Errorf("%w: %s", benefit.ErrBenefitNotFound, id)
	}
	return b, err
}

// SaveBenefit upserts a benefit. The update branch only applies when the
// stored version equals b.Version; otherwise no row changes and the save
// fails with benefit.ErrConcurrentModification.
func (s *Store) SaveBenefit(ctx context.Context, b benefit.Benefit) (benefit.Benefit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := b.Clone()
	saved.Version = b.Version + 1

	query := `
		INSERT INTO benefits (` + benefitColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			source = excluded.source,
			value = excluded.value,
			frequency = excluded.frequency,
			status = excluded.status,
			period_start = excluded.period_start,
			period_end = excluded.period_end,
			next_reset_date = excluded.next_reset_date,
			reminder_enabled = excluded.reminder_enabled,
			reminder_lead_days = excluded.reminder_lead_days,
			last_reminder_fired_at = excluded.last_reminder_fired_at,
			scheduled_reminder_id = excluded.scheduled_reminder_id,
			scheduled_fire_at = excluded.scheduled_fire_at,
			snoozed_until = excluded.snoozed_until,
			deactivated = excluded.deactivated,
			version = excluded.version,
			updated_at = excluded.updated_at
		WHERE benefits.version = excluded.version - 1
	`

	res, err := s.db.ExecContext(ctx, query,
		saved.ID,
		saved.Name,
		string(saved.Source),
		saved.Value.String(),
		string(saved.Frequency),
		string(saved.Status),
		formatDay(saved.CurrentPeriodStart),
		formatDay(saved.CurrentPeriodEnd),
		formatTime(saved.NextResetDate),
		saved.ReminderEnabled,
		saved.ReminderLeadDays,
		formatTimePtr(saved.LastReminderFiredAt),
		nullString(string(saved.ScheduledReminderID)),
		formatTimePtr(saved.ScheduledFireAt),
		formatTimePtr(saved.SnoozedUntil),
		saved.Deactivated,
		saved.Version,
		formatTime(saved.UpdatedAt),
	)
	if err != nil {
		return benefit.Benefit{}, fmt.Errorf("failed to save benefit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return benefit.Benefit{}, fmt.Errorf("failed to save benefit: %w", err)
	}
	if n == 0 {
		return benefit.Benefit{}, fmt.Errorf("%w: benefit %s", benefit.ErrConcurrentModification, b.ID)
	}
	return saved, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBenefit(row scanner) (benefit.Benefit, error) {
	var (
		b                                  benefit.Benefit
		source, frequency, status          string
		value                              string
		periodStart, periodEnd, nextReset  string
		lastFired, handle, fireAt, snoozed sql.NullString
		updatedAt                          string
	)

	err := row.Scan(
		&b.ID, &b.Name, &source, &value, &frequency, &status, &periodStart, &periodEnd,
		&nextReset, &b.ReminderEnabled, &b.ReminderLeadDays, &lastFired,
		&handle, &fireAt, &snoozed, &b.Deactivated, &b.Version, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return b, err
	}
	if err != nil {
		return b, fmt.Errorf("failed to scan benefit: %w", err)
	}

	b.Source = benefit.Source(source)
	b.Frequency = calendar.Frequency(frequency)
	b.Status = benefit.Status(status)
	b.ScheduledReminderID = benefit.ReminderHandle(handle.String)

	if b.Value, err = parseDecimal(value); err != nil {
		return b, fmt.Errorf("benefit %s value: %w", b.ID, err)
	}
	if b.CurrentPeriodStart, err = parseDay(periodStart); err != nil {
		return b, fmt.Errorf("benefit %s period start: %w", b.ID, err)
	}
	if b.CurrentPeriodEnd, err = parseDay(periodEnd); err != nil {
		return b, fmt.Errorf("benefit %s period end: %w", b.ID, err)
	}
	if b.NextResetDate, err = parseTime(nextReset); err != nil {
		return b, fmt.Errorf("benefit %s next reset: %w", b.ID, err)
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return b, fmt.Errorf("benefit %s updated at: %w", b.ID, err)
	}
	if b.LastReminderFiredAt, err = parseTimePtr(lastFired); err != nil {
		return b, err
	}
	if b.ScheduledFireAt, err = parseTimePtr(fireAt); err != nil {
		return b, err
	}
	if b.SnoozedUntil, err = parseTimePtr(snoozed); err != nil {
		return b, err
	}
	return b, nil
}

// =============================================================================
// USAGE HISTORY (benefit.History interface)
// =============================================================================

// AppendUsage adds a history entry. A repeated idempotency key fails with
// benefit.ErrDuplicateIdempotencyKey.
func (s *Store) AppendUsage(ctx context.Context, rec benefit.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO usage_history
		(id, benefit_id, period_start, period_end, value_redeemed, used_at,
		 was_auto_expired, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.BenefitID,
		formatDay(rec.PeriodStart),
		formatDay(rec.PeriodEnd),
		rec.ValueRedeemed.String(),
		formatTime(rec.UsedAt),
		rec.WasAutoExpired,
		nullString(rec.IdempotencyKey),
		formatTime(time.Now()),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", benefit.ErrDuplicateIdempotencyKey, rec.IdempotencyKey)
		}
		return fmt.Errorf("failed to append usage: %w", err)
	}
	return nil
}

// RemoveUsage deletes one entry by ID.
func (s *Store) RemoveUsage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM usage_history WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to remove usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", benefit.ErrUsageNotFound, id)
	}
	return nil
}

const usageColumns = `id, benefit_id, period_start, period_end, value_redeemed, used_at,
	was_auto_expired, idempotency_key`

// ListUsage returns a benefit's history, oldest first.
func (s *Store) ListUsage(ctx context.Context, benefitID benefit.ID) ([]benefit.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+usageColumns+`
		FROM usage_history
		WHERE benefit_id = ?
		ORDER BY used_at ASC, rowid ASC
	`, benefitID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	recs := []benefit.UsageRecord{}
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// LastUsage returns the newest entry or benefit.ErrUsageNotFound.
func (s *Store) LastUsage(ctx context.Context, benefitID benefit.ID) (benefit.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+usageColumns+`
		FROM usage_history
		WHERE benefit_id = ?
		ORDER BY used_at DESC, rowid DESC
		LIMIT 1
	`, benefitID)
	rec, err := scanUsage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return benefit.UsageRecord{}, fmt.Errorf("%w: benefit %s", benefit.ErrUsageNotFound, benefitID)
	}
	return rec, err
}

func scanUsage(row scanner) (benefit.UsageRecord, error) {
	var (
		rec                    benefit.UsageRecord
		periodStart, periodEnd string
		value, usedAt          string
		key                    sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.BenefitID, &periodStart, &periodEnd, &value, &usedAt,
		&rec.WasAutoExpired, &key)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("failed to scan usage: %w", err)
	}

	rec.IdempotencyKey = key.String
	if rec.PeriodStart, err = parseDay(periodStart); err != nil {
		return rec, err
	}
	if rec.PeriodEnd, err = parseDay(periodEnd); err != nil {
		return rec, err
	}
	if rec.ValueRedeemed, err = parseDecimal(value); err != nil {
		return rec, err
	}
	if rec.UsedAt, err = parseTime(usedAt); err != nil {
		return rec, err
	}
	return rec, nil
}

// =============================================================================
// ENGINE STATE (benefit.StateStore interface)
// =============================================================================

func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM engine_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read state %q: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) PutState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to write state %q: %w", key, err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

var (
	_ benefit.Repository = (*Store)(nil)
	_ notify.Center      = (*Store)(nil)
	_ notify.Deliverer   = (*Store)(nil)
	_ reconcile.RunLog   = (*Store)(nil)
)
