/*
Package postgres provides a PostgreSQL-backed implementation of the engine's
collaborators.

PURPOSE:
  Same contracts as store/sqlite for deployments where the engine runs as a
  service next to a shared database. Concurrency control is left to the
  database: the version check lives in the upsert's WHERE clause, and the
  outbox ceiling is enforced under a table lock.

INTERFACES IMPLEMENTED:
  benefit.Repository, notify.Center, notify.Deliverer, reconcile.RunLog

COLUMN TYPES:
  value / value_redeemed: NUMERIC (scanned straight into decimal.Decimal)
  period days:            DATE (written as YYYY-MM-DD so the session time
                          zone never shifts a day)
  instants:               TIMESTAMPTZ
  payloads, reports:      JSONB

USAGE:
  store, err := postgres.New(os.Getenv("DATABASE_URL"), postgres.WithCeiling(64))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/warp/benefit-engine/benefit"
	"github.com/warp/benefit-engine/calendar"
	"github.com/warp/benefit-engine/notify"
	"github.com/warp/benefit-engine/reconcile"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 25
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnMaxIdleTime = 1 * time.Minute

	// SQLSTATE unique_violation
	uniqueViolation = "23505"
)

// Store implements all collaborator interfaces on PostgreSQL.
type Store struct {
	db      *sql.DB
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

// New opens a connection pool, pings it and migrates the schema.
func New(dataSourceName string, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db, ceiling: notify.DefaultCeiling}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS benefits (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	value NUMERIC NOT NULL,
	frequency TEXT NOT NULL,
	status TEXT NOT NULL,
	period_start DATE,
	period_end DATE,
	next_reset_date TIMESTAMPTZ,
	reminder_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	reminder_lead_days INTEGER NOT NULL DEFAULT 0,
	last_reminder_fired_at TIMESTAMPTZ,
	scheduled_reminder_id TEXT,
	scheduled_fire_at TIMESTAMPTZ,
	snoozed_until TIMESTAMPTZ,
	deactivated BOOLEAN NOT NULL DEFAULT FALSE,
	version BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_history (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	benefit_id TEXT NOT NULL REFERENCES benefits(id) ON DELETE CASCADE,
	period_start DATE,
	period_end DATE,
	value_redeemed NUMERIC NOT NULL,
	used_at TIMESTAMPTZ NOT NULL,
	was_auto_expired BOOLEAN NOT NULL DEFAULT FALSE,
	idempotency_key TEXT UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_usage_benefit_used_at
	ON usage_history(benefit_id, used_at, seq);

CREATE TABLE IF NOT EXISTS engine_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS reminders (
	handle TEXT PRIMARY KEY,
	benefit_id TEXT NOT NULL,
	fire_at TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_reminders_fire_at ON reminders(fire_at);

CREATE TABLE IF NOT EXISTS reconciliation_runs (
	id TEXT PRIMARY KEY,
	triggered_by TEXT NOT NULL,
	status TEXT NOT NULL,
	report JSONB NOT NULL,
	error TEXT,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_started
	ON reconciliation_runs(started_at DESC);
`

// =============================================================================
// BENEFITS
// =============================================================================

const benefitColumns = `id, name, source, value, frequency, status, period_start, period_end,
	next_reset_date, reminder_enabled, reminder_lead_days, last_reminder_fired_at,
	scheduled_reminder_id, scheduled_fire_at, snoozed_until, deactivated, version, updated_at`

func (s *Store) ListBenefits(ctx context.Context) ([]benefit.Benefit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+benefitColumns+` FROM benefits ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error listing benefits: %w", err)
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

func (s *Store) GetBenefit(ctx context.Context, id benefit.ID) (benefit.Benefit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+benefitColumns+` FROM benefits WHERE id = $1`, id)
	b, err := scanBenefit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return benefit.Benefit{}, fmt.Errorf("%w: %s", benefit.ErrBenefitNotFound, id)
	}
	return b, err
}

// SaveBenefit upserts with a version check. A stale version leaves the row
// untouched and returns benefit.ErrConcurrentModification.
func (s *Store) SaveBenefit(ctx context.Context, b benefit.Benefit) (benefit.Benefit, error) {
	saved := b.Clone()
	saved.Version = b.Version + 1

	query := `
		INSERT INTO benefits (` + benefitColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			source = EXCLUDED.source,
			value = EXCLUDED.value,
			frequency = EXCLUDED.frequency,
			status = EXCLUDED.status,
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			next_reset_date = EXCLUDED.next_reset_date,
			reminder_enabled = EXCLUDED.reminder_enabled,
			reminder_lead_days = EXCLUDED.reminder_lead_days,
			last_reminder_fired_at = EXCLUDED.last_reminder_fired_at,
			scheduled_reminder_id = EXCLUDED.scheduled_reminder_id,
			scheduled_fire_at = EXCLUDED.scheduled_fire_at,
			snoozed_until = EXCLUDED.snoozed_until,
			deactivated = EXCLUDED.deactivated,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE benefits.version = EXCLUDED.version - 1`

	res, err := s.db.ExecContext(ctx, query,
		saved.ID, saved.Name, saved.Source, saved.Value, saved.Frequency, saved.Status,
		day(saved.CurrentPeriodStart), day(saved.CurrentPeriodEnd), instant(saved.NextResetDate),
		saved.ReminderEnabled, saved.ReminderLeadDays, saved.LastReminderFiredAt,
		nullString(string(saved.ScheduledReminderID)), saved.ScheduledFireAt, saved.SnoozedUntil,
		saved.Deactivated, saved.Version, saved.UpdatedAt.UTC(),
	)
	if err != nil {
		return benefit.Benefit{}, fmt.Errorf("error saving benefit %s: %w", b.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return benefit.Benefit{}, fmt.Errorf("error saving benefit %s: %w", b.ID, err)
	} else if n == 0 {
		return benefit.Benefit{}, fmt.Errorf("%w: benefit %s", benefit.ErrConcurrentModification, b.ID)
	}
	return saved, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBenefit(row scanner) (benefit.Benefit, error) {
	var (
		b                                 benefit.Benefit
		periodStart, periodEnd, nextReset sql.NullTime
		lastFired, fireAt, snoozed        sql.NullTime
		handle                            sql.NullString
	)
	err := row.Scan(
		&b.ID, &b.Name, &b.Source, &b.Value, &b.Frequency, &b.Status, &periodStart, &periodEnd,
		&nextReset, &b.ReminderEnabled, &b.ReminderLeadDays, &lastFired,
		&handle, &fireAt, &snoozed, &b.Deactivated, &b.Version, &b.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return b, err
	}
	if err != nil {
		return b, fmt.Errorf("error scanning benefit: %w", err)
	}

	b.CurrentPeriodStart = dayOf(periodStart)
	b.CurrentPeriodEnd = dayOf(periodEnd)
	if nextReset.Valid {
		b.NextResetDate = nextReset.Time.UTC()
	}
	b.ScheduledReminderID = benefit.ReminderHandle(handle.String)
	b.LastReminderFiredAt = timePtr(lastFired)
	b.ScheduledFireAt = timePtr(fireAt)
	b.SnoozedUntil = timePtr(snoozed)
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

// =============================================================================
// USAGE HISTORY
// =============================================================================

func (s *Store) AppendUsage(ctx context.Context, rec benefit.UsageRecord) error {
	query := `INSERT INTO usage_history
		(id, benefit_id, period_start, period_end, value_redeemed, used_at, was_auto_expired, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.BenefitID, day(rec.PeriodStart), day(rec.PeriodEnd), rec.ValueRedeemed,
		rec.UsedAt.UTC(), rec.WasAutoExpired, nullString(rec.IdempotencyKey),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", benefit.ErrDuplicateIdempotencyKey, rec.IdempotencyKey)
		}
		return fmt.Errorf("error appending usage: %w", err)
	}
	return nil
}

func (s *Store) RemoveUsage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_history WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("error removing usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", benefit.ErrUsageNotFound, id)
	}
	return nil
}

const usageColumns = `id, benefit_id, period_start, period_end, value_redeemed, used_at,
	was_auto_expired, idempotency_key`

func (s *Store) ListUsage(ctx context.Context, benefitID benefit.ID) ([]benefit.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+usageColumns+`
		FROM usage_history WHERE benefit_id = $1 ORDER BY used_at, seq`, benefitID)
	if err != nil {
		return nil, fmt.Errorf("error listing usage: %w", err)
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

func (s *Store) LastUsage(ctx context.Context, benefitID benefit.ID) (benefit.UsageRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+usageColumns+`
		FROM usage_history WHERE benefit_id = $1 ORDER BY used_at DESC, seq DESC LIMIT 1`, benefitID)
	rec, err := scanUsage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return benefit.UsageRecord{}, fmt.Errorf("%w: benefit %s", benefit.ErrUsageNotFound, benefitID)
	}
	return rec, err
}

func scanUsage(row scanner) (benefit.UsageRecord, error) {
	var (
		rec                    benefit.UsageRecord
		periodStart, periodEnd sql.NullTime
		key                    sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.BenefitID, &periodStart, &periodEnd, &rec.ValueRedeemed,
		&rec.UsedAt, &rec.WasAutoExpired, &key)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("error scanning usage: %w", err)
	}
	rec.PeriodStart = dayOf(periodStart)
	rec.PeriodEnd = dayOf(periodEnd)
	rec.UsedAt = rec.UsedAt.UTC()
	rec.IdempotencyKey = key.String
	return rec, nil
}

// =============================================================================
// ENGINE STATE
// =============================================================================

func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM engine_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("error reading state %q: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) PutState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO engine_state (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key, value)
	if err != nil {
		return fmt.Errorf("error writing state %q: %w", key, err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// day encodes a calendar day as text; zero days are NULL.
func day(tp calendar.TimePoint) sql.NullString {
	if tp.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: tp.String(), Valid: true}
}

func dayOf(t sql.NullTime) calendar.TimePoint {
	if !t.Valid {
		return calendar.TimePoint{}
	}
	return calendar.NewTimePoint(t.Time.Year(), t.Time.Month(), t.Time.Day())
}

func instant(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

var (
	_ benefit.Repository = (*Store)(nil)
	_ notify.Center      = (*Store)(nil)
	_ notify.Deliverer   = (*Store)(nil)
	_ reconcile.RunLog   = (*Store)(nil)
)
