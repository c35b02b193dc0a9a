package postgres_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/benefit-engine/benefit"
	"github.com/warp/benefit-engine/calendar"
	"github.com/warp/benefit-engine/notify"
	"github.com/warp/benefit-engine/reconcile"
	"github.com/warp/benefit-engine/store/postgres"
)

// These tests need a disposable database:
//
//	TEST_DATABASE_URL=postgres://localhost/benefits_test?sslmode=disable go test ./store/postgres/
func newStore(t *testing.T, opts ...postgres.Option) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	s, err := postgres.New(dsn, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`TRUNCATE benefits, usage_history, engine_state, reminders, reconciliation_runs`)
	require.NoError(t, err)
	return s
}

func newBenefit(id string, now time.Time) benefit.Benefit {
	b := benefit.Benefit{
		ID:               benefit.ID(id),
		Name:             "Streaming credit",
		Source:           benefit.SourceSubscription,
		Value:            decimal.RequireFromString("7.99"),
		Frequency:        calendar.Quarterly,
		ReminderEnabled:  true,
		ReminderLeadDays: 10,
		UpdatedAt:        now,
	}
	benefit.Initialize(&b, now)
	return b
}

func TestPostgres_BenefitVersioning(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Date(2026, 5, 12, 8, 30, 0, 0, time.UTC)

	// GIVEN: A stored benefit
	saved, err := s.SaveBenefit(ctx, newBenefit("b1", now))
	require.NoError(t, err)

	// WHEN: Read back
	got, err := s.GetBenefit(ctx, "b1")
	require.NoError(t, err)

	// THEN: Days and decimals survive the column types
	assert.Equal(t, "2026-04-01", got.CurrentPeriodStart.String())
	assert.Equal(t, "2026-06-30", got.CurrentPeriodEnd.String())
	assert.True(t, got.NextResetDate.Equal(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, decimal.RequireFromString("7.99").Equal(got.Value))
	assert.Nil(t, got.ScheduledFireAt)

	// AND: A stale writer is refused
	_, err = s.SaveBenefit(ctx, saved)
	require.NoError(t, err)
	_, err = s.SaveBenefit(ctx, saved)
	assert.ErrorIs(t, err, benefit.ErrConcurrentModification)

	_, err = s.GetBenefit(ctx, "missing")
	assert.ErrorIs(t, err, benefit.ErrBenefitNotFound)
}

func TestPostgres_UsageIdempotency(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	b, err := s.SaveBenefit(ctx, newBenefit("b1", time.Date(2026, 5, 12, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	rec := benefit.UsageRecord{
		ID: "u1", BenefitID: b.ID, PeriodStart: b.CurrentPeriodStart, PeriodEnd: b.CurrentPeriodEnd,
		ValueRedeemed: decimal.Zero, UsedAt: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		WasAutoExpired: true, IdempotencyKey: "b1:2026-04-01:expired",
	}
	require.NoError(t, s.AppendUsage(ctx, rec))

	rec.ID = "u2"
	assert.ErrorIs(t, s.AppendUsage(ctx, rec), benefit.ErrDuplicateIdempotencyKey)

	last, err := s.LastUsage(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", last.ID)
	assert.Equal(t, "2026-04-01", last.PeriodStart.String())

	require.NoError(t, s.RemoveUsage(ctx, "u1"))
	_, err = s.LastUsage(ctx, b.ID)
	assert.ErrorIs(t, err, benefit.ErrUsageNotFound)
}

func TestPostgres_OutboxAndRuns(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, postgres.WithCeiling(1))
	fire := time.Date(2026, 6, 20, 9, 0, 0, 0, time.UTC)

	h, err := s.Schedule(ctx, "b1", fire, notify.Payload{BenefitID: "b1", Value: decimal.RequireFromString("7.99"), DaysRemaining: 10})
	require.NoError(t, err)
	_, err = s.Schedule(ctx, "b2", fire, notify.Payload{})
	assert.ErrorIs(t, err, notify.ErrCeilingReached)

	due, err := s.Due(ctx, fire)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, h, due[0].Handle)
	assert.Equal(t, 10, due[0].Payload.DaysRemaining)

	require.NoError(t, s.SaveRun(ctx, reconcile.Run{ID: "r1", Trigger: reconcile.TriggerUser, Status: reconcile.RunCompleted, StartedAt: fire}))
	runs, err := s.ListRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, reconcile.TriggerUser, runs[0].Trigger)

	require.NoError(t, s.PutState(ctx, reconcile.StateLastSuccess, "x"))
	v, ok, err := s.GetState(ctx, reconcile.StateLastSuccess)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "x", v)
}
