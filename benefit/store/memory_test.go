package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/benefit-engine/benefit"
	"github.com/warp/benefit-engine/benefit/store"
	"github.com/warp/benefit-engine/calendar"
)

func seed(t *testing.T, m *store.Memory, id benefit.ID) benefit.Benefit {
	t.Helper()
	b := benefit.Benefit{ID: id, Value: decimal.NewFromInt(10), Frequency: calendar.Monthly}
	benefit.Initialize(&b, time.Date(2026, time.March, 4, 0, 0, 0, 0, time.UTC))
	saved, err := m.SaveBenefit(context.Background(), b)
	require.NoError(t, err)
	return saved
}

func TestMemory_SaveBenefitVersionCheck(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	// GIVEN: a saved benefit at version 1
	saved := seed(t, m, "b1")
	assert.Equal(t, int64(1), saved.Version)

	// WHEN: two writers read the same version
	first := saved.Clone()
	second := saved.Clone()
	first.Status = benefit.StatusUsed

	_, err := m.SaveBenefit(ctx, first)
	require.NoError(t, err)

	// THEN: the stale writer is rejected
	_, err = m.SaveBenefit(ctx, second)
	assert.ErrorIs(t, err, benefit.ErrConcurrentModification)

	got, err := m.GetBenefit(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, benefit.StatusUsed, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func TestMemory_ListBenefitsOrderedAndIsolated(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seed(t, m, "c")
	seed(t, m, "a")
	seed(t, m, "b")

	list, err := m.ListBenefits(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []benefit.ID{"a", "b", "c"}, []benefit.ID{list[0].ID, list[1].ID, list[2].ID})

	// Mutating a returned copy never leaks into the store
	fired := time.Now()
	list[0].LastReminderFiredAt = &fired
	got, err := m.GetBenefit(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got.LastReminderFiredAt)

	_, err = m.GetBenefit(ctx, "missing")
	assert.ErrorIs(t, err, benefit.ErrBenefitNotFound)
}

func TestMemory_UsageHistory(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	t0 := time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC)

	later := benefit.UsageRecord{ID: "u2", BenefitID: "b1", UsedAt: t0.Add(time.Hour), IdempotencyKey: "k2"}
	earlier := benefit.UsageRecord{ID: "u1", BenefitID: "b1", UsedAt: t0, IdempotencyKey: "k1"}
	require.NoError(t, m.AppendUsage(ctx, later))
	require.NoError(t, m.AppendUsage(ctx, earlier))

	// Duplicate key is rejected
	err := m.AppendUsage(ctx, benefit.UsageRecord{ID: "u3", BenefitID: "b1", UsedAt: t0, IdempotencyKey: "k1"})
	assert.ErrorIs(t, err, benefit.ErrDuplicateIdempotencyKey)

	recs, err := m.ListUsage(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "u1", recs[0].ID)

	last, err := m.LastUsage(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "u2", last.ID)

	// Removing frees the key
	require.NoError(t, m.RemoveUsage(ctx, "u1"))
	assert.ErrorIs(t, m.RemoveUsage(ctx, "u1"), benefit.ErrUsageNotFound)
	require.NoError(t, m.AppendUsage(ctx, earlier))

	_, err = m.LastUsage(ctx, "nobody")
	assert.ErrorIs(t, err, benefit.ErrUsageNotFound)
}

func TestMemory_StateAndFailureInjection(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	_, ok, err := m.GetState(ctx, "reconcile.last_success")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.PutState(ctx, "reconcile.last_success", "2026-03-04T10:00:00Z"))
	v, ok, err := m.GetState(ctx, "reconcile.last_success")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2026-03-04T10:00:00Z", v)

	boom := errors.New("boom")
	m.Fail = func(op string, _ benefit.ID) error {
		if op == "list" {
			return boom
		}
		return nil
	}
	_, err = m.ListBenefits(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestMemory_DeleteCascadesHistory(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seed(t, m, "b1")
	require.NoError(t, m.AppendUsage(ctx, benefit.UsageRecord{ID: "u1", BenefitID: "b1", IdempotencyKey: "k"}))

	m.Delete("b1")

	_, err := m.GetBenefit(ctx, "b1")
	assert.ErrorIs(t, err, benefit.ErrBenefitNotFound)
	recs, err := m.ListUsage(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}
