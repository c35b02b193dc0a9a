package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/benefit-engine/benefit"
	"github.com/warp/benefit-engine/notify"
)

func TestMemory_ScheduleListCancel(t *testing.T) {
	ctx := context.Background()
	c := notify.NewMemory(0)
	t0 := time.Date(2026, time.January, 24, 9, 0, 0, 0, time.UTC)

	late, err := c.Schedule(ctx, "b", t0.Add(48*time.Hour), notify.Payload{BenefitID: "b"})
	require.NoError(t, err)
	early, err := c.Schedule(ctx, "a", t0, notify.Payload{BenefitID: "a"})
	require.NoError(t, err)

	list, err := c.ListScheduled(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, early, list[0].Handle)
	assert.Equal(t, benefit.ID("a"), list[0].BenefitID)

	require.NoError(t, c.Cancel(ctx, late))
	require.NoError(t, c.Cancel(ctx, late), "cancel is idempotent")
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.CancelCalls)
}

func TestMemory_CeilingIsHard(t *testing.T) {
	ctx := context.Background()
	c := notify.NewMemory(3)
	fire := time.Date(2026, time.January, 24, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := c.Schedule(ctx, benefit.ID(rune('a'+i)), fire, notify.Payload{})
		require.NoError(t, err)
	}

	_, err := c.Schedule(ctx, "d", fire, notify.Payload{})
	assert.ErrorIs(t, err, notify.ErrCeilingReached)

	_, err = c.Schedule(ctx, "e", time.Time{}, notify.Payload{})
	assert.ErrorIs(t, err, notify.ErrInvalidFireAt)
}

func TestMemory_DueRemovesDeliveredReminders(t *testing.T) {
	ctx := context.Background()
	c := notify.NewMemory(0)
	now := time.Date(2026, time.January, 24, 9, 0, 0, 0, time.UTC)

	_, err := c.Schedule(ctx, "past", now.Add(-time.Minute), notify.Payload{})
	require.NoError(t, err)
	_, err = c.Schedule(ctx, "exact", now, notify.Payload{})
	require.NoError(t, err)
	_, err = c.Schedule(ctx, "future", now.Add(time.Minute), notify.Payload{})
	require.NoError(t, err)

	due, err := c.Due(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, benefit.ID("past"), due[0].BenefitID)
	assert.Equal(t, benefit.ID("exact"), due[1].BenefitID)
	assert.Equal(t, 1, c.Len())
}
