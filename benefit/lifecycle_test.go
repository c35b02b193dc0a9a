package benefit_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/benefit-engine/benefit"
	"github.com/warp/benefit-engine/calendar"
)

func at(year int, month time.Month, day, hour int) time.Time {
	return time.Date(year, month, day, hour, 0, 0, 0, time.UTC)
}

func monthlyBenefit(t *testing.T, now time.Time) *benefit.Benefit {
	t.Helper()
	b := &benefit.Benefit{
		ID:               "amex-uber",
		Name:             "Uber Cash",
		Source:           benefit.SourceCardPerk,
		Value:            decimal.NewFromInt(15),
		Frequency:        calendar.Monthly,
		ReminderEnabled:  true,
		ReminderLeadDays: 7,
	}
	benefit.Initialize(b, now)
	require.NoError(t, benefit.Validate(*b))
	return b
}

// =============================================================================
// INITIALIZE & VALIDATE
// =============================================================================

func TestInitialize_PlacesBenefitInCurrentPeriod(t *testing.T) {
	b := monthlyBenefit(t, at(2026, time.January, 20, 15))

	assert.Equal(t, "2026-01-01", b.CurrentPeriodStart.String())
	assert.Equal(t, "2026-01-31", b.CurrentPeriodEnd.String())
	assert.Equal(t, at(2026, time.February, 1, 0), b.NextResetDate)
	assert.Equal(t, benefit.StatusAvailable, b.Status)
}

func TestValidate_RejectsBadRecords(t *testing.T) {
	good := *monthlyBenefit(t, at(2026, time.March, 3, 0))

	cases := map[string]func(b *benefit.Benefit){
		"missing id":     func(b *benefit.Benefit) { b.ID = "" },
		"negative value": func(b *benefit.Benefit) { b.Value = decimal.NewFromInt(-1) },
		"bad frequency":  func(b *benefit.Benefit) { b.Frequency = "weekly" },
		"bad status":     func(b *benefit.Benefit) { b.Status = "pending" },
		"negative lead":  func(b *benefit.Benefit) { b.ReminderLeadDays = -2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			b := good.Clone()
			mutate(&b)
			assert.ErrorIs(t, benefit.Validate(b), benefit.ErrInvalidBenefit)
		})
	}

	t.Run("inverted period", func(t *testing.T) {
		b := good.Clone()
		b.CurrentPeriodEnd = b.CurrentPeriodStart.AddDays(-1)
		assert.ErrorIs(t, benefit.Validate(b), benefit.ErrInvalidPeriod)
	})
}

// =============================================================================
// MARK USED / UNDO
// =============================================================================

func TestMarkUsed(t *testing.T) {
	now := at(2026, time.January, 10, 12)
	b := monthlyBenefit(t, now)
	b.ScheduledReminderID = "r-1"
	fire := at(2026, time.January, 24, 9)
	b.ScheduledFireAt = &fire

	// WHEN: marked used
	eff, err := benefit.MarkUsed(b, now)

	// THEN: status flips, the full value is redeemed, the reminder is released
	require.NoError(t, err)
	assert.True(t, eff.Changed)
	assert.Equal(t, benefit.StatusUsed, b.Status)
	assert.Equal(t, benefit.ReminderHandle("r-1"), eff.Release)
	assert.False(t, b.HasReminder())
	assert.Nil(t, b.ScheduledFireAt)

	require.NotNil(t, eff.Append)
	assert.True(t, eff.Append.ValueRedeemed.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, now, eff.Append.UsedAt)
	assert.False(t, eff.Append.WasAutoExpired)
	assert.Equal(t, b.CurrentPeriodStart, eff.Append.PeriodStart)

	// AND: a second use is refused
	_, err = benefit.MarkUsed(b, now)
	assert.ErrorIs(t, err, benefit.ErrInvalidTransition)

	var te *benefit.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, benefit.StatusUsed, te.From)
}

func TestUndoMarkUsed_WindowBoundaries(t *testing.T) {
	usedAt := at(2026, time.January, 10, 12)
	window := benefit.DefaultUndoWindow

	t.Run("one second inside the window", func(t *testing.T) {
		b := monthlyBenefit(t, usedAt)
		eff, err := benefit.MarkUsed(b, usedAt)
		require.NoError(t, err)

		undo, err := benefit.UndoMarkUsed(b, *eff.Append, usedAt.Add(window-time.Second), window)

		require.NoError(t, err)
		assert.Equal(t, benefit.StatusAvailable, b.Status)
		require.NotNil(t, undo.Remove)
		assert.Equal(t, eff.Append.ID, undo.Remove.ID)
	})

	t.Run("exactly at the window", func(t *testing.T) {
		b := monthlyBenefit(t, usedAt)
		eff, err := benefit.MarkUsed(b, usedAt)
		require.NoError(t, err)

		_, err = benefit.UndoMarkUsed(b, *eff.Append, usedAt.Add(window), window)
		assert.NoError(t, err)
	})

	t.Run("one second past the window", func(t *testing.T) {
		b := monthlyBenefit(t, usedAt)
		eff, err := benefit.MarkUsed(b, usedAt)
		require.NoError(t, err)

		_, err = benefit.UndoMarkUsed(b, *eff.Append, usedAt.Add(window+time.Second), window)

		assert.ErrorIs(t, err, benefit.ErrUndoWindowExpired)
		assert.Equal(t, benefit.StatusUsed, b.Status)
	})
}

func TestUndoMarkUsed_RejectsAutoExpirationAndForeignRecords(t *testing.T) {
	now := at(2026, time.January, 10, 12)
	b := monthlyBenefit(t, now)
	eff, err := benefit.MarkUsed(b, now)
	require.NoError(t, err)

	auto := *eff.Append
	auto.WasAutoExpired = true
	_, err = benefit.UndoMarkUsed(b, auto, now, time.Minute)
	assert.ErrorIs(t, err, benefit.ErrInvalidTransition)

	foreign := *eff.Append
	foreign.BenefitID = "someone-else"
	_, err = benefit.UndoMarkUsed(b, foreign, now, time.Minute)
	assert.ErrorIs(t, err, benefit.ErrInvalidTransition)
}

// =============================================================================
// RECONCILE PERIOD
// =============================================================================

func TestReconcilePeriod_NoOpInsidePeriod(t *testing.T) {
	b := monthlyBenefit(t, at(2026, time.January, 2, 0))
	before := b.Clone()

	// Last second of the last day is still inside the period.
	eff := benefit.ReconcilePeriod(b, time.Date(2026, time.January, 31, 23, 59, 59, 0, time.UTC))

	assert.False(t, eff.Changed)
	assert.Nil(t, eff.Append)
	assert.Equal(t, before, *b)
}

func TestReconcilePeriod_JanuaryToFebruaryScenario(t *testing.T) {
	// GIVEN: a monthly $15 benefit ending 2026-01-31 with a 7 day lead
	b := monthlyBenefit(t, at(2026, time.January, 20, 0))

	// THEN: the reminder is due on 2026-01-24
	fire := benefit.EffectiveFireAt(*b, benefit.DefaultReminderHour)
	assert.Equal(t, "2026-01-24", calendar.DayOf(fire).String())

	// WHEN: reconciled on 2026-02-02, unused
	eff := benefit.ReconcilePeriod(b, at(2026, time.February, 2, 8))

	// THEN: available in February with one auto-expiration for January
	assert.True(t, eff.Changed)
	assert.Equal(t, benefit.StatusAvailable, b.Status)
	assert.Equal(t, "2026-02-01", b.CurrentPeriodStart.String())
	assert.Equal(t, "2026-02-28", b.CurrentPeriodEnd.String())

	require.NotNil(t, eff.Append)
	assert.True(t, eff.Append.WasAutoExpired)
	assert.True(t, eff.Append.ValueRedeemed.IsZero())
	assert.Equal(t, "2026-01-01", eff.Append.PeriodStart.String())
	assert.Equal(t, "2026-01-31", eff.Append.PeriodEnd.String())
	assert.Equal(t, at(2026, time.February, 1, 0), eff.Append.UsedAt)
}

func TestReconcilePeriod_Idempotent(t *testing.T) {
	b := monthlyBenefit(t, at(2026, time.January, 20, 0))
	now := at(2026, time.February, 2, 8)

	first := benefit.ReconcilePeriod(b, now)
	snapshot := b.Clone()
	second := benefit.ReconcilePeriod(b, now)

	assert.True(t, first.Changed)
	assert.False(t, second.Changed)
	assert.Nil(t, second.Append)
	assert.Empty(t, second.Release)
	assert.Equal(t, snapshot, *b)
}

func TestReconcilePeriod_MultiPeriodSkip(t *testing.T) {
	// GIVEN: nobody opened the app from January to mid-April
	b := monthlyBenefit(t, at(2026, time.January, 5, 0))

	// WHEN: reconciled in April
	eff := benefit.ReconcilePeriod(b, at(2026, time.April, 15, 10))

	// THEN: one auto-expiration for January, benefit lands in April
	require.NotNil(t, eff.Append)
	assert.Equal(t, "2026-01-01", eff.Append.PeriodStart.String())
	assert.Equal(t, "2026-04-01", b.CurrentPeriodStart.String())
	assert.Equal(t, "2026-04-30", b.CurrentPeriodEnd.String())
}

func TestReconcilePeriod_UsedBenefitResetsWithoutHistory(t *testing.T) {
	b := monthlyBenefit(t, at(2026, time.January, 5, 0))
	_, err := benefit.MarkUsed(b, at(2026, time.January, 6, 0))
	require.NoError(t, err)

	eff := benefit.ReconcilePeriod(b, at(2026, time.February, 1, 0))

	assert.True(t, eff.Changed)
	assert.Nil(t, eff.Append)
	assert.Equal(t, benefit.StatusAvailable, b.Status)
}

func TestReconcilePeriod_ClearsReminderState(t *testing.T) {
	b := monthlyBenefit(t, at(2026, time.January, 5, 0))
	fired := at(2026, time.January, 24, 9)
	snooze := at(2026, time.January, 27, 9)
	b.LastReminderFiredAt = &fired
	b.SnoozedUntil = &snooze
	b.ScheduledReminderID = "r-9"
	b.ScheduledFireAt = &snooze

	eff := benefit.ReconcilePeriod(b, at(2026, time.February, 1, 0))

	assert.Equal(t, benefit.ReminderHandle("r-9"), eff.Release)
	assert.Nil(t, b.LastReminderFiredAt)
	assert.Nil(t, b.SnoozedUntil)
	assert.Nil(t, b.ScheduledFireAt)
	assert.False(t, b.HasReminder())
}

func TestReconcilePeriod_AutoExpirationKeyIsStable(t *testing.T) {
	a := monthlyBenefit(t, at(2026, time.January, 5, 0))
	b := a.Clone()

	effA := benefit.ReconcilePeriod(a, at(2026, time.February, 1, 0))
	effB := benefit.ReconcilePeriod(&b, at(2026, time.March, 9, 0))

	// Two retries of the same stale period agree on the key
	require.NotNil(t, effA.Append)
	require.NotNil(t, effB.Append)
	assert.Equal(t, effA.Append.IdempotencyKey, effB.Append.IdempotencyKey)
	assert.NotEqual(t, effA.Append.ID, effB.Append.ID)
}

func TestReconcilePeriod_Deactivated(t *testing.T) {
	b := monthlyBenefit(t, at(2026, time.January, 5, 0))
	b.Deactivated = true

	// WHEN: the period elapses
	eff := benefit.ReconcilePeriod(b, at(2026, time.February, 3, 0))

	// THEN: expires in place, history still recorded
	assert.Equal(t, benefit.StatusExpired, b.Status)
	assert.Equal(t, "2026-01-31", b.CurrentPeriodEnd.String())
	require.NotNil(t, eff.Append)

	// AND: further passes do nothing
	again := benefit.ReconcilePeriod(b, at(2026, time.May, 3, 0))
	assert.False(t, again.Changed)

	// AND: reactivation resets on the next pass without new history
	b.Deactivated = false
	back := benefit.ReconcilePeriod(b, at(2026, time.May, 3, 0))
	assert.True(t, back.Changed)
	assert.Nil(t, back.Append)
	assert.Equal(t, benefit.StatusAvailable, b.Status)
	assert.Equal(t, "2026-05-01", b.CurrentPeriodStart.String())
}

func TestReconcilePeriod_InitializesZeroPeriod(t *testing.T) {
	b := &benefit.Benefit{ID: "x", Frequency: calendar.Quarterly, Value: decimal.NewFromInt(50)}

	eff := benefit.ReconcilePeriod(b, at(2026, time.August, 14, 0))

	assert.True(t, eff.Changed)
	assert.Nil(t, eff.Append)
	assert.Equal(t, "2026-07-01", b.CurrentPeriodStart.String())
	assert.Equal(t, "2026-09-30", b.CurrentPeriodEnd.String())
}

// =============================================================================
// SNOOZE
// =============================================================================

func TestSnoozeReminder(t *testing.T) {
	now := at(2026, time.January, 24, 9)
	b := monthlyBenefit(t, now)

	// WHEN: snoozed 3 days from the fire instant
	eff, err := benefit.SnoozeReminder(b, now, 3, benefit.DefaultReminderHour)

	// THEN: next fire moves to the 27th, status untouched
	require.NoError(t, err)
	assert.True(t, eff.Changed)
	assert.Equal(t, benefit.StatusAvailable, b.Status)
	require.NotNil(t, b.SnoozedUntil)
	assert.Equal(t, at(2026, time.January, 27, 9), *b.SnoozedUntil)
	assert.Equal(t, at(2026, time.January, 27, 9), benefit.EffectiveFireAt(*b, benefit.DefaultReminderHour))
}

func TestSnoozeReminder_CappedAtPeriodEnd(t *testing.T) {
	now := at(2026, time.January, 29, 14)
	b := monthlyBenefit(t, now)

	_, err := benefit.SnoozeReminder(b, now, 30, benefit.DefaultReminderHour)

	require.NoError(t, err)
	assert.Equal(t, at(2026, time.January, 31, 9), *b.SnoozedUntil)
}

func TestSnoozeReminder_Rejections(t *testing.T) {
	now := at(2026, time.January, 20, 9)

	b := monthlyBenefit(t, now)
	_, err := benefit.SnoozeReminder(b, now, 0, benefit.DefaultReminderHour)
	assert.ErrorIs(t, err, benefit.ErrInvalidSnooze)
	assert.True(t, benefit.IsClientError(err))

	_, err = benefit.MarkUsed(b, now)
	require.NoError(t, err)
	_, err = benefit.SnoozeReminder(b, now, 2, benefit.DefaultReminderHour)
	assert.ErrorIs(t, err, benefit.ErrInvalidTransition)
}

func TestSnoozeReminder_AfterLastReminderOfPeriod(t *testing.T) {
	// GIVEN: The last day of the period, past the reminder hour
	b := monthlyBenefit(t, at(2026, time.January, 20, 9))
	now := at(2026, time.January, 31, 10)

	// WHEN: Snoozed
	eff, err := benefit.SnoozeReminder(b, now, 1, benefit.DefaultReminderHour)

	// THEN: Refused, record untouched
	assert.ErrorIs(t, err, benefit.ErrInvalidSnooze)
	assert.False(t, eff.Changed)
	assert.Nil(t, b.SnoozedUntil)

	// AND: One hour earlier the snooze is capped but accepted
	eff, err = benefit.SnoozeReminder(b, at(2026, time.January, 31, 8), 1, benefit.DefaultReminderHour)
	require.NoError(t, err)
	assert.True(t, eff.Changed)
	assert.True(t, b.SnoozedUntil.Equal(at(2026, time.January, 31, 9)))
}

// =============================================================================
// CHANGE FREQUENCY
// =============================================================================

func TestChangeFrequency(t *testing.T) {
	now := at(2026, time.May, 10, 0)
	b := monthlyBenefit(t, now)
	b.ScheduledReminderID = "r-2"

	eff, err := benefit.ChangeFrequency(b, calendar.SemiAnnual, now)

	require.NoError(t, err)
	assert.True(t, eff.Changed)
	assert.Equal(t, benefit.ReminderHandle("r-2"), eff.Release)
	assert.Equal(t, "2026-01-01", b.CurrentPeriodStart.String())
	assert.Equal(t, "2026-06-30", b.CurrentPeriodEnd.String())

	// Same frequency is a no-op
	same, err := benefit.ChangeFrequency(b, calendar.SemiAnnual, now)
	require.NoError(t, err)
	assert.False(t, same.Changed)

	_, err = benefit.ChangeFrequency(b, "fortnightly", now)
	assert.ErrorIs(t, err, benefit.ErrInvalidBenefit)
}

// =============================================================================
// REMINDER HELPERS
// =============================================================================

func TestEffectiveFireAt_ClampedToPeriodStart(t *testing.T) {
	b := monthlyBenefit(t, at(2026, time.February, 3, 0))
	b.ReminderLeadDays = 60

	assert.Equal(t, at(2026, time.February, 1, 9), benefit.EffectiveFireAt(*b, 9))
}

func TestDaysRemainingAndAlreadyFired(t *testing.T) {
	b := monthlyBenefit(t, at(2026, time.January, 20, 0))

	assert.Equal(t, 11, benefit.DaysRemaining(*b, at(2026, time.January, 20, 23)))
	assert.Equal(t, 0, benefit.DaysRemaining(*b, at(2026, time.January, 31, 1)))

	fire := at(2026, time.January, 24, 9)
	assert.False(t, benefit.AlreadyFired(*b, fire))
	b.LastReminderFiredAt = &fire
	assert.True(t, benefit.AlreadyFired(*b, fire))
	assert.False(t, benefit.AlreadyFired(*b, fire.Add(time.Hour)))
}

func TestCollaboratorError_MatchesBothSentinelAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := benefit.StorageError("save benefit", cause)

	assert.ErrorIs(t, err, benefit.ErrCollaboratorUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.True(t, benefit.IsRetryable(err))
	assert.False(t, benefit.IsClientError(err))
	assert.Nil(t, benefit.StorageError("noop", nil))
}
