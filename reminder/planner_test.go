package reminder_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/benefit-engine/benefit"
	"github.com/warp/benefit-engine/calendar"
	"github.com/warp/benefit-engine/reminder"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var now = time.Date(2026, time.January, 20, 12, 0, 0, 0, time.UTC)

func newBenefit(id string, value int64, freq calendar.Frequency, lead int) benefit.Benefit {
	b := benefit.Benefit{
		ID:               benefit.ID(id),
		Value:            decimal.NewFromInt(value),
		Frequency:        freq,
		ReminderEnabled:  true,
		ReminderLeadDays: lead,
	}
	benefit.Initialize(&b, now)
	return b
}

func input(bs ...benefit.Benefit) reminder.PlanInput {
	return reminder.PlanInput{
		Benefits:      bs,
		Now:           now,
		Capacity:      50,
		LookaheadDays: 45,
		ReminderHour:  9,
	}
}

func ids(cs []reminder.Candidate) []benefit.ID {
	out := make([]benefit.ID, len(cs))
	for i, c := range cs {
		out[i] = c.BenefitID
	}
	return out
}

// withHandle stamps b as if its reminder were scheduled at the desired instant.
func withHandle(b benefit.Benefit, h string) benefit.Benefit {
	fire := benefit.EffectiveFireAt(b, 9)
	b.ScheduledReminderID = benefit.ReminderHandle(h)
	b.ScheduledFireAt = &fire
	return b
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

func TestPlan_ConcreteScenarioFireDate(t *testing.T) {
	// GIVEN: monthly $15, period ends 2026-01-31, lead 7
	b := newBenefit("uber", 15, calendar.Monthly, 7)

	plan := reminder.NewPlanner(reminder.DefaultWeights()).Plan(input(b))

	// THEN: one reminder on 2026-01-24 at the reminder hour
	require.Len(t, plan.ToCreate, 1)
	c := plan.ToCreate[0]
	assert.Equal(t, time.Date(2026, time.January, 24, 9, 0, 0, 0, time.UTC), c.FireAt)
	assert.Equal(t, benefit.ID("uber"), c.Payload.BenefitID)
	assert.Equal(t, 7, c.Payload.DaysRemaining)
	assert.True(t, c.Payload.Value.Equal(decimal.NewFromInt(15)))
}

func TestPlan_Eligibility(t *testing.T) {
	planner := reminder.NewPlanner(reminder.DefaultWeights())

	used := newBenefit("used", 10, calendar.Monthly, 3)
	used.Status = benefit.StatusUsed

	off := newBenefit("off", 10, calendar.Monthly, 3)
	off.ReminderEnabled = false

	retired := newBenefit("retired", 10, calendar.Monthly, 3)
	retired.Deactivated = true

	// Annual period ends 2026-12-31: far outside the 45 day lookahead
	far := newBenefit("far", 500, calendar.Annual, 7)

	// Lead 30 clamps to period start, which is already behind now
	past := newBenefit("past", 10, calendar.Monthly, 30)

	fired := newBenefit("fired", 10, calendar.Monthly, 3)
	f := benefit.EffectiveFireAt(fired, 9)
	fired.LastReminderFiredAt = &f

	ok := newBenefit("ok", 10, calendar.Monthly, 3)

	plan := planner.Plan(input(used, off, retired, far, past, fired, ok))

	assert.Equal(t, []benefit.ID{"ok"}, ids(plan.Desired))
	assert.Empty(t, plan.Deferred)
}

// =============================================================================
// ADMISSION CAP
// =============================================================================

func TestPlan_AdmissionCap(t *testing.T) {
	// GIVEN: 100 eligible candidates with varied value and lead
	var bs []benefit.Benefit
	for i := 0; i < 100; i++ {
		bs = append(bs, newBenefit(fmt.Sprintf("b%03d", i), int64((i*37)%400), calendar.Monthly, i%10))
	}

	plan := reminder.NewPlanner(reminder.DefaultWeights()).Plan(input(bs...))

	// THEN: exactly 50 admitted, every admitted score >= every excluded score
	require.Len(t, plan.Desired, 50)
	require.Len(t, plan.Deferred, 50)
	assert.Len(t, plan.ToCreate, 50)

	minAdmitted := plan.Desired[len(plan.Desired)-1].Score
	for _, d := range plan.Desired {
		assert.True(t, d.Score.GreaterThanOrEqual(minAdmitted))
	}
	for _, x := range plan.Deferred {
		assert.True(t, minAdmitted.GreaterThanOrEqual(x.Score),
			"deferred %s scored %s above admitted minimum %s", x.BenefitID, x.Score, minAdmitted)
	}
}

func TestPlan_Deterministic(t *testing.T) {
	var bs []benefit.Benefit
	for i := 0; i < 30; i++ {
		bs = append(bs, newBenefit(fmt.Sprintf("b%02d", i), 25, calendar.Monthly, 4))
	}
	in := input(bs...)
	in.Capacity = 10
	planner := reminder.NewPlanner(reminder.DefaultWeights())

	first := planner.Plan(in)

	// Reverse the input order
	rev := make([]benefit.Benefit, len(bs))
	for i, b := range bs {
		rev[len(bs)-1-i] = b
	}
	in.Benefits = rev
	second := planner.Plan(in)

	assert.Equal(t, ids(first.Desired), ids(second.Desired))
	assert.Equal(t, benefit.ID("b00"), first.Desired[0].BenefitID)
}

func TestPlan_ZeroCapacityIsNotAnError(t *testing.T) {
	in := input(newBenefit("a", 10, calendar.Monthly, 3))
	in.Capacity = 0

	plan := reminder.NewPlanner(reminder.DefaultWeights()).Plan(in)

	assert.Empty(t, plan.Desired)
	assert.Len(t, plan.Deferred, 1)
	assert.True(t, plan.Empty())
}

// =============================================================================
// DIFF
// =============================================================================

func TestPlan_UnchangedReminderIsLeftAlone(t *testing.T) {
	b := withHandle(newBenefit("a", 10, calendar.Monthly, 3), "h-a")

	plan := reminder.NewPlanner(reminder.DefaultWeights()).Plan(input(b))

	assert.Equal(t, []benefit.ID{"a"}, ids(plan.Desired))
	assert.True(t, plan.Empty(), "no spurious re-create")
}

func TestPlan_DroppedCandidateIsCancelled(t *testing.T) {
	// GIVEN: a low-value benefit holds a reminder, capacity 1, a more
	// urgent benefit appears
	low := withHandle(newBenefit("low", 5, calendar.Monthly, 3), "h-low")
	urgent := newBenefit("urgent", 5, calendar.Monthly, 1)
	urgent.CurrentPeriodStart = calendar.NewTimePoint(2026, time.January, 1)
	urgent.CurrentPeriodEnd = calendar.NewTimePoint(2026, time.January, 22)

	in := input(low, urgent)
	in.Capacity = 1
	plan := reminder.NewPlanner(reminder.DefaultWeights()).Plan(in)

	// THEN: the held reminder is cancelled and the urgent one created
	assert.Equal(t, []benefit.ID{"urgent"}, ids(plan.Desired))
	require.Len(t, plan.ToCancel, 1)
	assert.Equal(t, benefit.ReminderHandle("h-low"), plan.ToCancel[0].Handle)
	require.Len(t, plan.ToCreate, 1)
	assert.Equal(t, benefit.ID("urgent"), plan.ToCreate[0].BenefitID)
}

func TestPlan_IneligibleHolderIsCancelled(t *testing.T) {
	b := withHandle(newBenefit("a", 10, calendar.Monthly, 3), "h-a")
	b.ReminderEnabled = false

	plan := reminder.NewPlanner(reminder.DefaultWeights()).Plan(input(b))

	require.Len(t, plan.ToCancel, 1)
	assert.Empty(t, plan.ToCreate)
}

func TestPlan_SnoozeReschedules(t *testing.T) {
	b := withHandle(newBenefit("a", 10, calendar.Monthly, 7), "h-a")
	_, err := benefit.SnoozeReminder(&b, now, 2, 9)
	require.NoError(t, err)

	plan := reminder.NewPlanner(reminder.DefaultWeights()).Plan(input(b))

	// THEN: cancel the old handle, create at the snoozed instant
	require.Len(t, plan.ToCancel, 1)
	assert.Equal(t, benefit.ReminderHandle("h-a"), plan.ToCancel[0].Handle)
	require.Len(t, plan.ToCreate, 1)
	assert.Equal(t, time.Date(2026, time.January, 26, 9, 0, 0, 0, time.UTC), plan.ToCreate[0].FireAt)
}

func TestPlan_InFlightReminderKeepsItsSlot(t *testing.T) {
	// GIVEN: a reminder that was due an hour ago and has not been delivered
	a := newBenefit("a", 10, calendar.Monthly, 11)
	due := now.Add(-time.Hour)
	a.ScheduledReminderID = "h-a"
	a.ScheduledFireAt = &due

	b := newBenefit("b", 10, calendar.Monthly, 3)

	in := input(a, b)
	in.Capacity = 1
	plan := reminder.NewPlanner(reminder.DefaultWeights()).Plan(in)

	// THEN: nothing is cancelled and no new reminder fits
	assert.Equal(t, []benefit.ID{"a"}, plan.InFlight)
	assert.Empty(t, plan.ToCancel)
	assert.Empty(t, plan.ToCreate)
	assert.Equal(t, []benefit.ID{"b"}, ids(plan.Deferred))
}
