/*
planner.go - Admission planner

ALGORITHM:
  1. Eligible: available, reminders on, not deactivated,
     0 <= daysRemaining <= LookaheadDays, fire instant after now and not
     already fired.
  2. Score and rank (score.go).
  3. Admit the top Capacity as Desired; the rest are Deferred.
  4. Diff Desired against benefits holding a handle:
       desired, no handle            -> create
       desired, handle, same instant -> leave alone
       desired, handle, new instant  -> cancel + create (snooze)
       not desired, handle           -> cancel

IN FLIGHT:
  A held reminder whose fire instant has passed but has not been recorded
  as fired is awaiting delivery. It is left alone and still occupies a slot,
  so the collaborator never holds more than Capacity reminders.
*/
package reminder

import (
	"sort"
	"time"

	"github.com/warp/benefit-engine/benefit"
	"github.com/warp/benefit-engine/calendar"
	"github.com/warp/benefit-engine/notify"
)

// PlanInput is everything the planner looks at.
type PlanInput struct {
	Benefits      []benefit.Benefit
	Now           time.Time
	Capacity      int
	LookaheadDays int
	ReminderHour  int
}

// Create asks the caller to schedule a reminder. Payload.DaysRemaining is
// counted from the fire day, which is what the user sees.
type Create struct {
	BenefitID benefit.ID
	FireAt    time.Time
	Payload   notify.Payload
}

// Cancel asks the caller to cancel a reminder and clear it from the benefit.
type Cancel struct {
	BenefitID benefit.ID
	Handle    notify.Handle
}

// Plan is the planner's output. Capacity overflow shows up in Deferred and
// is never an error.
type Plan struct {
	Desired  []Candidate
	Deferred []Candidate
	InFlight []benefit.ID
	ToCreate []Create
	ToCancel []Cancel
}

// Empty reports whether applying the plan would change nothing.
func (p Plan) Empty() bool {
	return len(p.ToCreate) == 0 && len(p.ToCancel) == 0
}

// Planner computes admission plans.
type Planner struct {
	Weights Weights
}

func NewPlanner(w Weights) *Planner {
	return &Planner{Weights: w}
}

// =============================================================================
// CANDIDATES
// =============================================================================

// Candidate returns the scored candidate for b, or false if b is not
// eligible for a reminder at now.
func (p *Planner) Candidate(b benefit.Benefit, in PlanInput) (Candidate, bool) {
	if b.Status != benefit.StatusAvailable || !b.ReminderEnabled || b.Deactivated {
		return Candidate{}, false
	}

	days := benefit.DaysRemaining(b, in.Now)
	if days < 0 || days > in.LookaheadDays {
		return Candidate{}, false
	}

	fire := benefit.EffectiveFireAt(b, in.ReminderHour)
	if !fire.After(in.Now) || benefit.AlreadyFired(b, fire) {
		return Candidate{}, false
	}

	return Candidate{
		BenefitID:     b.ID,
		Name:          b.Name,
		Score:         p.Weights.Score(b.Value, days),
		PeriodEnd:     b.CurrentPeriodEnd,
		LeadDays:      b.ReminderLeadDays,
		DaysRemaining: days,
		Value:         b.Value,
		FireAt:        fire,
	}, true
}

// inFlight reports whether b holds a reminder that is past due but not yet
// recorded as fired.
func inFlight(b benefit.Benefit, now time.Time) bool {
	if !b.HasReminder() || b.ScheduledFireAt == nil {
		return false
	}
	return !b.ScheduledFireAt.After(now) && !benefit.AlreadyFired(b, *b.ScheduledFireAt)
}

// =============================================================================
// PLAN
// =============================================================================

// Plan ranks the eligible benefits, admits the top Capacity and diffs
// against currently held reminders.
func (p *Planner) Plan(in PlanInput) Plan {
	var plan Plan

	benefits := make([]benefit.Benefit, len(in.Benefits))
	copy(benefits, in.Benefits)
	sort.Slice(benefits, func(i, j int) bool { return benefits[i].ID < benefits[j].ID })

	held := make(map[benefit.ID]benefit.Benefit)
	var candidates []Candidate
	for _, b := range benefits {
		if b.HasReminder() {
			if inFlight(b, in.Now) {
				plan.InFlight = append(plan.InFlight, b.ID)
				continue
			}
			held[b.ID] = b
		}
		if c, ok := p.Candidate(b, in); ok {
			candidates = append(candidates, c)
		}
	}

	Rank(candidates)

	capacity := in.Capacity - len(plan.InFlight)
	if capacity < 0 {
		capacity = 0
	}
	if capacity > len(candidates) {
		capacity = len(candidates)
	}
	plan.Desired = candidates[:capacity]
	plan.Deferred = candidates[capacity:]

	desired := make(map[benefit.ID]bool, len(plan.Desired))
	for _, c := range plan.Desired {
		desired[c.BenefitID] = true

		b, ok := held[c.BenefitID]
		if ok && b.ScheduledFireAt != nil && b.ScheduledFireAt.Equal(c.FireAt) {
			continue
		}
		if ok {
			plan.ToCancel = append(plan.ToCancel, Cancel{BenefitID: b.ID, Handle: b.ScheduledReminderID})
		}
		plan.ToCreate = append(plan.ToCreate, Create{
			BenefitID: c.BenefitID,
			FireAt:    c.FireAt,
			Payload: notify.Payload{
				BenefitID:     c.BenefitID,
				Name:          c.Name,
				Value:         c.Value,
				DaysRemaining: calendar.DaysBetween(calendar.DayOf(c.FireAt), c.PeriodEnd),
				FireAt:        c.FireAt,
			},
		})
	}

	for _, b := range benefits {
		if _, ok := held[b.ID]; ok && !desired[b.ID] {
			plan.ToCancel = append(plan.ToCancel, Cancel{BenefitID: b.ID, Handle: b.ScheduledReminderID})
		}
	}

	return plan
}
