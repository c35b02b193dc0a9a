/*
Package reminder ranks reminder candidates and plans admission under a cap.

PURPOSE:
  The notification platform holds a limited number of pending reminders.
  The scorer turns each eligible benefit into a Candidate with a priority
  score; the planner admits the best Capacity candidates and diffs them
  against what is currently scheduled.

SCORE:
  score = value/ValueDivisor + max(0, UrgencyWindowDays - daysRemaining) * UrgencyWeight

  Value alone must not dominate: a $15 benefit expiring tomorrow outranks a
  $200 benefit expiring in three weeks. The constants are tunable; only
  monotonicity in daysRemaining is load-bearing.

TOTAL ORDER:
  higher score, then fewer daysRemaining, then higher value, then lower
  benefit ID. Planner output is therefore deterministic.

PURITY:
  No I/O, no clock. Same inputs => same plan.
*/
package reminder

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/benefit-engine/benefit"
	"github.com/warp/benefit-engine/calendar"
)

// =============================================================================
// WEIGHTS
// =============================================================================

// Weights are the tunable scoring constants.
type Weights struct {
	ValueDivisor      decimal.Decimal
	UrgencyWindowDays int
	UrgencyWeight     decimal.Decimal
}

// DefaultWeights returns the reference constants: 100 / 14 / 2.
func DefaultWeights() Weights {
	return Weights{
		ValueDivisor:      decimal.NewFromInt(100),
		UrgencyWindowDays: 14,
		UrgencyWeight:     decimal.NewFromInt(2),
	}
}

// Score computes the priority of a benefit worth value with daysRemaining
// whole days left. A non-positive divisor drops the value term.
func (w Weights) Score(value decimal.Decimal, daysRemaining int) decimal.Decimal {
	score := decimal.Zero
	if w.ValueDivisor.IsPositive() {
		score = value.Div(w.ValueDivisor)
	}
	if urgency := w.UrgencyWindowDays - daysRemaining; urgency > 0 {
		score = score.Add(decimal.NewFromInt(int64(urgency)).Mul(w.UrgencyWeight))
	}
	return score
}

// =============================================================================
// CANDIDATE
// =============================================================================

// Candidate is an eligible benefit with its computed priority.
type Candidate struct {
	BenefitID     benefit.ID
	Name          string
	Score         decimal.Decimal
	PeriodEnd     calendar.TimePoint
	LeadDays      int
	DaysRemaining int
	Value         decimal.Decimal
	FireAt        time.Time
}

// Ranks reports whether a sorts before b in the total order.
func Ranks(a, b Candidate) bool {
	if c := a.Score.Cmp(b.Score); c != 0 {
		return c > 0
	}
	if a.DaysRemaining != b.DaysRemaining {
		return a.DaysRemaining < b.DaysRemaining
	}
	if c := a.Value.Cmp(b.Value); c != 0 {
		return c > 0
	}
	return a.BenefitID < b.BenefitID
}

// Rank sorts candidates best first.
func Rank(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool { return Ranks(cs[i], cs[j]) })
}
