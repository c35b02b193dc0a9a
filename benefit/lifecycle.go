/*
lifecycle.go - Benefit state machine

STATES:
  available -> used       MarkUsed
  used      -> available  UndoMarkUsed (inside the undo window)
  any       -> available  ReconcilePeriod, once the period has elapsed
  available -> expired    ReconcilePeriod on a deactivated benefit

  "Reset pending" is never persisted: ReconcilePeriod resolves it in one
  call.

MULTI-PERIOD SKIP:
  If nothing ran for several periods, ReconcilePeriod jumps straight to the
  period containing now. It records at most ONE auto-expiration, for the
  period the benefit was last available in; the periods in between were
  never shown to the user and get no history.

PURITY:
  Nothing here performs I/O. Every operation mutates the record in place
  and returns an Effect listing the history entry to persist and the
  reminder handle to cancel.
*/
package benefit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/benefit-engine/calendar"
)

const (
	// DefaultReminderHour is the UTC hour at which reminders fire.
	DefaultReminderHour = 9

	// DefaultUndoWindow is the grace period for UndoMarkUsed.
	DefaultUndoWindow = 10 * time.Minute
)

// =============================================================================
// CONSTRUCTION & VALIDATION
// =============================================================================

// Initialize places a new benefit in the period containing now. Status
// defaults to available.
func Initialize(b *Benefit, now time.Time) {
	p := calendar.CurrentPeriod(b.Frequency, calendar.DayOf(now))
	b.CurrentPeriodStart = p.Start
	b.CurrentPeriodEnd = p.End
	b.NextResetDate = resetInstant(p)
	if b.Status == "" {
		b.Status = StatusAvailable
	}
}

// Validate checks the record invariants.
func Validate(b Benefit) error {
	switch {
	case b.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidBenefit)
	case b.Value.IsNegative():
		return fmt.Errorf("%w: value must be non-negative", ErrInvalidBenefit)
	case !b.Frequency.Valid():
		return fmt.Errorf("%w: unknown frequency %q", ErrInvalidBenefit, b.Frequency)
	case !b.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidBenefit, b.Status)
	case b.ReminderLeadDays < 0:
		return fmt.Errorf("%w: reminder lead days must be >= 0", ErrInvalidBenefit)
	case !b.Period().Valid():
		return fmt.Errorf("%w: %s", ErrInvalidPeriod, b.Period())
	}
	return nil
}

// =============================================================================
// USER-DRIVEN TRANSITIONS
// =============================================================================

// MarkUsed records a redemption of the full value for the current period.
func MarkUsed(b *Benefit, now time.Time) (Effect, error) {
	if b.Status != StatusAvailable {
		return Effect{}, &TransitionError{BenefitID: b.ID, Op: "mark used", From: b.Status}
	}

	rec := &UsageRecord{
		ID:             uuid.NewString(),
		BenefitID:      b.ID,
		PeriodStart:    b.CurrentPeriodStart,
		PeriodEnd:      b.CurrentPeriodEnd,
		ValueRedeemed:  b.Value,
		UsedAt:         now,
		IdempotencyKey: fmt.Sprintf("%s:%s:used:%d", b.ID, b.CurrentPeriodStart, now.UnixNano()),
	}

	b.Status = StatusUsed
	b.SnoozedUntil = nil

	return Effect{Changed: true, Append: rec, Release: clearReminder(b)}, nil
}

// UndoMarkUsed reverts MarkUsed while now - rec.UsedAt <= window. rec must
// be the manual usage entry for the benefit's current period.
func UndoMarkUsed(b *Benefit, rec UsageRecord, now time.Time, window time.Duration) (Effect, error) {
	if b.Status != StatusUsed ||
		rec.BenefitID != b.ID ||
		rec.WasAutoExpired ||
		!rec.PeriodStart.Equal(b.CurrentPeriodStart) {
		return Effect{}, &TransitionError{BenefitID: b.ID, Op: "undo", From: b.Status}
	}

	elapsed := now.Sub(rec.UsedAt)
	if elapsed > window {
		return Effect{}, &UndoWindowError{BenefitID: b.ID, UsedAt: rec.UsedAt, Window: window, Elapsed: elapsed}
	}

	b.Status = StatusAvailable
	removed := rec
	return Effect{Changed: true, Remove: &removed}, nil
}

// SnoozeReminder pushes the next reminder forward by days from the later of
// the current fire instant and now. The result never passes the reminder
// instant on the period's last day; once that instant has passed there is
// nothing left to snooze. Status is not touched.
func SnoozeReminder(b *Benefit, now time.Time, days int, reminderHour int) (Effect, error) {
	if days <= 0 {
		return Effect{}, ErrInvalidSnooze
	}
	if b.Status != StatusAvailable {
		return Effect{}, &TransitionError{BenefitID: b.ID, Op: "snooze", From: b.Status}
	}

	limit := b.CurrentPeriodEnd.At(reminderHour)
	if !limit.After(now) {
		return Effect{}, fmt.Errorf("%w: last reminder of the period has passed", ErrInvalidSnooze)
	}

	base := EffectiveFireAt(*b, reminderHour)
	if base.Before(now) {
		base = now
	}
	until := base.AddDate(0, 0, days)
	if until.After(limit) {
		until = limit
	}

	b.SnoozedUntil = &until
	return Effect{Changed: true}, nil
}

// ChangeFrequency applies an explicit frequency override. The benefit moves
// to the period of the new frequency that contains now; reminder state is
// dropped so the planner schedules afresh.
func ChangeFrequency(b *Benefit, freq calendar.Frequency, now time.Time) (Effect, error) {
	if !freq.Valid() {
		return Effect{}, fmt.Errorf("%w: unknown frequency %q", ErrInvalidBenefit, freq)
	}
	if freq == b.Frequency {
		return Effect{}, nil
	}

	b.Frequency = freq
	p := calendar.CurrentPeriod(freq, calendar.DayOf(now))
	b.CurrentPeriodStart = p.Start
	b.CurrentPeriodEnd = p.End
	b.NextResetDate = resetInstant(p)
	b.LastReminderFiredAt = nil
	b.SnoozedUntil = nil

	return Effect{Changed: true, Release: clearReminder(b)}, nil
}

// =============================================================================
// CALENDAR-DRIVEN TRANSITION
// =============================================================================

// PeriodElapsed reports whether now falls after the last day of the
// benefit's current period.
func PeriodElapsed(b Benefit, now time.Time) bool {
	return calendar.DayOf(now).After(b.CurrentPeriodEnd)
}

// ReconcilePeriod brings the record in line with now. Idempotent: a second
// call with the same now is a no-op.
func ReconcilePeriod(b *Benefit, now time.Time) Effect {
	today := calendar.DayOf(now)

	// Never placed in a period: initialize, no history.
	if b.CurrentPeriodStart.IsZero() || b.CurrentPeriodEnd.IsZero() {
		Initialize(b, now)
		return Effect{Changed: true}
	}

	if !today.After(b.CurrentPeriodEnd) {
		return Effect{}
	}
	if b.Deactivated && b.Status == StatusExpired {
		return Effect{}
	}

	eff := Effect{Changed: true}
	if b.Status == StatusAvailable {
		eff.Append = autoExpiration(*b)
	}
	eff.Release = clearReminder(b)
	b.LastReminderFiredAt = nil
	b.SnoozedUntil = nil

	if b.Deactivated {
		b.Status = StatusExpired
		return eff
	}

	p := calendar.CurrentPeriod(b.Frequency, today)
	b.Status = StatusAvailable
	b.CurrentPeriodStart = p.Start
	b.CurrentPeriodEnd = p.End
	b.NextResetDate = resetInstant(p)

	return eff
}

func autoExpiration(b Benefit) *UsageRecord {
	return &UsageRecord{
		ID:             uuid.NewString(),
		BenefitID:      b.ID,
		PeriodStart:    b.CurrentPeriodStart,
		PeriodEnd:      b.CurrentPeriodEnd,
		ValueRedeemed:  decimal.Zero,
		UsedAt:         resetInstant(b.Period()),
		WasAutoExpired: true,
		IdempotencyKey: fmt.Sprintf("%s:%s:expired", b.ID, b.CurrentPeriodStart),
	}
}

// =============================================================================
// REMINDER HELPERS
// =============================================================================

// EffectiveFireAt returns when the reminder for the current period should
// fire: ReminderLeadDays before the period end (never before its start) at
// reminderHour UTC, or the active snooze if that is later.
func EffectiveFireAt(b Benefit, reminderHour int) time.Time {
	day := b.CurrentPeriodEnd.AddDays(-b.ReminderLeadDays)
	if day.Before(b.CurrentPeriodStart) {
		day = b.CurrentPeriodStart
	}
	fire := day.At(reminderHour)
	if b.SnoozedUntil != nil && b.SnoozedUntil.After(fire) {
		fire = *b.SnoozedUntil
	}
	return fire
}

// DaysRemaining returns whole days from now's UTC day to the period end.
// Zero on the last day, negative once elapsed.
func DaysRemaining(b Benefit, now time.Time) int {
	return calendar.DaysBetween(calendar.DayOf(now), b.CurrentPeriodEnd)
}

// AlreadyFired reports whether the reminder for fireAt has been delivered.
func AlreadyFired(b Benefit, fireAt time.Time) bool {
	return b.LastReminderFiredAt != nil && !fireAt.After(*b.LastReminderFiredAt)
}

func clearReminder(b *Benefit) ReminderHandle {
	h := b.ScheduledReminderID
	b.ScheduledReminderID = ""
	b.ScheduledFireAt = nil
	return h
}

func resetInstant(p calendar.Period) time.Time {
	return p.End.AddDays(1).Time
}
