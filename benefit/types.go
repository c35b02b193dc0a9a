/*
Package benefit holds the benefit record and the lifecycle state machine.

PURPOSE:
  A Benefit is a recurring, capped-value perk (card credit, subscription
  allowance, coupon) that cycles through calendar periods. This package
  owns the record shape, the usage history entries, the storage contracts,
  and the ONLY code allowed to change status and period fields.

KEY CONCEPTS IN THIS FILE (types.go):
  - Benefit: The unit of scheduling
  - Status: available | used | expired
  - UsageRecord: One usage-history entry (manual use or auto-expiration)
  - Effect: What a lifecycle operation asks the caller to persist

DESIGN PRINCIPLES:
  1. Pure transitions: lifecycle.go does no I/O, callers persist the Effect
  2. Precision: values are decimal.Decimal, never float64
  3. UTC days: period fields are calendar.TimePoint

SEE ALSO:
  - lifecycle.go: State machine
  - store.go: Storage contracts
  - errors.go: Error taxonomy
*/
package benefit

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/benefit-engine/calendar"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ID string

// ReminderHandle is an opaque handle into the notification collaborator.
type ReminderHandle string

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusAvailable Status = "available"
	StatusUsed      Status = "used"
	StatusExpired   Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusAvailable || s == StatusUsed || s == StatusExpired
}

// Source identifies which kind of tracked item a benefit came from. It is
// informational only; the lifecycle treats every source the same.
type Source string

const (
	SourceCardPerk     Source = "card_perk"
	SourceSubscription Source = "subscription"
	SourceCoupon       Source = "coupon"
)

// =============================================================================
// BENEFIT
// =============================================================================

// Benefit is one recurring perk and its current cycle.
type Benefit struct {
	ID     ID
	Name   string
	Source Source
	Value  decimal.Decimal

	Frequency calendar.Frequency
	Status    Status

	CurrentPeriodStart calendar.TimePoint
	CurrentPeriodEnd   calendar.TimePoint

	// NextResetDate is the instant the benefit leaves its current period:
	// midnight UTC after CurrentPeriodEnd.
	NextResetDate time.Time

	ReminderEnabled  bool
	ReminderLeadDays int

	LastReminderFiredAt *time.Time
	ScheduledReminderID ReminderHandle
	ScheduledFireAt     *time.Time
	SnoozedUntil        *time.Time

	// Deactivated benefits expire at period end instead of resetting.
	Deactivated bool

	// Version is the optimistic concurrency token. Stores bump it on save.
	Version   int64
	UpdatedAt time.Time
}

// Period returns the current cycle as a calendar.Period.
func (b Benefit) Period() calendar.Period {
	return calendar.Period{Start: b.CurrentPeriodStart, End: b.CurrentPeriodEnd}
}

// HasReminder reports whether a reminder handle is stamped on the record.
func (b Benefit) HasReminder() bool {
	return b.ScheduledReminderID != ""
}

// Clone returns a deep copy; pointer fields are not shared.
func (b Benefit) Clone() Benefit {
	c := b
	c.LastReminderFiredAt = copyTime(b.LastReminderFiredAt)
	c.ScheduledFireAt = copyTime(b.ScheduledFireAt)
	c.SnoozedUntil = copyTime(b.SnoozedUntil)
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// =============================================================================
// USAGE HISTORY
// =============================================================================

// UsageRecord is an entry in a benefit's usage history. Auto-expirations are
// recorded with WasAutoExpired and a zero ValueRedeemed.
type UsageRecord struct {
	ID             string
	BenefitID      ID
	PeriodStart    calendar.TimePoint
	PeriodEnd      calendar.TimePoint
	ValueRedeemed  decimal.Decimal
	UsedAt         time.Time
	WasAutoExpired bool

	// IdempotencyKey is unique per (benefit, period, kind). A retried
	// reconciliation that re-appends the same auto-expiration is rejected
	// with ErrDuplicateIdempotencyKey.
	IdempotencyKey string
}

// =============================================================================
// EFFECT - What a transition asks the caller to do
// =============================================================================

// Effect describes the side effects of a lifecycle operation. The record
// itself is mutated in place; Effect lists what must happen outside it.
type Effect struct {
	Changed bool

	// Append is a usage-history entry to persist.
	Append *UsageRecord

	// Remove is a usage-history entry to delete.
	Remove *UsageRecord

	// Release is a reminder handle that was cleared from the record and must
	// be cancelled in the notification collaborator.
	Release ReminderHandle
}
