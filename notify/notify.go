/*
Package notify defines the notification collaborator contract.

PURPOSE:
  The engine never renders or delivers notifications. It asks a Center to
  hold one reminder per benefit, keyed by an opaque Handle, and reads the
  pending set back to detect drift (reminders delivered or dropped while
  the process was not running).

KEY CONCEPTS:
  - Center:    Schedule / Cancel / ListScheduled
  - Payload:   The data a renderer needs; no text composition here
  - Scheduled: One pending reminder as the Center reports it
  - Memory:    In-process Center with a hard platform ceiling

DELIVERY:
  Centers that deliver locally also implement Deliverer. Due removes and
  returns every reminder whose fire instant has passed.
*/
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/benefit-engine/benefit"
)

// Handle identifies a scheduled reminder.
type Handle = benefit.ReminderHandle

// DefaultCeiling is the platform's hard limit on pending reminders.
const DefaultCeiling = 64

var (
	// ErrCeilingReached is returned by Schedule when the Center is full.
	ErrCeilingReached = errors.New("notification ceiling reached")

	// ErrInvalidFireAt is returned when a reminder has no fire instant.
	ErrInvalidFireAt = errors.New("fire instant is required")
)

// Payload carries what a renderer needs to compose the reminder.
type Payload struct {
	BenefitID     benefit.ID      `json:"benefit_id"`
	Name          string          `json:"name,omitempty"`
	Value         decimal.Decimal `json:"value"`
	DaysRemaining int             `json:"days_remaining"`
	FireAt        time.Time       `json:"fire_at"`
}

// Scheduled is a pending reminder.
type Scheduled struct {
	Handle    Handle     `json:"handle"`
	BenefitID benefit.ID `json:"benefit_id"`
	FireAt    time.Time  `json:"fire_at"`
	Payload   Payload    `json:"payload"`
}

// Center is the notification collaborator.
type Center interface {
	// Schedule registers a reminder and returns its handle.
	Schedule(ctx context.Context, benefitID benefit.ID, fireAt time.Time, payload Payload) (Handle, error)

	// Cancel removes a reminder. Cancelling an unknown handle is not an error.
	Cancel(ctx context.Context, h Handle) error

	// ListScheduled returns every pending reminder, ordered by fire instant.
	ListScheduled(ctx context.Context) ([]Scheduled, error)
}

// Deliverer is implemented by Centers that deliver reminders locally.
type Deliverer interface {
	// Due removes and returns the reminders with FireAt <= now.
	Due(ctx context.Context, now time.Time) ([]Scheduled, error)
}
