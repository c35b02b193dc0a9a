/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the benefit record from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Benefits:
    BenefitDTO, UsageDTO
    Creation takes a factory.SourceJSON body directly

  Actions:
    SnoozeRequest, FrequencyRequest, NotificationActionRequest

  Reconciliation:
    ReconcileResponse, ReconcileStatusResponse

FORMATS:
  Money is a decimal string ("15.50"). Days are YYYY-MM-DD. Instants are
  RFC3339 in UTC.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/benefit.go: SourceJSON
*/
package api

import (
	"time"

	"github.com/warp/benefit-engine/benefit"
	"github.com/warp/benefit-engine/reconcile"
)

// =============================================================================
// BENEFITS
// =============================================================================

// BenefitDTO represents a benefit in API responses.
type BenefitDTO struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Source              string     `json:"source,omitempty"`
	Value               string     `json:"value"`
	Frequency           string     `json:"frequency"`
	Status              string     `json:"status"`
	PeriodStart         string     `json:"period_start"`
	PeriodEnd           string     `json:"period_end"`
	NextResetDate       time.Time  `json:"next_reset_date"`
	DaysRemaining       int        `json:"days_remaining"`
	ReminderEnabled     bool       `json:"reminder_enabled"`
	ReminderLeadDays    int        `json:"reminder_lead_days"`
	ScheduledReminderID string     `json:"scheduled_reminder_id,omitempty"`
	ScheduledFireAt     *time.Time `json:"scheduled_fire_at,omitempty"`
	LastReminderFiredAt *time.Time `json:"last_reminder_fired_at,omitempty"`
	SnoozedUntil        *time.Time `json:"snoozed_until,omitempty"`
	Deactivated         bool       `json:"deactivated,omitempty"`
	Version             int64      `json:"version"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// UsageDTO represents a usage-history entry.
type UsageDTO struct {
	ID             string    `json:"id"`
	BenefitID      string    `json:"benefit_id"`
	PeriodStart    string    `json:"period_start"`
	PeriodEnd      string    `json:"period_end"`
	ValueRedeemed  string    `json:"value_redeemed"`
	UsedAt         time.Time `json:"used_at"`
	WasAutoExpired bool      `json:"was_auto_expired"`
}

func toBenefitDTO(b benefit.Benefit, now time.Time) BenefitDTO {
	return BenefitDTO{
		ID:                  string(b.ID),
		Name:                b.Name,
		Source:              string(b.Source),
		Value:               b.Value.StringFixed(2),
		Frequency:           string(b.Frequency),
		Status:              string(b.Status),
		PeriodStart:         b.CurrentPeriodStart.String(),
		PeriodEnd:           b.CurrentPeriodEnd.String(),
		NextResetDate:       b.NextResetDate,
		DaysRemaining:       benefit.DaysRemaining(b, now),
		ReminderEnabled:     b.ReminderEnabled,
		ReminderLeadDays:    b.ReminderLeadDays,
		ScheduledReminderID: string(b.ScheduledReminderID),
		ScheduledFireAt:     b.ScheduledFireAt,
		LastReminderFiredAt: b.LastReminderFiredAt,
		SnoozedUntil:        b.SnoozedUntil,
		Deactivated:         b.Deactivated,
		Version:             b.Version,
		UpdatedAt:           b.UpdatedAt,
	}
}

func toUsageDTOs(recs []benefit.UsageRecord) []UsageDTO {
	out := make([]UsageDTO, 0, len(recs))
	for _, r := range recs {
		out = append(out, UsageDTO{
			ID:             r.ID,
			BenefitID:      string(r.BenefitID),
			PeriodStart:    r.PeriodStart.String(),
			PeriodEnd:      r.PeriodEnd.String(),
			ValueRedeemed:  r.ValueRedeemed.StringFixed(2),
			UsedAt:         r.UsedAt,
			WasAutoExpired: r.WasAutoExpired,
		})
	}
	return out
}

// =============================================================================
// ACTION REQUESTS
// =============================================================================

// SnoozeRequest pushes the next reminder forward.
type SnoozeRequest struct {
	Days int `json:"days"`
}

// FrequencyRequest overrides a benefit's reset frequency.
type FrequencyRequest struct {
	Frequency string `json:"frequency"`
}

// NotificationActionRequest is sent when the user taps a reminder action.
// Days only applies to "snooze" and defaults to 1.
type NotificationActionRequest struct {
	Action string `json:"action"`
	Days   int    `json:"days,omitempty"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// ReconcileResponse is returned by a user-triggered refresh.
type ReconcileResponse struct {
	Report reconcile.RunReport `json:"report"`
}

// ReconcileStatusResponse combines in-process health with the persisted
// last-success instant, which survives restarts.
type ReconcileStatusResponse struct {
	reconcile.Status
	PersistedLastSuccess *time.Time `json:"persisted_last_success,omitempty"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
