/*
Package factory converts source records into benefits.

PURPOSE:
  Benefits come from three kinds of tracked item: a credit card's perk, a
  subscription's allowance, and a recurring coupon. Each arrives in its own
  JSON shape. The factory maps every shape onto the single benefit.Benefit
  the engine works with; nothing downstream knows which kind it was beyond
  the informational Source field.

JSON SCHEMA (tagged variant, exactly one body matching "kind"):
  {
    "kind": "card_perk",
    "id": "amex-gold-dining",
    "card_perk": {
      "card_name": "Amex Gold",
      "perk_name": "Dining credit",
      "value": "10.00",
      "frequency": "monthly"
    },
    "reminder": {"enabled": true, "lead_days": 7}
  }

  "subscription": {"service": "...", "plan": "...", "allowance": "15", "billing_cycle": "quarterly"}
  "coupon":       {"merchant": "...", "title": "...", "value": "5", "renews": "annual", "retired": false}

DEFAULTS:
  - id: a new UUID when empty
  - reminder: enabled, 7 days lead
  - subscription billing_cycle: monthly
  - coupon renews: annual

USAGE:
  f := factory.NewBenefitFactory()
  b, err := f.ParseBenefit(jsonString)
  svc.CreateBenefit(ctx, b)

SEE ALSO:
  - benefit/types.go: Benefit definition
  - calendar/period.go: ParseFrequency spellings
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/benefit-engine/benefit"
	"github.com/warp/benefit-engine/calendar"
)

// DefaultLeadDays is the reminder lead used when a source does not say.
const DefaultLeadDays = 7

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// SourceJSON is the tagged envelope. Kind selects which body is read.
type SourceJSON struct {
	Kind     string        `json:"kind"`
	ID       string        `json:"id,omitempty"`
	Reminder *ReminderJSON `json:"reminder,omitempty"`

	CardPerk     *CardPerkJSON     `json:"card_perk,omitempty"`
	Subscription *SubscriptionJSON `json:"subscription,omitempty"`
	Coupon       *CouponJSON       `json:"coupon,omitempty"`
}

// ReminderJSON overrides the reminder defaults.
type ReminderJSON struct {
	Enabled  *bool `json:"enabled,omitempty"`
	LeadDays *int  `json:"lead_days,omitempty"`
}

// CardPerkJSON is a statement credit attached to a card.
type CardPerkJSON struct {
	CardName  string          `json:"card_name"`
	PerkName  string          `json:"perk_name"`
	Value     decimal.Decimal `json:"value"`
	Frequency string          `json:"frequency"`
}

// SubscriptionJSON is an allowance that renews with a billing cycle.
type SubscriptionJSON struct {
	Service      string          `json:"service"`
	Plan         string          `json:"plan,omitempty"`
	Allowance    decimal.Decimal `json:"allowance"`
	BillingCycle string          `json:"billing_cycle,omitempty"`
}

// CouponJSON is a recurring coupon. A retired coupon stops resetting.
type CouponJSON struct {
	Merchant string          `json:"merchant"`
	Title    string          `json:"title"`
	Value    decimal.Decimal `json:"value"`
	Renews   string          `json:"renews,omitempty"`
	Retired  bool            `json:"retired,omitempty"`
}

// =============================================================================
// ADAPTERS - One per source kind
// =============================================================================

// adapter maps one source body onto the benefit fields it owns.
type adapter interface {
	apply(b *benefit.Benefit) error
}

func (c *CardPerkJSON) apply(b *benefit.Benefit) error {
	if c.PerkName == "" {
		return fmt.Errorf("%w: card_perk.perk_name is required", benefit.ErrInvalidBenefit)
	}
	freq, err := parseFrequency(c.Frequency, "")
	if err != nil {
		return err
	}
	b.Source = benefit.SourceCardPerk
	b.Name = joinName(c.CardName, c.PerkName)
	b.Value = c.Value
	b.Frequency = freq
	return nil
}

func (s *SubscriptionJSON) apply(b *benefit.Benefit) error {
	if s.Service == "" {
		return fmt.Errorf("%w: subscription.service is required", benefit.ErrInvalidBenefit)
	}
	freq, err := parseFrequency(s.BillingCycle, calendar.Monthly)
	if err != nil {
		return err
	}
	b.Source = benefit.SourceSubscription
	b.Name = joinName(s.Service, s.Plan)
	b.Value = s.Allowance
	b.Frequency = freq
	return nil
}

func (c *CouponJSON) apply(b *benefit.Benefit) error {
	if c.Title == "" {
		return fmt.Errorf("%w: coupon.title is required", benefit.ErrInvalidBenefit)
	}
	freq, err := parseFrequency(c.Renews, calendar.Annual)
	if err != nil {
		return err
	}
	b.Source = benefit.SourceCoupon
	b.Name = joinName(c.Merchant, c.Title)
	b.Value = c.Value
	b.Frequency = freq
	b.Deactivated = c.Retired
	return nil
}

// =============================================================================
// BENEFIT FACTORY
// =============================================================================

// BenefitFactory converts source JSON to benefits.
type BenefitFactory struct {
	newID func() string
}

// NewBenefitFactory creates a factory that assigns UUIDs to sources without an id.
func NewBenefitFactory() *BenefitFactory {
	return &BenefitFactory{newID: uuid.NewString}
}

// ParseBenefit parses one source document.
func (f *BenefitFactory) ParseBenefit(jsonStr string) (benefit.Benefit, error) {
	var sj SourceJSON
	if err := json.Unmarshal([]byte(jsonStr), &sj); err != nil {
		return benefit.Benefit{}, fmt.Errorf("%w: failed to parse source JSON: %v", benefit.ErrInvalidBenefit, err)
	}
	return f.FromJSON(sj)
}

// ParseBenefits parses a JSON array of source documents. The first bad
// entry fails the whole batch.
func (f *BenefitFactory) ParseBenefits(data []byte) ([]benefit.Benefit, error) {
	var sources []SourceJSON
	if err := json.Unmarshal(data, &sources); err != nil {
		return nil, fmt.Errorf("%w: failed to parse source list: %v", benefit.ErrInvalidBenefit, err)
	}

	out := make([]benefit.Benefit, 0, len(sources))
	for i, sj := range sources {
		b, err := f.FromJSON(sj)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// FromJSON converts a decoded envelope. The returned benefit has no period
// yet; the reconciliation service places it when it is created.
func (f *BenefitFactory) FromJSON(sj SourceJSON) (benefit.Benefit, error) {
	a, err := sj.body()
	if err != nil {
		return benefit.Benefit{}, err
	}

	b := benefit.Benefit{
		ID:               benefit.ID(sj.ID),
		Status:           benefit.StatusAvailable,
		ReminderEnabled:  true,
		ReminderLeadDays: DefaultLeadDays,
	}
	if b.ID == "" {
		b.ID = benefit.ID(f.newID())
	}
	if err := a.apply(&b); err != nil {
		return benefit.Benefit{}, err
	}

	if r := sj.Reminder; r != nil {
		if r.Enabled != nil {
			b.ReminderEnabled = *r.Enabled
		}
		if r.LeadDays != nil {
			b.ReminderLeadDays = *r.LeadDays
		}
	}

	if b.Value.IsNegative() {
		return benefit.Benefit{}, fmt.Errorf("%w: value must be non-negative", benefit.ErrInvalidBenefit)
	}
	if b.ReminderLeadDays < 0 {
		return benefit.Benefit{}, fmt.Errorf("%w: reminder lead days must be >= 0", benefit.ErrInvalidBenefit)
	}
	return b, nil
}

// body returns the adapter named by Kind. Bodies for other kinds are an error.
func (sj SourceJSON) body() (adapter, error) {
	present := 0
	for _, set := range []bool{sj.CardPerk != nil, sj.Subscription != nil, sj.Coupon != nil} {
		if set {
			present++
		}
	}
	if present > 1 {
		return nil, fmt.Errorf("%w: source %q carries more than one body", benefit.ErrInvalidBenefit, sj.ID)
	}

	var a adapter
	switch benefit.Source(sj.Kind) {
	case benefit.SourceCardPerk:
		if sj.CardPerk != nil {
			a = sj.CardPerk
		}
	case benefit.SourceSubscription:
		if sj.Subscription != nil {
			a = sj.Subscription
		}
	case benefit.SourceCoupon:
		if sj.Coupon != nil {
			a = sj.Coupon
		}
	default:
		return nil, fmt.Errorf("%w: unknown source kind %q", benefit.ErrInvalidBenefit, sj.Kind)
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s source is missing its %q body", benefit.ErrInvalidBenefit, sj.Kind, sj.Kind)
	}
	return a, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseFrequency(s string, fallback calendar.Frequency) (calendar.Frequency, error) {
	if strings.TrimSpace(s) == "" && fallback != "" {
		return fallback, nil
	}
	freq, err := calendar.ParseFrequency(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", benefit.ErrInvalidBenefit, err)
	}
	return freq, nil
}

func joinName(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " - ")
}
