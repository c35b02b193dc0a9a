package calendar

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// PERIOD - The eligibility window of one benefit cycle
// =============================================================================

// Period is an inclusive [Start, End] range of calendar days.
//
// Examples:
//   - Monthly, March 2024:    Mar 1 - Mar 31
//   - Quarterly, Q1 2024:     Jan 1 - Mar 31
//   - Semi-annual, H2 2025:   Jul 1 - Dec 31
//   - Annual, 2026:           Jan 1 - Dec 31
type Period struct {
	Start TimePoint
	End   TimePoint
}

// Contains returns true if the day is within [Start, End].
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

// Days returns the number of days in the period, both ends included.
func (p Period) Days() int {
	return DaysBetween(p.Start, p.End) + 1
}

// Valid reports whether End >= Start.
func (p Period) Valid() bool {
	return !p.Start.IsZero() && p.End.AfterOrEqual(p.Start)
}

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// =============================================================================
// FREQUENCY - How often a benefit cycles
// =============================================================================

// Frequency is the recurrence of a benefit. Periods are always aligned to the
// calendar; anniversary alignment is the caller's job (shift the reference
// date before calling CurrentPeriod).
type Frequency string

const (
	Monthly    Frequency = "monthly"
	Quarterly  Frequency = "quarterly"
	SemiAnnual Frequency = "semiAnnual"
	Annual     Frequency = "annual"
)

// Frequencies lists every supported frequency.
var Frequencies = []Frequency{Monthly, Quarterly, SemiAnnual, Annual}

// Valid reports whether f is one of the supported frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case Monthly, Quarterly, SemiAnnual, Annual:
		return true
	}
	return false
}

// months returns the period length in months.
func (f Frequency) months() int {
	switch f {
	case Quarterly:
		return 3
	case SemiAnnual:
		return 6
	case Annual:
		return 12
	default:
		return 1
	}
}

// ParseFrequency accepts the canonical names plus the common spellings
// "semi_annual", "semiannual" and "yearly".
func ParseFrequency(s string) (Frequency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "monthly":
		return Monthly, nil
	case "quarterly":
		return Quarterly, nil
	case "semiannual", "semi_annual", "semi-annual":
		return SemiAnnual, nil
	case "annual", "yearly":
		return Annual, nil
	}
	return "", fmt.Errorf("unknown frequency %q", s)
}

// =============================================================================
// PERIOD CALCULATOR
// =============================================================================

// CurrentPeriod returns the period of the given frequency that contains ref.
// Total over its domain: an unknown frequency is treated as monthly.
func CurrentPeriod(freq Frequency, ref TimePoint) Period {
	span := freq.months()

	// Periods start on months 1, 1+span, 1+2*span, ...
	startMonth := time.Month(((int(ref.Month())-1)/span)*span + 1)
	start := StartOfMonth(ref.Year(), startMonth)
	end := EndOfMonth(ref.Year(), startMonth+time.Month(span-1))

	return Period{Start: start, End: end}
}

// NextBoundary returns the first day of the period following the one that
// contains ref.
func NextBoundary(freq Frequency, ref TimePoint) TimePoint {
	return CurrentPeriod(freq, ref).End.AddDays(1)
}

// Next returns the period that immediately follows p for the given frequency.
func (p Period) Next(freq Frequency) Period {
	return CurrentPeriod(freq, p.End.AddDays(1))
}

// Previous returns the period that immediately precedes p.
func (p Period) Previous(freq Frequency) Period {
	return CurrentPeriod(freq, p.Start.AddDays(-1))
}
