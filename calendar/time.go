/*
time.go - Calendar day abstraction

PURPOSE:
  Benefit periods are whole calendar days. TimePoint pins a date to
  midnight UTC so boundary math never depends on the caller's time zone
  and never carries a stray wall-clock component.

NORMALIZATION:
  Every constructor goes through NewTimePoint, which rebuilds the value with
  time.Date(..., time.UTC). time.Date also normalizes out-of-range values
  (day 0 of March = last day of February), which is how month ends are
  computed without a month-length table.

SEE ALSO:
  - period.go: Period boundaries built on TimePoint
*/
package calendar

import (
	"time"
)

// =============================================================================
// TIME POINT - A single UTC calendar day
// =============================================================================

// TimePoint is a calendar day at midnight UTC.
type TimePoint struct {
	Time time.Time
}

// NewTimePoint builds a day from its components.
func NewTimePoint(year int, month time.Month, day int) TimePoint {
	return TimePoint{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf returns the UTC calendar day containing t.
func DayOf(t time.Time) TimePoint {
	u := t.UTC()
	return NewTimePoint(u.Year(), u.Month(), u.Day())
}

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(s string) (TimePoint, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return TimePoint{}, err
	}
	return DayOf(t), nil
}

// Comparison
func (tp TimePoint) Before(other TimePoint) bool        { return tp.Time.Before(other.Time) }
func (tp TimePoint) Equal(other TimePoint) bool         { return tp.Time.Equal(other.Time) }
func (tp TimePoint) After(other TimePoint) bool         { return tp.Time.After(other.Time) }
func (tp TimePoint) BeforeOrEqual(other TimePoint) bool { return !tp.After(other) }
func (tp TimePoint) AfterOrEqual(other TimePoint) bool  { return !tp.Before(other) }

// Arithmetic
func (tp TimePoint) AddDays(n int) TimePoint   { return DayOf(tp.Time.AddDate(0, 0, n)) }
func (tp TimePoint) AddMonths(n int) TimePoint { return DayOf(tp.Time.AddDate(0, n, 0)) }

// Properties
func (tp TimePoint) Year() int         { return tp.Time.Year() }
func (tp TimePoint) Month() time.Month { return tp.Time.Month() }
func (tp TimePoint) Day() int          { return tp.Time.Day() }
func (tp TimePoint) IsZero() bool      { return tp.Time.IsZero() }

// At returns the instant hour:00 UTC on this day.
func (tp TimePoint) At(hour int) time.Time {
	return time.Date(tp.Year(), tp.Month(), tp.Day(), hour, 0, 0, 0, time.UTC)
}

func (tp TimePoint) String() string {
	return tp.Time.Format("2006-01-02")
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

// DaysBetween returns the signed number of whole days from -> to.
func DaysBetween(from, to TimePoint) int {
	return int(to.Time.Sub(from.Time).Hours() / 24)
}

func StartOfYear(year int) TimePoint                    { return NewTimePoint(year, time.January, 1) }
func EndOfYear(year int) TimePoint                      { return NewTimePoint(year, time.December, 31) }
func StartOfMonth(year int, month time.Month) TimePoint { return NewTimePoint(year, month, 1) }

// EndOfMonth returns the last day of the month, honoring leap years.
func EndOfMonth(year int, month time.Month) TimePoint {
	return NewTimePoint(year, month+1, 0)
}

// IsLeapYear reports whether year has a February 29 in the proleptic
// Gregorian calendar.
func IsLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
