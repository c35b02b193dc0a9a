// Package clock provides the time source for the reconciliation layer.
//
// Lifecycle, scoring and planning code never calls time.Now(); it receives
// "now" as an argument. The orchestration layer reads it from a Clock so
// tests can pin it.
package clock

import "time"

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// Real returns the system time in UTC.
type Real struct{}

// Now returns the current system time, normalized to UTC.
func (Real) Now() time.Time { return time.Now().UTC() }

// Fixed always returns the same instant.
type Fixed struct {
	T time.Time
}

// Now returns the fixed time.
func (c Fixed) Now() time.Time { return c.T }

// Func wraps a function as a Clock. Handy for tests that move time forward.
type Func func() time.Time

// Now calls the wrapped function.
func (f Func) Now() time.Time { return f() }

// NewReal returns a Clock backed by the system time.
func NewReal() Clock { return Real{} }

// NewFixed returns a Clock pinned to t.
func NewFixed(t time.Time) Clock { return Fixed{T: t.UTC()} }
