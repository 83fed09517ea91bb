package abx

import "time"

// Clock supplies the current time to components enforcing time-based rules.
// Injecting it keeps every "in the past" check anchored to the moment of the
// call instead of a timestamp captured at construction, and lets tests pin time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts an ordinary function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock {
	return ClockFunc(time.Now)
}
