package utils

import "time"

// MakeTimeToString returns text represented time from time.Time
func MakeTimeToString(t time.Time) string {
	return t.Format(time.RFC3339)
}

// Clock returns the current time. Components take one so tests can move time.
type Clock func() time.Time

// SystemClock is the wall clock
func SystemClock() time.Time {
	return time.Now()
}

// OrSystemClock returns clock, or SystemClock when clock is nil
func OrSystemClock(clock Clock) Clock {
	if clock == nil {
		return SystemClock
	}
	return clock
}
