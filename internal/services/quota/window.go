package quota

import "time"

// rollForward returns the window of length period that contains now,
// reached from start by whole periods. Callers only use it when now is at or
// past the current window end, so the result always ends strictly after now.
func rollForward(start time.Time, period time.Duration, now time.Time) (time.Time, time.Time) {
	steps := now.Sub(start) / period
	newStart := start.Add(steps * period)
	return newStart, newStart.Add(period)
}
