package followup

import "time"

// fibonacciHours is the cadence ladder, in hours: each step of the intuition
// sequence waits one term longer than the last.
var fibonacciHours = []int{1, 2, 3, 5, 8, 13, 21, 34, 55, 89, 144}

// cadenceTerm returns the wait duration for one cadence step. The shift
// advances (positive) or delays (negative) the sequence; indexes clamp to the
// ladder bounds. Terms of 24 hours or more round to whole-day buckets so
// late-stage follow-ups land a clean number of days out.
func cadenceTerm(step, shift int) time.Duration {
	idx := step + shift
	if idx < 0 {
		idx = 0
	}
	if idx >= len(fibonacciHours) {
		idx = len(fibonacciHours) - 1
	}
	hours := fibonacciHours[idx]
	if hours >= 24 {
		days := (hours + 12) / 24
		return time.Duration(days) * 24 * time.Hour
	}
	return time.Duration(hours) * time.Hour
}

// CadenceTime accumulates cadence terms 0..step from the last-inbound
// timestamp to produce the next scheduled time. Pure and deterministic: the
// same (lastInbound, step, shift) always yields the same time.
func CadenceTime(lastInbound time.Time, step, shift int) time.Time {
	t := lastInbound
	for i := 0; i <= step; i++ {
		t = t.Add(cadenceTerm(i, shift))
	}
	return t
}
