package orchestrator

import (
	"time"
)

// NextAligned returns the next trigger instant strictly after now: the next
// UTC wall-clock minute in the configured set, offset by the delay. The
// minute set must be sorted ascending.
func NextAligned(now time.Time, minutes []int, delay time.Duration) time.Time {
	now = now.UTC()
	hour := now.Truncate(time.Hour)

	// Scan this hour and the next; the set always has at least one minute,
	// so two hours are enough to find a future instant.
	for h := 0; h < 2; h++ {
		base := hour.Add(time.Duration(h) * time.Hour)
		for _, m := range minutes {
			candidate := base.Add(time.Duration(m)*time.Minute + delay)
			if candidate.After(now) {
				return candidate
			}
		}
	}
	// Unreachable with a non-empty minute set.
	return hour.Add(time.Hour + delay)
}
