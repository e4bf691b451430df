package poller

import (
	"fmt"
	"time"
)

// minInterval is the floor for a poll interval. Anything faster would hammer
// the server without making push confirmation feel quicker.
const minInterval = 500 * time.Millisecond

// Schedule maps the number of completed poll rounds to the delay before the
// next one. The default starts slow and tightens, then stays at the last
// interval for every further round.
type Schedule struct {
	intervals []time.Duration
}

// DefaultSchedule returns the 4s, 3s, 2s schedule.
func DefaultSchedule() Schedule {
	return Schedule{intervals: []time.Duration{4 * time.Second, 3 * time.Second, 2 * time.Second}}
}

// NewSchedule builds a schedule from explicit intervals. Intervals below the
// floor are an error, as is an empty list.
func NewSchedule(intervals []time.Duration) (Schedule, error) {
	if len(intervals) == 0 {
		return Schedule{}, fmt.Errorf("poll schedule needs at least one interval")
	}
	for i, interval := range intervals {
		if interval < minInterval {
			return Schedule{}, fmt.Errorf("poll interval %d is below %s: %s", i, minInterval, interval)
		}
	}
	out := make([]time.Duration, len(intervals))
	copy(out, intervals)
	return Schedule{intervals: out}, nil
}

// DelayFor returns the delay before poll round loadCounter. The counter is
// 1-based; values at or past the end of the schedule clamp to the last
// interval, and anything below 1 is treated as 1.
func (s Schedule) DelayFor(loadCounter int) time.Duration {
	if loadCounter < 1 {
		loadCounter = 1
	}
	if loadCounter > len(s.intervals) {
		loadCounter = len(s.intervals)
	}
	return s.intervals[loadCounter-1]
}

// Len reports the number of distinct intervals.
func (s Schedule) Len() int {
	return len(s.intervals)
}
