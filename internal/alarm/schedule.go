package alarm

import (
	"time"

	"github.com/robfig/cron/v3"
)

// fixedRateSchedule fires at start, start+every, start+2*every, ...
// regardless of how long each delivery takes. This is the anchored
// fixed-rate contract: a late tick does not shift subsequent ticks.
type fixedRateSchedule struct {
	start time.Time
	every time.Duration
}

func (s fixedRateSchedule) Next(t time.Time) time.Time {
	if t.Before(s.start) {
		return s.start
	}
	elapsed := t.Sub(s.start)
	n := elapsed/s.every + 1
	return s.start.Add(n * s.every)
}

// batchedSchedule wraps a base schedule and rounds each fire time up to the
// next window boundary, so inexact alarms coalesce into shared wakeups.
type batchedSchedule struct {
	base   cron.Schedule
	window time.Duration
}

func (s batchedSchedule) Next(t time.Time) time.Time {
	n := s.base.Next(t)
	if n.IsZero() {
		return n
	}
	return roundUpToWindow(n, s.window)
}

func makeRepeatingSchedule(start time.Time, every time.Duration, exact bool, window time.Duration) cron.Schedule {
	base := fixedRateSchedule{start: start, every: every}
	if exact || window <= 0 {
		return base
	}
	return batchedSchedule{base: base, window: window}
}

// roundUpToWindow aligns t forward to a window boundary. Boundaries are
// absolute (epoch-aligned), so all inexact alarms share the same grid.
func roundUpToWindow(t time.Time, window time.Duration) time.Time {
	if window <= 0 {
		return t
	}
	aligned := t.Truncate(window)
	if aligned.Before(t) {
		aligned = aligned.Add(window)
	}
	return aligned
}
