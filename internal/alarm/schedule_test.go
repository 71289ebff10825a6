package alarm

import (
	"testing"
	"time"
)

func TestFixedRateScheduleAnchorsAtStart(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := fixedRateSchedule{start: start, every: 10 * time.Minute}

	tests := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{name: "before start", at: start.Add(-time.Hour), want: start},
		{name: "exactly at start", at: start, want: start.Add(10 * time.Minute)},
		{name: "mid period", at: start.Add(3 * time.Minute), want: start.Add(10 * time.Minute)},
		{name: "on grid point", at: start.Add(20 * time.Minute), want: start.Add(30 * time.Minute)},
		{name: "far in future", at: start.Add(55 * time.Minute), want: start.Add(60 * time.Minute)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := s.Next(tt.at); !got.Equal(tt.want) {
				t.Fatalf("Next(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestFixedRateScheduleNeverReturnsPast(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := fixedRateSchedule{start: start, every: time.Minute}
	at := start.Add(90 * time.Minute).Add(17 * time.Second)
	next := s.Next(at)
	if !next.After(at) {
		t.Fatalf("Next(%v) = %v is not strictly after", at, next)
	}
	if next.Sub(start)%time.Minute != 0 {
		t.Fatalf("Next(%v) = %v is off the anchor grid", at, next)
	}
}

func TestRoundUpToWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		t      time.Time
		window time.Duration
		want   time.Time
	}{
		{name: "zero window passthrough", t: base.Add(7 * time.Second), window: 0, want: base.Add(7 * time.Second)},
		{name: "already aligned", t: base, window: 30 * time.Second, want: base},
		{name: "rounds up", t: base.Add(7 * time.Second), window: 30 * time.Second, want: base.Add(30 * time.Second)},
		{name: "just before boundary", t: base.Add(29 * time.Second), window: 30 * time.Second, want: base.Add(30 * time.Second)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := roundUpToWindow(tt.t, tt.window); !got.Equal(tt.want) {
				t.Fatalf("roundUpToWindow(%v, %v) = %v, want %v", tt.t, tt.window, got, tt.want)
			}
		})
	}
}

func TestBatchedScheduleCoalesces(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 13, 0, time.UTC) // off-grid anchor
	window := 30 * time.Second
	s := makeRepeatingSchedule(start, time.Minute, false, window)

	next := s.Next(start)
	// nominal tick is 12:01:13; the window pushes it to 12:01:30
	want := time.Date(2026, 3, 1, 12, 1, 30, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next, want)
	}

	// exact registrations bypass the window entirely
	e := makeRepeatingSchedule(start, time.Minute, true, window)
	if got := e.Next(start); !got.Equal(start.Add(time.Minute)) {
		t.Fatalf("exact Next = %v, want %v", got, start.Add(time.Minute))
	}
}
