package availability

import (
	"testing"
	"time"
)

func mon(hour, min int) time.Time {
	return time.Date(2026, 3, 2, hour, min, 0, 0, time.UTC)
}

func TestAvailableSlots_GridAndBusy(t *testing.T) {
	// 14:00-17:00 window, hour-long bookings on a 30-minute grid. A busy
	// hour at 15:00 knocks out every start whose span touches it.
	busy := []Interval{{Start: mon(15, 0), End: mon(16, 0)}}

	slots := AvailableSlots(mon(14, 0), mon(17, 0), time.Hour, 30*time.Minute, busy, time.Time{})

	want := []time.Time{mon(14, 0), mon(16, 0)}
	if len(slots) != len(want) {
		t.Fatalf("expected %d slots, got %d: %v", len(want), len(slots), slots)
	}
	for i := range want {
		if !slots[i].Equal(want[i]) {
			t.Fatalf("slot %d: expected %s, got %s", i, want[i], slots[i])
		}
	}
}

func TestAvailableSlots_CutoffDropsEarlyStarts(t *testing.T) {
	// Candidates before the cutoff disappear even when the window is free.
	cutoff := mon(14, 31)

	slots := AvailableSlots(mon(14, 0), mon(16, 0), 30*time.Minute, 30*time.Minute, nil, cutoff)

	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d: %v", len(slots), slots)
	}
	if !slots[0].Equal(mon(15, 0)) || !slots[1].Equal(mon(15, 30)) {
		t.Fatalf("expected 15:00 and 15:30, got %v", slots)
	}
}

func TestAvailableSlots_DurationMustFitWindow(t *testing.T) {
	if got := AvailableSlots(mon(9, 0), mon(9, 45), time.Hour, 30*time.Minute, nil, time.Time{}); got != nil {
		t.Fatalf("expected no slots when duration exceeds window, got %v", got)
	}
	// Exactly-fitting duration yields the single window start.
	got := AvailableSlots(mon(9, 0), mon(10, 0), time.Hour, 30*time.Minute, nil, time.Time{})
	if len(got) != 1 || !got[0].Equal(mon(9, 0)) {
		t.Fatalf("expected only 09:00, got %v", got)
	}
}

func TestAvailableSlots_BusyTouchingBoundaryDoesNotBlock(t *testing.T) {
	// Half-open semantics: a booking ending exactly at a candidate start,
	// or starting exactly at its end, is not a conflict.
	busy := []Interval{
		{Start: mon(13, 0), End: mon(14, 0)},
		{Start: mon(15, 0), End: mon(16, 0)},
	}
	got := AvailableSlots(mon(14, 0), mon(15, 0), time.Hour, 30*time.Minute, busy, time.Time{})
	if len(got) != 1 || !got[0].Equal(mon(14, 0)) {
		t.Fatalf("expected 14:00 bookable between adjacent busy hours, got %v", got)
	}
}
