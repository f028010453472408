package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/consulere/booking/services/booking-service/internal/availability"
	"github.com/consulere/booking/services/booking-service/internal/model"
)

type fakeStore struct {
	windows []model.Window
	blocks  []model.BlockedSlot
}

func (f *fakeStore) ListWindows(_ context.Context, _ string) ([]model.Window, error) {
	return f.windows, nil
}

func (f *fakeStore) ListBlocks(_ context.Context, _ string, _, _ time.Time) ([]model.BlockedSlot, error) {
	return f.blocks, nil
}

type fakeBooked struct {
	intervals []availability.Interval
}

func (f *fakeBooked) ListBookedIntervals(_ context.Context, _ string, _, _ time.Time) ([]availability.Interval, error) {
	return f.intervals, nil
}

type fakeOverlay struct {
	busy     []availability.Interval
	degraded bool
}

func (f *fakeOverlay) Busy(_ context.Context, _ string, _, _ time.Time) ([]availability.Interval, bool, error) {
	return f.busy, f.degraded, nil
}

// Monday 09:00-12:00 in New York. 2026-03-02 is a Monday still on EST, so
// 09:00 local is 14:00 UTC.
func mondayMorningNY() []model.Window {
	return []model.Window{{
		ID:          "win-1",
		ExpertID:    "expert-1",
		Weekday:     1,
		StartMinute: 9 * 60,
		EndMinute:   12 * 60,
		Timezone:    "America/New_York",
		Active:      true,
	}}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var (
	monday    = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	nextDay   = monday.AddDate(0, 0, 1)
	dayBefore = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	nineAMUTC = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC) // 09:00 EST
	elevenUTC = time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC) // 11:00 EST
)

func baseQuery() Query {
	return Query{
		ExpertID:        "expert-1",
		From:            monday,
		To:              nextDay,
		DurationMinutes: 60,
		ViewerTZ:        "America/New_York",
	}
}

func starts(res Result) []time.Time {
	out := make([]time.Time, 0, len(res.Slots))
	for _, s := range res.Slots {
		out = append(out, s.Start)
	}
	return out
}

func assertStarts(t *testing.T, got []time.Time, want ...time.Time) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d slots, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("slot %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestResolveOffersGridSlots(t *testing.T) {
	r := New(&fakeStore{windows: mondayMorningNY()}, &fakeBooked{}, nil, DefaultLead, fixedClock(dayBefore))

	res, err := r.Resolve(context.Background(), baseQuery())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	assertStarts(t, starts(res),
		nineAMUTC,
		nineAMUTC.Add(30*time.Minute),
		nineAMUTC.Add(60*time.Minute),
		nineAMUTC.Add(90*time.Minute),
		elevenUTC,
	)
	if res.Slots[0].LocalDisplay != "2026-03-02T09:00:00-05:00" {
		t.Fatalf("expected EST local display, got %q", res.Slots[0].LocalDisplay)
	}
	if res.CalendarDegraded {
		t.Fatal("no overlay configured, must not be degraded")
	}
}

func TestResolveSkipsBookedSlots(t *testing.T) {
	// 10:00-11:00 EST already booked.
	booked := &fakeBooked{intervals: []availability.Interval{
		{Start: nineAMUTC.Add(time.Hour), End: elevenUTC},
	}}
	r := New(&fakeStore{windows: mondayMorningNY()}, booked, nil, DefaultLead, fixedClock(dayBefore))

	res, err := r.Resolve(context.Background(), baseQuery())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	// 09:30 and 10:30 collide with the booked hour; 09:00 ends exactly at
	// its start and 11:00 starts exactly at its end, both fine.
	assertStarts(t, starts(res), nineAMUTC, elevenUTC)
}

func TestResolveSkipsBlockedSlots(t *testing.T) {
	store := &fakeStore{
		windows: mondayMorningNY(),
		blocks: []model.BlockedSlot{{
			ID:       "blk-1",
			ExpertID: "expert-1",
			StartAt:  nineAMUTC,
			EndAt:    nineAMUTC.Add(time.Hour),
			Timezone: "America/New_York",
		}},
	}
	r := New(store, &fakeBooked{}, nil, DefaultLead, fixedClock(dayBefore))

	res, err := r.Resolve(context.Background(), baseQuery())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	assertStarts(t, starts(res),
		nineAMUTC.Add(60*time.Minute),
		nineAMUTC.Add(90*time.Minute),
		elevenUTC,
	)
}

func TestResolveRecurringBlockApplies(t *testing.T) {
	// Every Monday 10:00-11:00 New York, anchored a month earlier.
	anchor := time.Date(2026, 2, 2, 15, 0, 0, 0, time.UTC) // Mon Feb 2, 10:00 EST
	store := &fakeStore{
		windows: mondayMorningNY(),
		blocks: []model.BlockedSlot{{
			ID:             "blk-weekly",
			ExpertID:       "expert-1",
			StartAt:        anchor,
			EndAt:          anchor.Add(time.Hour),
			Recurring:      true,
			RecurrenceRule: "weekly",
			Timezone:       "America/New_York",
		}},
	}
	r := New(store, &fakeBooked{}, nil, DefaultLead, fixedClock(dayBefore))

	res, err := r.Resolve(context.Background(), baseQuery())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	assertStarts(t, starts(res), nineAMUTC, elevenUTC)
}

func TestResolveAppliesLeadTime(t *testing.T) {
	// 13:30 UTC on the Monday itself; with a one hour lead the 14:00 slot
	// is too soon, 14:30 is the first offerable start.
	now := time.Date(2026, 3, 2, 13, 30, 0, 0, time.UTC)
	r := New(&fakeStore{windows: mondayMorningNY()}, &fakeBooked{}, nil, time.Hour, fixedClock(now))

	res, err := r.Resolve(context.Background(), baseQuery())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	assertStarts(t, starts(res),
		nineAMUTC.Add(30*time.Minute),
		nineAMUTC.Add(60*time.Minute),
		nineAMUTC.Add(90*time.Minute),
		elevenUTC,
	)
}

func TestResolveOverlayBusyAndDegraded(t *testing.T) {
	// External busy over 11:00-12:00 EST; the 10:30 start collides too
	// because its hour would run into it. Degraded rides along as a warning.
	overlay := &fakeOverlay{
		busy:     []availability.Interval{{Start: elevenUTC, End: elevenUTC.Add(time.Hour)}},
		degraded: true,
	}
	r := New(&fakeStore{windows: mondayMorningNY()}, &fakeBooked{}, overlay, DefaultLead, fixedClock(dayBefore))

	res, err := r.Resolve(context.Background(), baseQuery())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	assertStarts(t, starts(res),
		nineAMUTC,
		nineAMUTC.Add(30*time.Minute),
		nineAMUTC.Add(60*time.Minute),
	)
	if !res.CalendarDegraded {
		t.Fatal("expected CalendarDegraded to be set")
	}
}

func TestResolveAcrossDSTBoundary(t *testing.T) {
	// The following Monday is on EDT: 09:00 local becomes 13:00 UTC. The
	// wall-clock window holds, the instant moves.
	q := baseQuery()
	q.From = time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	q.To = q.From.AddDate(0, 0, 1)
	r := New(&fakeStore{windows: mondayMorningNY()}, &fakeBooked{}, nil, DefaultLead, fixedClock(dayBefore))

	res, err := r.Resolve(context.Background(), q)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	first := time.Date(2026, 3, 9, 13, 0, 0, 0, time.UTC)
	if len(res.Slots) != 5 {
		t.Fatalf("expected 5 slots, got %d", len(res.Slots))
	}
	if !res.Slots[0].Start.Equal(first) {
		t.Fatalf("expected first slot %v, got %v", first, res.Slots[0].Start)
	}
	if res.Slots[0].LocalDisplay != "2026-03-09T09:00:00-04:00" {
		t.Fatalf("expected EDT local display, got %q", res.Slots[0].LocalDisplay)
	}
}

func TestResolveGridAnchorsAtWindowStart(t *testing.T) {
	// A range starting mid-window must not shift the grid: starts stay on
	// window-anchored half hours, only earlier ones drop out.
	q := baseQuery()
	q.From = time.Date(2026, 3, 2, 14, 47, 0, 0, time.UTC)
	r := New(&fakeStore{windows: mondayMorningNY()}, &fakeBooked{}, nil, DefaultLead, fixedClock(dayBefore))

	res, err := r.Resolve(context.Background(), q)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	assertStarts(t, starts(res),
		nineAMUTC.Add(60*time.Minute),
		nineAMUTC.Add(90*time.Minute),
		elevenUTC,
	)
}

func TestBookable(t *testing.T) {
	r := New(&fakeStore{windows: mondayMorningNY()}, &fakeBooked{}, nil, DefaultLead, fixedClock(dayBefore))
	ctx := context.Background()

	ok, err := r.Bookable(ctx, "expert-1", nineAMUTC, 60)
	if err != nil {
		t.Fatalf("Bookable failed: %v", err)
	}
	if !ok {
		t.Fatal("an offered slot must be bookable")
	}

	// Off the quarter-hour grid.
	ok, err = r.Bookable(ctx, "expert-1", nineAMUTC.Add(10*time.Minute), 60)
	if err != nil {
		t.Fatalf("Bookable failed: %v", err)
	}
	if ok {
		t.Fatal("an off-grid start must not be bookable")
	}

	// Outside the window entirely.
	ok, err = r.Bookable(ctx, "expert-1", nineAMUTC.Add(12*time.Hour), 60)
	if err != nil {
		t.Fatalf("Bookable failed: %v", err)
	}
	if ok {
		t.Fatal("a start outside all windows must not be bookable")
	}

	// Would run past the window end.
	ok, err = r.Bookable(ctx, "expert-1", elevenUTC.Add(30*time.Minute), 60)
	if err != nil {
		t.Fatalf("Bookable failed: %v", err)
	}
	if ok {
		t.Fatal("a start whose duration exceeds the window must not be bookable")
	}
}

func TestBookableConflict(t *testing.T) {
	booked := &fakeBooked{intervals: []availability.Interval{
		{Start: nineAMUTC, End: nineAMUTC.Add(time.Hour)},
	}}
	r := New(&fakeStore{windows: mondayMorningNY()}, booked, nil, DefaultLead, fixedClock(dayBefore))

	ok, err := r.Bookable(context.Background(), "expert-1", nineAMUTC, 60)
	if err != nil {
		t.Fatalf("Bookable failed: %v", err)
	}
	if ok {
		t.Fatal("a held slot must not be bookable")
	}
}

func TestResolveValidation(t *testing.T) {
	r := New(&fakeStore{}, &fakeBooked{}, nil, DefaultLead, fixedClock(dayBefore))
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Query)
	}{
		{"empty expert", func(q *Query) { q.ExpertID = "" }},
		{"inverted range", func(q *Query) { q.From, q.To = q.To, q.From }},
		{"range too wide", func(q *Query) { q.To = q.From.AddDate(0, 0, 91) }},
		{"duration too short", func(q *Query) { q.DurationMinutes = 10 }},
		{"duration too long", func(q *Query) { q.DurationMinutes = 481 }},
		{"granularity off grid", func(q *Query) { q.GranularityMinutes = 20 }},
		{"granularity too coarse", func(q *Query) { q.GranularityMinutes = 180 }},
		{"unknown timezone", func(q *Query) { q.ViewerTZ = "Mars/Olympus" }},
	}
	for _, tc := range cases {
		q := baseQuery()
		tc.mutate(&q)
		if _, err := r.Resolve(ctx, q); !errors.Is(err, ErrBadQuery) {
			t.Fatalf("%s: expected ErrBadQuery, got %v", tc.name, err)
		}
	}
}
