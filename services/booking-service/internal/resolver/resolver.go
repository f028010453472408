package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/consulere/booking/services/booking-service/internal/availability"
	"github.com/consulere/booking/services/booking-service/internal/model"
)

// Query bounds. Durations and grid steps run on quarter-hour multiples so a
// finer grid always contains every coarser grid's starts.
const (
	DefaultGranularityMinutes = 30
	MinGranularityMinutes     = 15
	MaxGranularityMinutes     = 120
	MinDurationMinutes        = 15
	MaxDurationMinutes        = 480
	MaxRangeDays              = 90

	// DefaultLead keeps last-second bookings off the calendar.
	DefaultLead = time.Hour
)

// ErrBadQuery wraps every validation failure a slot query can produce.
var ErrBadQuery = errors.New("invalid slot query")

type Query struct {
	ExpertID           string
	From               time.Time
	To                 time.Time
	DurationMinutes    int
	GranularityMinutes int
	ViewerTZ           string
}

// Slot is one offerable start. Start and End stay UTC instants;
// LocalDisplay renders Start in the viewer's zone.
type Slot struct {
	Start        time.Time `json:"utc_start"`
	End          time.Time `json:"utc_end"`
	LocalDisplay string    `json:"local_display"`
}

type Result struct {
	Slots []Slot
	// CalendarDegraded warns that externally booked time may be missing
	// from the answer. Accuracy note, never a failure.
	CalendarDegraded bool
}

// AvailabilityStore supplies the expert's published schedule.
type AvailabilityStore interface {
	ListWindows(ctx context.Context, expertID string) ([]model.Window, error)
	ListBlocks(ctx context.Context, expertID string, from, to time.Time) ([]model.BlockedSlot, error)
}

// BookedSource supplies intervals already held or confirmed in the ledger.
type BookedSource interface {
	ListBookedIntervals(ctx context.Context, expertID string, from, to time.Time) ([]availability.Interval, error)
}

// OverlaySource supplies externally booked time, possibly degraded.
type OverlaySource interface {
	Busy(ctx context.Context, expertID string, from, to time.Time) ([]availability.Interval, bool, error)
}

// Resolver composes windows, blocks, ledger holds and the calendar overlay
// into bookable starts. It never writes anything.
type Resolver struct {
	store   AvailabilityStore
	booked  BookedSource
	overlay OverlaySource
	lead    time.Duration
	now     func() time.Time
}

func New(store AvailabilityStore, booked BookedSource, overlay OverlaySource, lead time.Duration, now func() time.Time) *Resolver {
	if lead < 0 {
		lead = DefaultLead
	}
	if now == nil {
		now = time.Now
	}
	return &Resolver{store: store, booked: booked, overlay: overlay, lead: lead, now: now}
}

func (r *Resolver) Resolve(ctx context.Context, q Query) (Result, error) {
	if q.GranularityMinutes == 0 {
		q.GranularityMinutes = DefaultGranularityMinutes
	}
	q.From = q.From.UTC()
	q.To = q.To.UTC()
	if err := validateQuery(q); err != nil {
		return Result{}, err
	}

	display := time.UTC
	if q.ViewerTZ != "" {
		loc, err := time.LoadLocation(q.ViewerTZ)
		if err != nil {
			return Result{}, fmt.Errorf("%w: unknown timezone %q", ErrBadQuery, q.ViewerTZ)
		}
		display = loc
	}

	// Expand a day beyond the range on both sides. Windows never span
	// midnight, so every window day touching the range survives unclipped
	// and the slot grid anchors at true window starts. Two queries with
	// different from-times therefore offer the same starts.
	expandFrom := q.From.Add(-24 * time.Hour)
	expandTo := q.To.Add(24 * time.Hour)

	windows, err := r.store.ListWindows(ctx, q.ExpertID)
	if err != nil {
		return Result{}, err
	}
	free, err := availability.ExpandWindows(windows, expandFrom, expandTo)
	if err != nil {
		return Result{}, err
	}
	if len(free) == 0 {
		return Result{}, nil
	}

	// Busy sources cover the widened range too: a slot starting inside the
	// range may end past it, and its whole span must be conflict-checked.
	blocks, err := r.store.ListBlocks(ctx, q.ExpertID, expandFrom, expandTo)
	if err != nil {
		return Result{}, err
	}
	busy, err := availability.ExpandBlocks(blocks, expandFrom, expandTo)
	if err != nil {
		return Result{}, err
	}

	booked, err := r.booked.ListBookedIntervals(ctx, q.ExpertID, expandFrom, expandTo)
	if err != nil {
		return Result{}, err
	}
	busy = append(busy, booked...)

	var degraded bool
	if r.overlay != nil {
		external, deg, err := r.overlay.Busy(ctx, q.ExpertID, expandFrom, expandTo)
		if err != nil {
			return Result{}, err
		}
		degraded = deg
		busy = append(busy, external...)
	}

	duration := time.Duration(q.DurationMinutes) * time.Minute
	step := time.Duration(q.GranularityMinutes) * time.Minute
	cutoff := r.now().UTC().Add(r.lead)

	var slots []Slot
	for _, win := range free {
		for _, start := range availability.AvailableSlots(win.Start, win.End, duration, step, busy, cutoff) {
			if start.Before(q.From) || !start.Before(q.To) {
				continue
			}
			slots = append(slots, Slot{
				Start:        start,
				End:          start.Add(duration),
				LocalDisplay: start.In(display).Format(time.RFC3339),
			})
		}
	}
	return Result{Slots: slots, CalendarDegraded: degraded}, nil
}

// Bookable reports whether one specific start would have been offered at the
// finest grid. Reserve runs it as a guardrail; the database overlap
// constraint stays the final word.
func (r *Resolver) Bookable(ctx context.Context, expertID string, start time.Time, durationMins int) (bool, error) {
	start = start.UTC()
	res, err := r.Resolve(ctx, Query{
		ExpertID:           expertID,
		From:               start,
		To:                 start.Add(time.Duration(durationMins) * time.Minute),
		DurationMinutes:    durationMins,
		GranularityMinutes: MinGranularityMinutes,
	})
	if err != nil {
		return false, err
	}
	for _, s := range res.Slots {
		if s.Start.Equal(start) {
			return true, nil
		}
	}
	return false, nil
}

func validateQuery(q Query) error {
	if q.ExpertID == "" {
		return fmt.Errorf("%w: expert id required", ErrBadQuery)
	}
	if !q.To.After(q.From) {
		return fmt.Errorf("%w: empty range", ErrBadQuery)
	}
	if q.To.Sub(q.From) > MaxRangeDays*24*time.Hour {
		return fmt.Errorf("%w: range exceeds %d days", ErrBadQuery, MaxRangeDays)
	}
	if q.DurationMinutes < MinDurationMinutes || q.DurationMinutes > MaxDurationMinutes {
		return fmt.Errorf("%w: duration must be %d..%d minutes", ErrBadQuery, MinDurationMinutes, MaxDurationMinutes)
	}
	if q.GranularityMinutes < MinGranularityMinutes || q.GranularityMinutes > MaxGranularityMinutes ||
		q.GranularityMinutes%MinGranularityMinutes != 0 {
		return fmt.Errorf("%w: granularity must be a multiple of %d up to %d minutes",
			ErrBadQuery, MinGranularityMinutes, MaxGranularityMinutes)
	}
	return nil
}
