package availability

import (
	"fmt"
	"time"

	"github.com/consulere/booking/services/booking-service/internal/model"
)

// MinWindowMinutes is the smallest weekly window span accepted at write time.
const MinWindowMinutes = 15

// ValidateWindow checks a weekly rule before it is stored. Windows use
// minutes from local midnight and must stay inside one local day.
func ValidateWindow(w model.Window) error {
	if w.Weekday < 0 || w.Weekday > 6 {
		return fmt.Errorf("weekday must be 0..6, got %d", w.Weekday)
	}
	if w.StartMinute < 0 || w.EndMinute > 24*60 {
		return fmt.Errorf("window must fit one day: start %d end %d", w.StartMinute, w.EndMinute)
	}
	if w.EndMinute-w.StartMinute < MinWindowMinutes {
		return fmt.Errorf("window must span at least %d minutes", MinWindowMinutes)
	}
	if _, err := time.LoadLocation(w.Timezone); err != nil {
		return fmt.Errorf("unknown timezone %q", w.Timezone)
	}
	return nil
}

// ExpandWindows materializes weekly rules into concrete UTC intervals over
// [from, to), merged into a minimal set. Each rule is evaluated on the local
// calendar of its own zone, so a window keeps its wall-clock hours across
// DST transitions.
func ExpandWindows(windows []model.Window, from, to time.Time) ([]Interval, error) {
	if !to.After(from) {
		return nil, nil
	}

	var out []Interval
	for _, w := range windows {
		if !w.Active {
			continue
		}
		loc, err := time.LoadLocation(w.Timezone)
		if err != nil {
			return nil, fmt.Errorf("window %s: unknown timezone %q", w.ID, w.Timezone)
		}

		// Walk local days starting at the local date containing from. A
		// window never crosses local midnight, so earlier days cannot reach
		// into the range.
		local := from.In(loc)
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		for day.Before(to) {
			if int(day.Weekday()) == w.Weekday {
				start := time.Date(day.Year(), day.Month(), day.Day(), w.StartMinute/60, w.StartMinute%60, 0, 0, loc)
				end := time.Date(day.Year(), day.Month(), day.Day(), w.EndMinute/60, w.EndMinute%60, 0, 0, loc)
				if iv := (Interval{Start: start.UTC(), End: end.UTC()}).Clip(from, to); !iv.IsZero() {
					out = append(out, iv)
				}
			}
			day = day.AddDate(0, 0, 1)
		}
	}
	return Merge(out), nil
}
