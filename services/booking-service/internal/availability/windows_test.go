package availability

import (
	"testing"
	"time"

	"github.com/consulere/booking/services/booking-service/internal/model"
)

func nyWindow(weekday, startMin, endMin int) model.Window {
	return model.Window{
		ID:          "w1",
		ExpertID:    "exp-1",
		Weekday:     weekday,
		StartMinute: startMin,
		EndMinute:   endMin,
		Timezone:    "America/New_York",
		Active:      true,
	}
}

func TestExpandWindowsAcrossDST(t *testing.T) {
	// US DST starts Sunday 2026-03-08. Mondays 09:00-12:00 New York should
	// land on 14:00 UTC before the change and 13:00 UTC after it.
	win := nyWindow(1, 9*60, 12*60)
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	got, err := ExpandWindows([]model.Window{win}, from, to)
	if err != nil {
		t.Fatalf("ExpandWindows failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 intervals, got %d: %v", len(got), got)
	}
	if !got[0].Start.Equal(time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("EST Monday start: got %s", got[0].Start)
	}
	if !got[1].Start.Equal(time.Date(2026, 3, 9, 13, 0, 0, 0, time.UTC)) {
		t.Fatalf("EDT Monday start: got %s", got[1].Start)
	}
	for _, iv := range got {
		if iv.End.Sub(iv.Start) != 3*time.Hour {
			t.Fatalf("window span changed across DST: %v", iv)
		}
	}
}

func TestExpandWindowsUnionsOverlaps(t *testing.T) {
	a := nyWindow(1, 9*60, 11*60)
	b := nyWindow(1, 10*60, 13*60)
	b.ID = "w2"

	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

	got, err := ExpandWindows([]model.Window{a, b}, from, to)
	if err != nil {
		t.Fatalf("ExpandWindows failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 merged interval, got %d: %v", len(got), got)
	}
	if !got[0].Start.Equal(time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)) ||
		!got[0].End.Equal(time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)) {
		t.Fatalf("merged interval wrong: %v", got[0])
	}
}

func TestExpandWindowsSkipsInactive(t *testing.T) {
	win := nyWindow(1, 9*60, 12*60)
	win.Active = false

	got, err := ExpandWindows([]model.Window{win},
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ExpandWindows failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("inactive window expanded: %v", got)
	}
}

func TestExpandWindowsClipsToRange(t *testing.T) {
	win := nyWindow(1, 9*60, 12*60)
	// Range begins mid-window: Monday 2026-03-02 15:00 UTC is 10:00 EST.
	from := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

	got, err := ExpandWindows([]model.Window{win}, from, to)
	if err != nil {
		t.Fatalf("ExpandWindows failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 interval, got %d", len(got))
	}
	if !got[0].Start.Equal(from) {
		t.Fatalf("expected clip at range start, got %s", got[0].Start)
	}
}

func TestValidateWindow(t *testing.T) {
	valid := nyWindow(1, 9*60, 17*60)
	if err := ValidateWindow(valid); err != nil {
		t.Fatalf("valid window rejected: %v", err)
	}

	cases := []struct {
		name string
		mut  func(*model.Window)
	}{
		{"bad weekday", func(w *model.Window) { w.Weekday = 7 }},
		{"negative start", func(w *model.Window) { w.StartMinute = -10 }},
		{"past midnight", func(w *model.Window) { w.EndMinute = 25 * 60 }},
		{"too short", func(w *model.Window) { w.EndMinute = w.StartMinute + 5 }},
		{"inverted", func(w *model.Window) { w.EndMinute = w.StartMinute - 60 }},
		{"bad zone", func(w *model.Window) { w.Timezone = "Mars/Olympus" }},
	}
	for _, c := range cases {
		w := valid
		c.mut(&w)
		if err := ValidateWindow(w); err == nil {
			t.Fatalf("%s: expected error", c.name)
		}
	}
}
