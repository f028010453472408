package availability

import (
	"testing"
	"time"

	"github.com/consulere/booking/services/booking-service/internal/model"
)

func TestParseRule(t *testing.T) {
	rule, err := ParseRule("weekly;interval=2;until=2026-06-30")
	if err != nil {
		t.Fatalf("ParseRule failed: %v", err)
	}
	if rule.Freq != FreqWeekly || rule.Interval != 2 {
		t.Fatalf("unexpected rule: %+v", rule)
	}
	if rule.Until.Format("2006-01-02") != "2026-06-30" {
		t.Fatalf("unexpected until: %s", rule.Until)
	}

	rule, err = ParseRule("monthly;count=3")
	if err != nil {
		t.Fatalf("ParseRule failed: %v", err)
	}
	if rule.Freq != FreqMonthly || rule.Count != 3 || rule.Interval != 1 {
		t.Fatalf("unexpected rule: %+v", rule)
	}

	for _, bad := range []string{
		"", "daily", "weekly;interval=0", "weekly;interval=x",
		"monthly;until=30-06-2026", "weekly;count=-1", "weekly;basis=7", "weekly;interval",
	} {
		if _, err := ParseRule(bad); err == nil {
			t.Fatalf("ParseRule(%q): expected error", bad)
		}
	}
}

func TestExpandBlocksOneOff(t *testing.T) {
	block := model.BlockedSlot{
		ID:       "b1",
		ExpertID: "exp-1",
		StartAt:  time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
		EndAt:    time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC),
	}
	got, err := ExpandBlocks([]model.BlockedSlot{block},
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ExpandBlocks failed: %v", err)
	}
	if len(got) != 1 || !got[0].Start.Equal(block.StartAt) || !got[0].End.Equal(block.EndAt) {
		t.Fatalf("unexpected expansion: %v", got)
	}
}

func TestExpandBlocksWeeklyKeepsWallClockAcrossDST(t *testing.T) {
	// Anchor Monday 2026-03-02 09:00-10:00 New York (EST, 14:00 UTC). The
	// occurrence after the March 8 DST change must stay at 09:00 local,
	// which is 13:00 UTC.
	block := model.BlockedSlot{
		ID:             "b1",
		ExpertID:       "exp-1",
		StartAt:        time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
		EndAt:          time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
		Recurring:      true,
		RecurrenceRule: "weekly",
		Timezone:       "America/New_York",
	}
	got, err := ExpandBlocks([]model.BlockedSlot{block},
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ExpandBlocks failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 occurrences, got %d: %v", len(got), got)
	}
	if !got[1].Start.Equal(time.Date(2026, 3, 9, 13, 0, 0, 0, time.UTC)) {
		t.Fatalf("post-DST occurrence drifted: %s", got[1].Start)
	}
	if got[1].End.Sub(got[1].Start) != time.Hour {
		t.Fatalf("occurrence span changed: %v", got[1])
	}
}

func TestExpandBlocksMonthlySkipsShortMonths(t *testing.T) {
	block := model.BlockedSlot{
		ID:             "b1",
		ExpertID:       "exp-1",
		StartAt:        time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC),
		EndAt:          time.Date(2026, 1, 31, 11, 0, 0, 0, time.UTC),
		Recurring:      true,
		RecurrenceRule: "monthly",
	}
	got, err := ExpandBlocks([]model.BlockedSlot{block},
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ExpandBlocks failed: %v", err)
	}
	// February, April and June have no 31st.
	want := []time.Time{
		time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 5, 31, 10, 0, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d occurrences, got %d: %v", len(want), len(got), got)
	}
	for i, w := range want {
		if !got[i].Start.Equal(w) {
			t.Fatalf("occurrence %d: got %s, want %s", i, got[i].Start, w)
		}
	}
}

func TestExpandBlocksCountAndUntil(t *testing.T) {
	base := model.BlockedSlot{
		ID:        "b1",
		ExpertID:  "exp-1",
		StartAt:   time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
		EndAt:     time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC),
		Recurring: true,
	}
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	counted := base
	counted.RecurrenceRule = "weekly;count=2"
	got, err := ExpandBlocks([]model.BlockedSlot{counted}, from, to)
	if err != nil {
		t.Fatalf("ExpandBlocks failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("count=2: expected 2 occurrences, got %d", len(got))
	}

	bounded := base
	bounded.RecurrenceRule = "weekly;until=2026-01-19"
	got, err = ExpandBlocks([]model.BlockedSlot{bounded}, from, to)
	if err != nil {
		t.Fatalf("ExpandBlocks failed: %v", err)
	}
	// Jan 5, 12, 19; the 26th starts after the inclusive until date.
	if len(got) != 3 {
		t.Fatalf("until: expected 3 occurrences, got %d: %v", len(got), got)
	}
}

func TestExpandBlocksAllDay(t *testing.T) {
	block := model.BlockedSlot{
		ID:       "b1",
		ExpertID: "exp-1",
		StartAt:  time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC), // 09:30 New York
		EndAt:    time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
		AllDay:   true,
		Timezone: "America/New_York",
	}
	got, err := ExpandBlocks([]model.BlockedSlot{block},
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ExpandBlocks failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 interval, got %d", len(got))
	}
	// Local midnight Mar 2 EST is 05:00 UTC; the block covers the full day.
	if !got[0].Start.Equal(time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)) ||
		!got[0].End.Equal(time.Date(2026, 3, 3, 5, 0, 0, 0, time.UTC)) {
		t.Fatalf("all-day bounds wrong: %v", got[0])
	}
}

func TestValidateBlock(t *testing.T) {
	valid := model.BlockedSlot{
		StartAt:        time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
		EndAt:          time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
		Recurring:      true,
		RecurrenceRule: "weekly",
		Timezone:       "America/New_York",
	}
	if err := ValidateBlock(valid); err != nil {
		t.Fatalf("valid block rejected: %v", err)
	}

	inverted := valid
	inverted.EndAt = inverted.StartAt
	if err := ValidateBlock(inverted); err == nil {
		t.Fatal("inverted block accepted")
	}

	badRule := valid
	badRule.RecurrenceRule = "hourly"
	if err := ValidateBlock(badRule); err == nil {
		t.Fatal("bad rule accepted")
	}

	badZone := valid
	badZone.Timezone = "Nowhere/Here"
	if err := ValidateBlock(badZone); err == nil {
		t.Fatal("bad zone accepted")
	}
}
