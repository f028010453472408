package availability

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/consulere/booking/services/booking-service/internal/model"
)

// Rule is a parsed recurrence for a blocked slot:
//
//	freq[;interval=N][;until=YYYY-MM-DD][;count=N]
//
// freq is weekly or monthly. interval repeats every Nth week or month
// (default 1). until is the inclusive last local date an occurrence may
// start on; count caps occurrences including the anchor. Absent bounds the
// rule repeats for as long as anyone asks.
type Rule struct {
	Freq     string
	Interval int
	Until    time.Time // local date, zero when unbounded
	Count    int       // 0 when unbounded
}

const (
	FreqWeekly  = "weekly"
	FreqMonthly = "monthly"
)

func ParseRule(s string) (Rule, error) {
	parts := strings.Split(strings.TrimSpace(strings.ToLower(s)), ";")
	if len(parts) == 0 || parts[0] == "" {
		return Rule{}, fmt.Errorf("empty recurrence rule")
	}

	rule := Rule{Freq: strings.TrimSpace(parts[0]), Interval: 1}
	if rule.Freq != FreqWeekly && rule.Freq != FreqMonthly {
		return Rule{}, fmt.Errorf("unknown recurrence frequency %q", rule.Freq)
	}

	for _, part := range parts[1:] {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return Rule{}, fmt.Errorf("malformed recurrence parameter %q", part)
		}
		switch key {
		case "interval":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return Rule{}, fmt.Errorf("interval must be a positive integer, got %q", value)
			}
			rule.Interval = n
		case "until":
			d, err := time.Parse("2006-01-02", value)
			if err != nil {
				return Rule{}, fmt.Errorf("until must be YYYY-MM-DD, got %q", value)
			}
			rule.Until = d
		case "count":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return Rule{}, fmt.Errorf("count must be a positive integer, got %q", value)
			}
			rule.Count = n
		default:
			return Rule{}, fmt.Errorf("unknown recurrence parameter %q", key)
		}
	}
	return rule, nil
}

// ValidateBlock checks a blocked slot before it is stored.
func ValidateBlock(b model.BlockedSlot) error {
	if !b.EndAt.After(b.StartAt) {
		return fmt.Errorf("block end must be after start")
	}
	if b.Timezone != "" {
		if _, err := time.LoadLocation(b.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q", b.Timezone)
		}
	}
	if b.Recurring {
		if _, err := ParseRule(b.RecurrenceRule); err != nil {
			return err
		}
	}
	return nil
}

// ExpandBlocks materializes blocked slots into UTC busy intervals over
// [from, to), merged. Recurring blocks repeat the anchor's wall-clock span
// in the block's zone; all-day blocks cover whole local days.
func ExpandBlocks(blocks []model.BlockedSlot, from, to time.Time) ([]Interval, error) {
	if !to.After(from) {
		return nil, nil
	}

	var out []Interval
	for _, b := range blocks {
		loc := time.UTC
		if b.Timezone != "" {
			l, err := time.LoadLocation(b.Timezone)
			if err != nil {
				return nil, fmt.Errorf("block %s: unknown timezone %q", b.ID, b.Timezone)
			}
			loc = l
		}

		anchorStart := b.StartAt.In(loc)
		anchorEnd := b.EndAt.In(loc)
		if b.AllDay {
			anchorStart = time.Date(anchorStart.Year(), anchorStart.Month(), anchorStart.Day(), 0, 0, 0, 0, loc)
			// Cover every local day the block touches.
			last := b.EndAt.In(loc).Add(-time.Nanosecond)
			anchorEnd = time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
		}

		if !b.Recurring {
			if iv := (Interval{Start: anchorStart.UTC(), End: anchorEnd.UTC()}).Clip(from, to); !iv.IsZero() {
				out = append(out, iv)
			}
			continue
		}

		rule, err := ParseRule(b.RecurrenceRule)
		if err != nil {
			return nil, fmt.Errorf("block %s: %w", b.ID, err)
		}
		occ, err := expandRule(rule, anchorStart, anchorEnd, from, to)
		if err != nil {
			return nil, fmt.Errorf("block %s: %w", b.ID, err)
		}
		out = append(out, occ...)
	}
	return Merge(out), nil
}

// expandRule walks occurrences from the anchor forward, shifting the
// anchor's wall clock by whole weeks or months so the local start time is
// stable across DST. Monthly rules anchored on a day a month lacks skip
// that month without consuming count. Occurrence starts grow monotonically
// with n, so reaching the range end terminates the walk.
func expandRule(rule Rule, anchorStart, anchorEnd, from, to time.Time) ([]Interval, error) {
	var out []Interval
	produced := 0
	for n := 0; ; n++ {
		var start, end time.Time
		skipped := false
		switch rule.Freq {
		case FreqWeekly:
			start = anchorStart.AddDate(0, 0, 7*rule.Interval*n)
			end = anchorEnd.AddDate(0, 0, 7*rule.Interval*n)
		case FreqMonthly:
			start = anchorStart.AddDate(0, rule.Interval*n, 0)
			end = anchorEnd.AddDate(0, rule.Interval*n, 0)
			// AddDate rolls a missing day into the next month (Jan 31 plus
			// one month lands on Mar 2 or 3); that month has no occurrence.
			skipped = start.Day() != anchorStart.Day()
		default:
			return nil, fmt.Errorf("unknown recurrence frequency %q", rule.Freq)
		}

		if !start.Before(to) {
			return out, nil
		}
		if skipped {
			continue
		}

		produced++
		if rule.Count > 0 && produced > rule.Count {
			return out, nil
		}
		if !rule.Until.IsZero() && localDateAfter(start, rule.Until) {
			return out, nil
		}
		if iv := (Interval{Start: start.UTC(), End: end.UTC()}).Clip(from, to); !iv.IsZero() {
			out = append(out, iv)
		}
	}
}

func localDateAfter(t time.Time, date time.Time) bool {
	ty, tm, td := t.Date()
	dy, dm, dd := date.Date()
	if ty != dy {
		return ty > dy
	}
	if tm != dm {
		return tm > dm
	}
	return td > dd
}
