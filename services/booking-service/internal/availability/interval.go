package availability

import (
	"sort"
	"time"
)

// Interval is a half-open [Start, End) span. All interval math in this
// package treats instants as absolute; callers convert wall-clock rules to
// instants before composing them.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (iv Interval) IsZero() bool {
	return iv.Start.IsZero() && iv.End.IsZero()
}

// Overlaps reports whether two half-open intervals share any instant.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Clip restricts the interval to [from, to). The zero Interval means empty.
func (iv Interval) Clip(from, to time.Time) Interval {
	start, end := iv.Start, iv.End
	if start.Before(from) {
		start = from
	}
	if end.After(to) {
		end = to
	}
	if !end.After(start) {
		return Interval{}
	}
	return Interval{Start: start, End: end}
}

// Merge sorts intervals and unions overlapping or touching ones. Empty
// intervals are dropped. The input slice is not modified.
func Merge(intervals []Interval) []Interval {
	in := make([]Interval, 0, len(intervals))
	for _, iv := range intervals {
		if iv.End.After(iv.Start) {
			in = append(in, iv)
		}
	}
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool { return in[i].Start.Before(in[j].Start) })

	out := []Interval{in[0]}
	for _, iv := range in[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

func overlapsAny(start, end time.Time, busy []Interval) bool {
	for _, b := range busy {
		// Half-open intervals: [start,end) overlaps [b.Start,b.End) iff start < b.End && b.Start < end.
		if start.Before(b.End) && b.Start.Before(end) {
			return true
		}
	}
	return false
}
