package model

import "time"

// Window is one recurring weekly availability rule. Minutes count from local
// midnight in the window's zone; a window never crosses midnight.
type Window struct {
	ID          string
	ExpertID    string
	Weekday     int // 0 = Sunday .. 6 = Saturday
	StartMinute int
	EndMinute   int
	Timezone    string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BlockedSlot removes time from availability regardless of windows. A
// recurring block repeats per its rule, keeping the anchor's wall-clock time
// in the stored zone.
type BlockedSlot struct {
	ID             string
	ExpertID       string
	StartAt        time.Time
	EndAt          time.Time
	AllDay         bool
	Recurring      bool
	RecurrenceRule string
	Timezone       string
	Reason         string
	CreatedAt      time.Time
}

// Rate is the expert's price input. Appointment totals derive from it at
// reservation time and are frozen on the appointment row.
type Rate struct {
	ExpertID   string
	HourlyRate int64 // minor units per hour
	Currency   string
	UpdatedAt  time.Time
}
