package model

import "time"

// Appointment statuses. Pending rows hold the slot until payment confirms
// or the hold expires; only pending and confirmed rows block the calendar.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusNoShow    = "no_show"
)

// Cancellation actors recorded on cancelled rows.
const (
	CancelledByExpert = "expert"
	CancelledByClient = "client"
	CancelledBySystem = "system"
)

// Refund outcomes. Empty means no refund was ever owed or requested.
const (
	RefundRefunded = "refunded"
	RefundFailed   = "refund_failed"
)

type Appointment struct {
	ID            string
	ExpertID      string
	ClientID      string
	ClientName    string
	ClientEmail   string
	ClientNotes   string
	ScheduledAt   time.Time // UTC instant the consultation starts
	Timezone      string    // IANA zone the client booked in, display only
	DurationMins  int
	Status        string
	TotalAmount   int64 // minor units
	PlatformFee   int64
	ExpertEarning int64
	Currency      string
	PaymentRef    string
	RefundRef     string
	RefundStatus  string
	CancelledAt   *time.Time
	CancelledBy   string
	CancelReason  string
	ExpiresAt     *time.Time // pending hold deadline
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (a Appointment) EndsAt() time.Time {
	return a.ScheduledAt.Add(time.Duration(a.DurationMins) * time.Minute)
}

// Blocks reports whether the appointment occupies its interval on the
// expert's calendar.
func (a Appointment) Blocks() bool {
	return a.Status == StatusPending || a.Status == StatusConfirmed
}
