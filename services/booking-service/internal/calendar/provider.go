package calendar

import (
	"context"
	"time"

	"github.com/consulere/booking/services/booking-service/internal/availability"
)

// Integration is the decrypted connection record the overlay hands to the
// provider. Credentials never touch logs or the wire unencrypted beyond this
// call.
type Integration struct {
	ExpertID    string
	Provider    string
	Credentials []byte
}

// Provider fetches externally booked time from a connected calendar. The
// range is UTC and half-open; implementations may return intervals wider
// than it, the overlay clips.
type Provider interface {
	FetchBusy(ctx context.Context, integ Integration, from, to time.Time) ([]availability.Interval, error)
}
