package model

import "errors"

var (
	// ErrSlotConflict means the requested interval is already held by a
	// pending or confirmed appointment for the same expert.
	ErrSlotConflict = errors.New("slot conflict")

	// ErrReservationExpired means a pending hold outlived its deadline and
	// can no longer be confirmed.
	ErrReservationExpired = errors.New("reservation expired")

	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("not found")

	// ErrRateNotSet means the expert has no hourly rate yet, so nothing can
	// be priced or reserved.
	ErrRateNotSet = errors.New("expert rate not configured")

	// ErrInvariantViolation marks a broken money or state invariant. It is
	// never retried and never swallowed.
	ErrInvariantViolation = errors.New("invariant violation")
)
