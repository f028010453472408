package payments

import (
	"context"
	"errors"
)

var (
	// ErrPaymentFailed is a definitive gateway decline. The hold is released
	// and the client must start over.
	ErrPaymentFailed = errors.New("payment failed")

	// ErrPaymentTimeout means the gateway did not answer inside the call
	// budget. The charge state is unknown; the hold is released and a late
	// success is refunded by the webhook path.
	ErrPaymentTimeout = errors.New("payment gateway timeout")

	// ErrGatewayUnavailable is a transport or provider-side failure worth
	// retrying later.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// Intent describes the charge for one reservation.
type Intent struct {
	AppointmentID string
	ExpertID      string
	Amount        int64
	Currency      string
	Description   string
	ReceiptEmail  string
}

// Gateway is the payment provider contract the orchestrator drives. Both
// calls must be idempotent on the provider side: CreateIntent keys on the
// appointment id, Refund on the payment reference.
type Gateway interface {
	CreateIntent(ctx context.Context, intent Intent) (string, error)
	Refund(ctx context.Context, paymentRef, reason string) (string, error)
}
