package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/paymentintent"
	"github.com/stripe/stripe-go/v79/refund"
)

// StripeGateway charges through Stripe PaymentIntents. Every call carries a
// deterministic idempotency key so orchestrator retries never double-charge.
type StripeGateway struct {
	timeout time.Duration
}

func NewStripeGateway(secretKey string, timeout time.Duration) *StripeGateway {
	stripe.Key = secretKey
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &StripeGateway{timeout: timeout}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, intent Intent) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(intent.Amount),
		Currency: stripe.String(intent.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.IdempotencyKey = stripe.String("appointment:" + intent.AppointmentID)
	if intent.Description != "" {
		params.Description = stripe.String(intent.Description)
	}
	if intent.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(intent.ReceiptEmail)
	}
	params.AddMetadata("appointment_id", intent.AppointmentID)
	params.AddMetadata("expert_id", intent.ExpertID)

	pi, err := paymentintent.New(params)
	if err != nil {
		return "", classify(ctx, err)
	}
	return pi.ID, nil
}

func (g *StripeGateway) Refund(ctx context.Context, paymentRef, reason string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(paymentRef),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.IdempotencyKey = stripe.String("refund:" + paymentRef)
	if reason != "" {
		params.AddMetadata("reason", reason)
	}

	ref, err := refund.New(params)
	if err != nil {
		return "", classify(ctx, err)
	}
	return ref.ID, nil
}

// classify maps provider errors onto the gateway taxonomy: declines are
// final, timeouts are unknown-outcome, everything else is retryable
// unavailability.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrPaymentTimeout, err)
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		switch stripeErr.Type {
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest, stripe.ErrorTypeIdempotency:
			return fmt.Errorf("%w: %s", ErrPaymentFailed, stripeErr.Msg)
		case stripe.ErrorTypeAPI:
			return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
}
