package payments

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// NoopGateway stands in when no gateway credentials are configured. It
// accepts every charge immediately; the webhook simulator drives the
// confirmation side in local setups.
type NoopGateway struct {
	logger *slog.Logger
}

func NewNoopGateway(logger *slog.Logger) *NoopGateway {
	return &NoopGateway{logger: logger}
}

func (g *NoopGateway) CreateIntent(_ context.Context, intent Intent) (string, error) {
	ref := "sim_pi_" + uuid.NewString()
	g.logger.Info("noop gateway accepted intent",
		"appointment_id", intent.AppointmentID, "amount", intent.Amount, "payment_ref", ref)
	return ref, nil
}

func (g *NoopGateway) Refund(_ context.Context, paymentRef, reason string) (string, error) {
	ref := "sim_re_" + uuid.NewString()
	g.logger.Info("noop gateway accepted refund", "payment_ref", paymentRef, "reason", reason, "refund_ref", ref)
	return ref, nil
}
