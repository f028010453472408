package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/consulere/booking/services/booking-service/internal/model"
	"github.com/consulere/booking/services/booking-service/internal/payments"
	"github.com/consulere/booking/services/booking-service/internal/storage"
)

// ErrOutsideAvailability means the requested start failed the availability
// re-check before any hold was taken.
var ErrOutsideAvailability = errors.New("requested time is outside the expert's availability")

// DefaultHold is how long a pending reservation blocks the slot while the
// client completes payment.
const DefaultHold = 15 * time.Minute

// Ledger is the slice of the appointment store the saga drives. The concrete
// implementation is storage.Ledger; status transitions live there, never here.
type Ledger interface {
	Reserve(ctx context.Context, p storage.ReserveParams) (model.Appointment, bool, error)
	FindByIdempotencyKey(ctx context.Context, expertID, key string) (model.Appointment, bool, error)
	AttachPaymentRef(ctx context.Context, id, paymentRef string) error
	Confirm(ctx context.Context, id, paymentRef string) (model.Appointment, error)
	Release(ctx context.Context, id, reason string) (model.Appointment, error)
	Cancel(ctx context.Context, id, actor, reason string) (model.Appointment, string, error)
	AttachRefund(ctx context.Context, id, refundRef, refundStatus string) error
	MarkNoShow(ctx context.Context, id, expertID string) (model.Appointment, error)
	Get(ctx context.Context, id string) (model.Appointment, error)
}

// SlotChecker re-validates a requested start against published availability.
// The database overlap constraint stays the real guard; this check produces
// friendlier failures for out-of-window requests.
type SlotChecker interface {
	Bookable(ctx context.Context, expertID string, start time.Time, durationMins int) (bool, error)
}

// Service owns the reserve, pay, confirm/release saga.
type Service struct {
	ledger  Ledger
	gateway payments.Gateway
	slots   SlotChecker
	hold    time.Duration
	logger  *slog.Logger
}

func NewService(ledger Ledger, gateway payments.Gateway, slots SlotChecker, hold time.Duration, logger *slog.Logger) *Service {
	if hold <= 0 {
		hold = DefaultHold
	}
	return &Service{ledger: ledger, gateway: gateway, slots: slots, hold: hold, logger: logger}
}

// Reserve drives the first saga leg: hold the slot, open a payment intent,
// attach its reference. Any intent failure releases the hold in the same
// request, so no half-booked state outlives it.
func (s *Service) Reserve(ctx context.Context, p storage.ReserveParams) (model.Appointment, error) {
	p.HoldFor = s.hold

	// A replayed key must return the prior reservation as-is. The
	// availability re-check would reject it: its own hold occupies the slot.
	if p.IdempotencyKey != "" {
		appt, found, err := s.ledger.FindByIdempotencyKey(ctx, p.ExpertID, p.IdempotencyKey)
		if err != nil {
			return model.Appointment{}, err
		}
		if found {
			return s.ensurePaymentRef(ctx, appt)
		}
	}

	ok, err := s.slots.Bookable(ctx, p.ExpertID, p.ScheduledAt, p.DurationMins)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("availability check: %w", err)
	}
	if !ok {
		return model.Appointment{}, ErrOutsideAvailability
	}

	appt, replayed, err := s.ledger.Reserve(ctx, p)
	if err != nil {
		return model.Appointment{}, err
	}
	if replayed {
		return s.ensurePaymentRef(ctx, appt)
	}
	return s.openIntent(ctx, appt)
}

// ensurePaymentRef re-opens the payment intent for a replayed reservation
// that never got one, which happens when the original request died between
// the hold committing and the gateway answering. The gateway-side idempotency
// key is the appointment id, so a surviving intent is returned, not doubled.
func (s *Service) ensurePaymentRef(ctx context.Context, appt model.Appointment) (model.Appointment, error) {
	if appt.Status != model.StatusPending || appt.PaymentRef != "" {
		return appt, nil
	}
	return s.openIntent(ctx, appt)
}

func (s *Service) openIntent(ctx context.Context, appt model.Appointment) (model.Appointment, error) {
	ref, err := s.gateway.CreateIntent(ctx, payments.Intent{
		AppointmentID: appt.ID,
		ExpertID:      appt.ExpertID,
		Amount:        appt.TotalAmount,
		Currency:      appt.Currency,
		Description:   fmt.Sprintf("Consultation, %d minutes", appt.DurationMins),
		ReceiptEmail:  appt.ClientEmail,
	})
	if err != nil {
		// No charge exists yet. Free the slot now instead of letting the
		// hold ride out its TTL.
		if _, relErr := s.ledger.Release(ctx, appt.ID, "payment intent failed"); relErr != nil {
			s.logger.Error("release after intent failure failed", "appointment_id", appt.ID, "err", relErr)
		}
		return model.Appointment{}, err
	}
	if err := s.ledger.AttachPaymentRef(ctx, appt.ID, ref); err != nil {
		return model.Appointment{}, err
	}
	appt.PaymentRef = ref
	return appt, nil
}

// HandlePaymentSucceeded confirms the hold a successful charge belongs to.
// A charge that lands after the hold expired or was already cancelled is
// refunded, so no unmatched money survives either race.
func (s *Service) HandlePaymentSucceeded(ctx context.Context, appointmentID, paymentRef string) error {
	_, err := s.ledger.Confirm(ctx, appointmentID, paymentRef)
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, model.ErrReservationExpired):
		s.logger.Warn("payment landed on an expired hold",
			"appointment_id", appointmentID, "payment_ref", paymentRef)
		s.refundOrphanedCharge(ctx, appointmentID, paymentRef, "reservation expired before payment")
		return nil
	case errors.Is(err, model.ErrInvalidTransition):
		appt, getErr := s.ledger.Get(ctx, appointmentID)
		if getErr != nil {
			return getErr
		}
		if appt.Status == model.StatusCancelled && appt.RefundStatus == "" {
			s.logger.Warn("payment landed on a cancelled appointment",
				"appointment_id", appointmentID, "payment_ref", paymentRef)
			s.refundOrphanedCharge(ctx, appointmentID, paymentRef, "appointment cancelled before payment")
			return nil
		}
		s.logger.Warn("ignoring payment success for appointment in terminal state",
			"appointment_id", appointmentID, "status", appt.Status)
		return nil
	}
	return err
}

func (s *Service) refundOrphanedCharge(ctx context.Context, appointmentID, paymentRef, reason string) {
	refundRef, err := s.gateway.Refund(ctx, paymentRef, reason)
	if err != nil {
		s.logger.Error("refund of orphaned charge failed",
			"appointment_id", appointmentID, "payment_ref", paymentRef, "err", err)
		if attachErr := s.ledger.AttachRefund(ctx, appointmentID, "", model.RefundFailed); attachErr != nil {
			s.logger.Error("refund failure not recorded", "appointment_id", appointmentID, "err", attachErr)
		}
		return
	}
	if err := s.ledger.AttachRefund(ctx, appointmentID, refundRef, model.RefundRefunded); err != nil {
		s.logger.Error("refund outcome not recorded", "appointment_id", appointmentID, "err", err)
	}
}

// HandlePaymentFailed releases the hold a failed charge belongs to. Failure
// events for appointments that already moved on are acknowledged and ignored.
func (s *Service) HandlePaymentFailed(ctx context.Context, appointmentID, reason string) error {
	if reason == "" {
		reason = "payment failed"
	}
	_, err := s.ledger.Release(ctx, appointmentID, reason)
	if errors.Is(err, model.ErrInvalidTransition) {
		s.logger.Warn("payment failure for a non-pending appointment ignored",
			"appointment_id", appointmentID, "err", err)
		return nil
	}
	return err
}

// Cancel commits the cancellation first; a refund owed on a paid booking is
// requested after commit and its outcome recorded on the row. The returned
// appointment reflects the refund request, not the gateway's final word.
func (s *Service) Cancel(ctx context.Context, id, actor, reason string) (model.Appointment, error) {
	appt, prior, err := s.ledger.Cancel(ctx, id, actor, reason)
	if err != nil {
		return model.Appointment{}, err
	}
	if prior != model.StatusConfirmed || appt.PaymentRef == "" || appt.RefundStatus != "" {
		return appt, nil
	}

	refundRef, err := s.gateway.Refund(ctx, appt.PaymentRef, reason)
	status := model.RefundRefunded
	if err != nil {
		s.logger.Error("refund request failed",
			"appointment_id", appt.ID, "payment_ref", appt.PaymentRef, "err", err)
		status = model.RefundFailed
		refundRef = ""
	}
	if attachErr := s.ledger.AttachRefund(ctx, appt.ID, refundRef, status); attachErr != nil {
		s.logger.Error("refund outcome not recorded", "appointment_id", appt.ID, "err", attachErr)
	}
	appt.RefundRef = refundRef
	appt.RefundStatus = status
	return appt, nil
}

// MarkNoShow records a client no-show. Transition rules live in the ledger.
func (s *Service) MarkNoShow(ctx context.Context, id, expertID string) (model.Appointment, error) {
	return s.ledger.MarkNoShow(ctx, id, expertID)
}
