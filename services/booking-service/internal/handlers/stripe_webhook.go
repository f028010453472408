package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/consulere/booking/services/booking-service/internal/storage"
)

// PaymentEvents is the orchestrator surface the webhook drives. Both calls
// are idempotent, so a replayed event that slipped past the dedup latch is
// harmless.
type PaymentEvents interface {
	HandlePaymentSucceeded(ctx context.Context, appointmentID, paymentRef string) error
	HandlePaymentFailed(ctx context.Context, appointmentID, reason string) error
}

// ProviderEventStore remembers which provider events were already handled.
type ProviderEventStore interface {
	Seen(ctx context.Context, provider, providerEventID string) (bool, error)
	Insert(ctx context.Context, provider, providerEventID, eventType string, payload []byte) error
}

// StripeWebhookHandler handles Stripe webhooks (no JWT auth; signature
// verification is the auth).
type StripeWebhookHandler struct {
	signingSecret string
	tolerance     time.Duration
	events        PaymentEvents
	store         ProviderEventStore
	logger        *slog.Logger
}

func NewStripeWebhookHandler(signingSecret string, tolerance time.Duration, events PaymentEvents, store ProviderEventStore, logger *slog.Logger) *StripeWebhookHandler {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &StripeWebhookHandler{
		signingSecret: signingSecret,
		tolerance:     tolerance,
		events:        events,
		store:         store,
		logger:        logger,
	}
}

func (h *StripeWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.signingSecret) == "" {
		writeError(w, http.StatusServiceUnavailable, "stripe webhook not configured")
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		writeError(w, http.StatusBadRequest, "missing Stripe-Signature header")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.signingSecret, h.tolerance)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	ctx := r.Context()
	evtType := string(evt.Type)

	seen, err := h.store.Seen(ctx, "stripe", evt.ID)
	if err != nil {
		h.logger.Error("provider event lookup failed", "provider_event_id", evt.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to check provider event")
		return
	}
	if seen {
		h.logger.Info("provider event duplicate ignored", "provider_event_id", evt.ID, "event_type", evtType)
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
		return
	}

	switch evtType {
	case "payment_intent.succeeded":
		pi, appointmentID, ok := paymentIntentOf(evt, h.logger)
		if !ok {
			break
		}
		if err := h.events.HandlePaymentSucceeded(ctx, appointmentID, pi.ID); err != nil {
			h.logger.Error("payment success processing failed",
				"appointment_id", appointmentID, "provider_event_id", evt.ID, "err", err)
			// A non-2xx makes Stripe retry; processing is idempotent.
			writeError(w, http.StatusInternalServerError, "failed to apply payment")
			return
		}

	case "payment_intent.payment_failed", "payment_intent.canceled":
		pi, appointmentID, ok := paymentIntentOf(evt, h.logger)
		if !ok {
			break
		}
		reason := "payment failed"
		if evtType == "payment_intent.canceled" {
			reason = "payment canceled"
		}
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			reason = pi.LastPaymentError.Msg
		}
		if err := h.events.HandlePaymentFailed(ctx, appointmentID, reason); err != nil {
			h.logger.Error("payment failure processing failed",
				"appointment_id", appointmentID, "provider_event_id", evt.ID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to apply payment failure")
			return
		}

	default:
		// Unhandled event types are acknowledged so Stripe stops resending
		// them.
	}

	if err := h.store.Insert(ctx, "stripe", evt.ID, evtType, body); err != nil &&
		!errors.Is(err, storage.ErrDuplicateProviderEvent) {
		// The effects above already landed and are idempotent; a missing
		// latch only means a retry takes the same path again.
		h.logger.Warn("provider event record failed", "provider_event_id", evt.ID, "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// paymentIntentOf unpacks the intent and its appointment binding. Events
// without our metadata belong to some other product using the same Stripe
// account and are acknowledged untouched.
func paymentIntentOf(evt stripe.Event, logger *slog.Logger) (stripe.PaymentIntent, string, bool) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
		logger.Error("stripe: invalid payment intent payload", "provider_event_id", evt.ID, "err", err)
		return stripe.PaymentIntent{}, "", false
	}
	appointmentID := strings.TrimSpace(pi.Metadata["appointment_id"])
	if appointmentID == "" {
		logger.Warn("stripe: payment intent without appointment_id metadata", "provider_event_id", evt.ID)
		return stripe.PaymentIntent{}, "", false
	}
	return pi, appointmentID, true
}
