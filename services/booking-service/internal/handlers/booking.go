package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/consulere/booking/services/booking-service/internal/model"
	"github.com/consulere/booking/services/booking-service/internal/orchestrator"
	"github.com/consulere/booking/services/booking-service/internal/payments"
	"github.com/consulere/booking/services/booking-service/internal/resolver"
	"github.com/consulere/booking/services/booking-service/internal/storage"
)

// Booker is the reservation saga surface the HTTP layer drives.
type Booker interface {
	Reserve(ctx context.Context, p storage.ReserveParams) (model.Appointment, error)
	Cancel(ctx context.Context, id, actor, reason string) (model.Appointment, error)
	MarkNoShow(ctx context.Context, id, expertID string) (model.Appointment, error)
}

// AppointmentReader serves lookups that bypass the saga.
type AppointmentReader interface {
	Get(ctx context.Context, id string) (model.Appointment, error)
	ListByExpert(ctx context.Context, expertID string, limit int) ([]model.Appointment, error)
	ListByClient(ctx context.Context, clientID, clientEmail string, limit int) ([]model.Appointment, error)
}

// SlotResolver computes offerable starts for an expert.
type SlotResolver interface {
	Resolve(ctx context.Context, q resolver.Query) (resolver.Result, error)
}

type BookingHandler struct {
	booker Booker
	ledger AppointmentReader
	slots  SlotResolver
	logger *slog.Logger
}

func NewBookingHandler(booker Booker, ledger AppointmentReader, slots SlotResolver, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{booker: booker, ledger: ledger, slots: slots, logger: logger}
}

type reserveRequest struct {
	ExpertID        string `json:"expert_id"`
	ScheduledAt     string `json:"scheduled_at"`
	DurationMinutes int    `json:"duration_minutes"`
	Timezone        string `json:"timezone"`
	ClientName      string `json:"client_name"`
	ClientEmail     string `json:"client_email"`
	ClientNotes     string `json:"client_notes"`
}

type cancelRequest struct {
	Reason      string `json:"reason"`
	ClientEmail string `json:"client_email"`
}

type cancelResponse struct {
	AppointmentID string `json:"appointment_id"`
	Status        string `json:"status"`
	CancelledAt   string `json:"cancelled_at,omitempty"`
	RefundStatus  string `json:"refund_status,omitempty"`
	RefundRef     string `json:"refund_ref,omitempty"`
}

type appointmentItem struct {
	AppointmentID string `json:"appointment_id"`
	ExpertID      string `json:"expert_id"`
	ClientID      string `json:"client_id,omitempty"`
	ClientName    string `json:"client_name"`
	ClientEmail   string `json:"client_email"`
	ClientNotes   string `json:"client_notes,omitempty"`
	ScheduledAt   string `json:"scheduled_at"`
	Timezone      string `json:"timezone,omitempty"`
	DurationMins  int    `json:"duration_minutes"`
	Status        string `json:"status"`
	TotalAmount   int64  `json:"total_amount"`
	PlatformFee   int64  `json:"platform_fee"`
	ExpertEarning int64  `json:"expert_earning"`
	Currency      string `json:"currency"`
	PaymentRef    string `json:"payment_ref,omitempty"`
	RefundRef     string `json:"refund_ref,omitempty"`
	RefundStatus  string `json:"refund_status,omitempty"`
	CancelledAt   string `json:"cancelled_at,omitempty"`
	CancelledBy   string `json:"cancelled_by,omitempty"`
	CancelReason  string `json:"cancel_reason,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func toAppointmentItem(a model.Appointment) appointmentItem {
	item := appointmentItem{
		AppointmentID: a.ID,
		ExpertID:      a.ExpertID,
		ClientID:      a.ClientID,
		ClientName:    a.ClientName,
		ClientEmail:   a.ClientEmail,
		ClientNotes:   a.ClientNotes,
		ScheduledAt:   a.ScheduledAt.UTC().Format(time.RFC3339),
		Timezone:      a.Timezone,
		DurationMins:  a.DurationMins,
		Status:        a.Status,
		TotalAmount:   a.TotalAmount,
		PlatformFee:   a.PlatformFee,
		ExpertEarning: a.ExpertEarning,
		Currency:      a.Currency,
		PaymentRef:    a.PaymentRef,
		RefundRef:     a.RefundRef,
		RefundStatus:  a.RefundStatus,
		CancelledBy:   a.CancelledBy,
		CancelReason:  a.CancelReason,
		CreatedAt:     a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.CancelledAt != nil {
		item.CancelledAt = a.CancelledAt.UTC().Format(time.RFC3339)
	}
	if a.ExpiresAt != nil {
		item.ExpiresAt = a.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return item
}

type slotsResponse struct {
	ExpertID         string          `json:"expert_id"`
	Slots            []resolver.Slot `json:"slots"`
	CalendarDegraded bool            `json:"calendar_degraded"`
}

// Slots answers GET /api/v1/experts/{id}/slots.
func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	expertID := strings.TrimSpace(r.PathValue("id"))
	q := r.URL.Query()

	from, err := time.Parse(time.RFC3339, strings.TrimSpace(q.Get("from")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be an RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, strings.TrimSpace(q.Get("to")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be an RFC3339 timestamp")
		return
	}

	duration := 60
	if raw := strings.TrimSpace(q.Get("duration_minutes")); raw != "" {
		if duration, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, "duration_minutes must be an integer")
			return
		}
	}
	granularity := 0
	if raw := strings.TrimSpace(q.Get("granularity_minutes")); raw != "" {
		if granularity, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, "granularity_minutes must be an integer")
			return
		}
	}

	res, err := h.slots.Resolve(r.Context(), resolver.Query{
		ExpertID:           expertID,
		From:               from,
		To:                 to,
		DurationMinutes:    duration,
		GranularityMinutes: granularity,
		ViewerTZ:           strings.TrimSpace(q.Get("tz")),
	})
	if err != nil {
		if errors.Is(err, resolver.ErrBadQuery) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("slot resolution failed", "expert_id", expertID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve slots")
		return
	}
	if res.Slots == nil {
		res.Slots = []resolver.Slot{}
	}

	writeJSON(w, http.StatusOK, slotsResponse{
		ExpertID:         expertID,
		Slots:            res.Slots,
		CalendarDegraded: res.CalendarDegraded,
	})
}

// Reserve answers POST /api/v1/appointments. Anonymous clients book with
// name and email in the body; authenticated clients are bound by their
// token subject as well.
func (h *BookingHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	req.ExpertID = strings.TrimSpace(req.ExpertID)
	req.ClientName = strings.TrimSpace(req.ClientName)
	req.ClientEmail = strings.TrimSpace(req.ClientEmail)
	req.Timezone = strings.TrimSpace(req.Timezone)
	if req.ExpertID == "" || req.ClientName == "" || req.ClientEmail == "" {
		writeError(w, http.StatusBadRequest, "expert_id, client_name and client_email are required")
		return
	}
	if req.DurationMinutes < resolver.MinDurationMinutes || req.DurationMinutes > resolver.MaxDurationMinutes {
		writeError(w, http.StatusBadRequest, "duration_minutes must be "+
			strconv.Itoa(resolver.MinDurationMinutes)+".."+strconv.Itoa(resolver.MaxDurationMinutes))
		return
	}
	scheduledAt, err := time.Parse(time.RFC3339, strings.TrimSpace(req.ScheduledAt))
	if err != nil {
		writeError(w, http.StatusBadRequest, "scheduled_at must be an RFC3339 timestamp")
		return
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			writeError(w, http.StatusBadRequest, "unknown timezone")
			return
		}
	}

	params := storage.ReserveParams{
		ExpertID:       req.ExpertID,
		ClientName:     req.ClientName,
		ClientEmail:    req.ClientEmail,
		ClientNotes:    strings.TrimSpace(req.ClientNotes),
		ScheduledAt:    scheduledAt,
		Timezone:       req.Timezone,
		DurationMins:   req.DurationMinutes,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}
	if claims, ok := claimsFrom(r); ok {
		params.ClientID = claims.Sub
	}

	appt, err := h.booker.Reserve(r.Context(), params)
	if err != nil {
		h.writeReserveError(w, r, params, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentItem(appt))
}

func (h *BookingHandler) writeReserveError(w http.ResponseWriter, r *http.Request, p storage.ReserveParams, err error) {
	switch {
	case errors.Is(err, model.ErrSlotConflict):
		resp := map[string]any{"error": "time slot is no longer available"}
		// Offer the caller somewhere to land: re-resolve the day around the
		// requested start.
		res, rerr := h.slots.Resolve(r.Context(), resolver.Query{
			ExpertID:        p.ExpertID,
			From:            p.ScheduledAt,
			To:              p.ScheduledAt.Add(24 * time.Hour),
			DurationMinutes: p.DurationMins,
			ViewerTZ:        p.Timezone,
		})
		if rerr == nil {
			if res.Slots == nil {
				res.Slots = []resolver.Slot{}
			}
			resp["slots"] = res.Slots
			resp["calendar_degraded"] = res.CalendarDegraded
		}
		writeJSON(w, http.StatusConflict, resp)
	case errors.Is(err, orchestrator.ErrOutsideAvailability):
		writeError(w, http.StatusUnprocessableEntity, "requested time is outside the expert's availability")
	case errors.Is(err, model.ErrRateNotSet):
		writeError(w, http.StatusUnprocessableEntity, "expert has no hourly rate configured")
	case errors.Is(err, resolver.ErrBadQuery):
		writeError(w, http.StatusBadRequest, "invalid reservation parameters")
	case errors.Is(err, payments.ErrPaymentFailed):
		writeError(w, http.StatusPaymentRequired, "payment failed")
	case errors.Is(err, payments.ErrPaymentTimeout):
		writeError(w, http.StatusServiceUnavailable, "payment gateway timed out; the hold was released, retry the booking")
	case errors.Is(err, payments.ErrGatewayUnavailable):
		writeError(w, http.StatusServiceUnavailable, "payment gateway unavailable, retry the booking")
	case errors.Is(err, model.ErrInvariantViolation):
		h.logger.Error("reservation invariant violation", "expert_id", p.ExpertID, "err", err)
		writeError(w, http.StatusInternalServerError, "reservation failed")
	default:
		h.logger.Error("reservation failed", "expert_id", p.ExpertID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to reserve appointment")
	}
}

// List answers GET /api/v1/appointments for the authenticated caller:
// experts see their own calendar, clients their own bookings, admins any
// expert via ?expert_id.
func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	var (
		appts []model.Appointment
		err   error
	)
	switch claims.Role {
	case RoleExpert:
		appts, err = h.ledger.ListByExpert(r.Context(), claims.Sub, limit)
	case RoleAdmin:
		expertID := strings.TrimSpace(r.URL.Query().Get("expert_id"))
		if expertID == "" {
			writeError(w, http.StatusBadRequest, "expert_id required")
			return
		}
		appts, err = h.ledger.ListByExpert(r.Context(), expertID, limit)
	default:
		appts, err = h.ledger.ListByClient(r.Context(), claims.Sub, claims.Email, limit)
	}
	if err != nil {
		h.logger.Error("appointment list failed", "sub", claims.Sub, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list appointments")
		return
	}

	items := make([]appointmentItem, 0, len(appts))
	for _, appt := range appts {
		items = append(items, toAppointmentItem(appt))
	}
	writeJSON(w, http.StatusOK, items)
}

// Get answers GET /api/v1/appointments/{id}. Anonymous clients fetch with
// ?client_email matching the booking.
func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	appt, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "appointment not found")
			return
		}
		h.logger.Error("appointment fetch failed", "appointment_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load appointment")
		return
	}
	if !mayView(r, appt, strings.TrimSpace(r.URL.Query().Get("client_email"))) {
		// Same answer as a miss so appointment ids stay unguessable.
		writeError(w, http.StatusNotFound, "appointment not found")
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentItem(appt))
}

// Cancel answers POST /api/v1/appointments/{id}/cancel. The refund outcome,
// when one is owed, rides back on the response.
func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	appt, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "appointment not found")
			return
		}
		h.logger.Error("appointment fetch failed", "appointment_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load appointment")
		return
	}

	actor, ok := cancelActor(r, appt, strings.TrimSpace(req.ClientEmail))
	if !ok {
		writeError(w, http.StatusNotFound, "appointment not found")
		return
	}

	cancelled, err := h.booker.Cancel(r.Context(), id, actor, strings.TrimSpace(req.Reason))
	if err != nil {
		switch {
		case errors.Is(err, model.ErrNotFound):
			writeError(w, http.StatusNotFound, "appointment not found")
		case errors.Is(err, model.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "appointment can no longer be cancelled")
		default:
			h.logger.Error("cancellation failed", "appointment_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to cancel appointment")
		}
		return
	}

	resp := cancelResponse{
		AppointmentID: cancelled.ID,
		Status:        cancelled.Status,
		RefundStatus:  cancelled.RefundStatus,
		RefundRef:     cancelled.RefundRef,
	}
	if cancelled.CancelledAt != nil {
		resp.CancelledAt = cancelled.CancelledAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// NoShow answers POST /api/v1/appointments/{id}/no-show.
func (h *BookingHandler) NoShow(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}
	if claims.Role != RoleExpert && claims.Role != RoleAdmin {
		writeError(w, http.StatusForbidden, "only the expert can record a no-show")
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))

	expertID := claims.Sub
	if claims.Role == RoleAdmin {
		appt, err := h.ledger.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				writeError(w, http.StatusNotFound, "appointment not found")
				return
			}
			h.logger.Error("appointment fetch failed", "appointment_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to load appointment")
			return
		}
		expertID = appt.ExpertID
	}

	appt, err := h.booker.MarkNoShow(r.Context(), id, expertID)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrNotFound):
			writeError(w, http.StatusNotFound, "appointment not found")
		case errors.Is(err, model.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "appointment cannot be marked as a no-show")
		default:
			h.logger.Error("no-show failed", "appointment_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to record no-show")
		}
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentItem(appt))
}

func mayView(r *http.Request, appt model.Appointment, queryEmail string) bool {
	if claims, ok := claimsFrom(r); ok {
		switch {
		case claims.Role == RoleAdmin:
			return true
		case claims.Sub != "" && claims.Sub == appt.ExpertID:
			return true
		case claims.Sub != "" && claims.Sub == appt.ClientID:
			return true
		case claims.Email != "" && strings.EqualFold(claims.Email, appt.ClientEmail):
			return true
		}
		return false
	}
	return queryEmail != "" && strings.EqualFold(queryEmail, appt.ClientEmail)
}

// cancelActor resolves who is cancelling, or denies the request. Admin
// cancellations are recorded as platform actions.
func cancelActor(r *http.Request, appt model.Appointment, bodyEmail string) (string, bool) {
	if claims, ok := claimsFrom(r); ok {
		switch {
		case claims.Role == RoleAdmin:
			return model.CancelledBySystem, true
		case claims.Role == RoleExpert && claims.Sub == appt.ExpertID:
			return model.CancelledByExpert, true
		case claims.Sub != "" && claims.Sub == appt.ClientID:
			return model.CancelledByClient, true
		case claims.Email != "" && strings.EqualFold(claims.Email, appt.ClientEmail):
			return model.CancelledByClient, true
		}
		return "", false
	}
	if bodyEmail != "" && strings.EqualFold(bodyEmail, appt.ClientEmail) {
		return model.CancelledByClient, true
	}
	return "", false
}
