package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/consulere/booking/libs/auth"
	"github.com/consulere/booking/services/scheduler-service/internal/prefs"
)

const maxLeadMinutes = 7 * 24 * 60

type PreferenceStore interface {
	Get(ctx context.Context, userID string) (prefs.Preferences, error)
	Upsert(ctx context.Context, p prefs.Preferences) (prefs.Preferences, error)
}

// PreferencesHandler serves a user's notification preferences. Users read and
// write their own row; admins can reach anyone's.
type PreferencesHandler struct {
	store  PreferenceStore
	secret string
	logger *slog.Logger
}

func NewPreferencesHandler(store PreferenceStore, jwtSecret string, logger *slog.Logger) *PreferencesHandler {
	return &PreferencesHandler{store: store, secret: jwtSecret, logger: logger}
}

// Get answers GET /api/v1/notification-preferences/{userID}.
func (h *PreferencesHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	p, err := h.store.Get(r.Context(), userID)
	if err != nil {
		h.logger.Error("load preferences failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type updatePreferencesRequest struct {
	EmailEnabled         *bool   `json:"email_enabled"`
	SMSEnabled           *bool   `json:"sms_enabled"`
	SMSNumber            *string `json:"sms_number"`
	AppointmentReminders *bool   `json:"appointment_reminders"`
	ReminderLeadMinutes  *int    `json:"reminder_lead_minutes"`
}

// Put answers PUT /api/v1/notification-preferences/{userID}. Absent fields
// keep their current (or default) values.
func (h *PreferencesHandler) Put(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var req updatePreferencesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	current, err := h.store.Get(r.Context(), userID)
	if err != nil {
		h.logger.Error("load preferences failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}

	if req.EmailEnabled != nil {
		current.EmailEnabled = *req.EmailEnabled
	}
	if req.SMSEnabled != nil {
		current.SMSEnabled = *req.SMSEnabled
	}
	if req.SMSNumber != nil {
		current.SMSNumber = strings.TrimSpace(*req.SMSNumber)
	}
	if req.AppointmentReminders != nil {
		current.AppointmentReminders = *req.AppointmentReminders
	}
	if req.ReminderLeadMinutes != nil {
		lead := *req.ReminderLeadMinutes
		if lead <= 0 || lead > maxLeadMinutes {
			writeError(w, http.StatusBadRequest, "reminder_lead_minutes out of range")
			return
		}
		current.ReminderLeadMinutes = lead
	}
	if current.SMSEnabled && current.SMSNumber == "" {
		writeError(w, http.StatusBadRequest, "sms_number required when sms is enabled")
		return
	}
	current.UserID = userID

	saved, err := h.store.Upsert(r.Context(), current)
	if err != nil {
		h.logger.Error("save preferences failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to save preferences")
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// authorize extracts the target user id and enforces self-or-admin access.
func (h *PreferencesHandler) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.PathValue("userID"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user id required")
		return "", false
	}

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	claims, err := auth.ParseAndVerifyHS256(token, h.secret)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return "", false
	}
	if claims.Sub != userID && claims.Role != "admin" {
		writeError(w, http.StatusForbidden, "not your preferences")
		return "", false
	}
	return userID, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
