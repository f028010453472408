package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/consulere/booking/services/booking-service/internal/model"
	"github.com/consulere/booking/services/booking-service/internal/storage"
)

// CalendarStore persists external calendar integrations. Credentials are
// sealed at rest and never leave the store through this handler.
type CalendarStore interface {
	Get(ctx context.Context, expertID string) (storage.CalendarIntegration, error)
	Upsert(ctx context.Context, expertID, provider string, credentials []byte) error
	Delete(ctx context.Context, expertID string) error
}

type CalendarHandler struct {
	store  CalendarStore
	logger *slog.Logger
}

func NewCalendarHandler(store CalendarStore, logger *slog.Logger) *CalendarHandler {
	return &CalendarHandler{store: store, logger: logger}
}

type connectCalendarRequest struct {
	Provider    string          `json:"provider"`
	Credentials json.RawMessage `json:"credentials"`
}

type calendarStatusResponse struct {
	Provider     string `json:"provider"`
	SyncStatus   string `json:"sync_status"`
	LastSyncedAt string `json:"last_synced_at,omitempty"`
}

// Status answers GET /api/v1/experts/{id}/calendar.
func (h *CalendarHandler) Status(w http.ResponseWriter, r *http.Request) {
	expertID := strings.TrimSpace(r.PathValue("id"))
	if !canManageExpert(r, expertID) {
		writeError(w, http.StatusForbidden, "not your calendar")
		return
	}

	integ, err := h.store.Get(r.Context(), expertID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no calendar connected")
			return
		}
		h.logger.Error("calendar status failed", "expert_id", expertID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load calendar status")
		return
	}

	resp := calendarStatusResponse{Provider: integ.Provider, SyncStatus: integ.SyncStatus}
	if integ.LastSyncedAt != nil {
		resp.LastSyncedAt = integ.LastSyncedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Connect answers PUT /api/v1/experts/{id}/calendar, storing the provider
// credentials and (re)activating sync.
func (h *CalendarHandler) Connect(w http.ResponseWriter, r *http.Request) {
	expertID := strings.TrimSpace(r.PathValue("id"))
	if !canManageExpert(r, expertID) {
		writeError(w, http.StatusForbidden, "not your calendar")
		return
	}

	var req connectCalendarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "provider required")
		return
	}
	if len(req.Credentials) == 0 {
		writeError(w, http.StatusBadRequest, "credentials required")
		return
	}

	if err := h.store.Upsert(r.Context(), expertID, req.Provider, req.Credentials); err != nil {
		h.logger.Error("calendar connect failed", "expert_id", expertID, "provider", req.Provider, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to connect calendar")
		return
	}
	writeJSON(w, http.StatusOK, calendarStatusResponse{
		Provider:   req.Provider,
		SyncStatus: storage.CalendarSyncActive,
	})
}

// Disconnect answers DELETE /api/v1/experts/{id}/calendar.
func (h *CalendarHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	expertID := strings.TrimSpace(r.PathValue("id"))
	if !canManageExpert(r, expertID) {
		writeError(w, http.StatusForbidden, "not your calendar")
		return
	}

	if err := h.store.Delete(r.Context(), expertID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no calendar connected")
			return
		}
		h.logger.Error("calendar disconnect failed", "expert_id", expertID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to disconnect calendar")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}
