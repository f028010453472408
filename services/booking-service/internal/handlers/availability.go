package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/consulere/booking/services/booking-service/internal/availability"
	"github.com/consulere/booking/services/booking-service/internal/model"
	"github.com/consulere/booking/services/booking-service/internal/storage"
)

// ScheduleStore persists the published schedule rules.
type ScheduleStore interface {
	ListWindows(ctx context.Context, expertID string) ([]model.Window, error)
	ReplaceWindows(ctx context.Context, expertID string, windows []model.Window) ([]model.Window, error)
	CreateBlock(ctx context.Context, block model.BlockedSlot) (model.BlockedSlot, error)
	ListBlocks(ctx context.Context, expertID string, from, to time.Time) ([]model.BlockedSlot, error)
	DeleteBlock(ctx context.Context, expertID, blockID string) error
}

// RateStore persists the expert's hourly rate.
type RateStore interface {
	Get(ctx context.Context, expertID string) (model.Rate, error)
	Upsert(ctx context.Context, rate model.Rate) error
}

type AvailabilityHandler struct {
	store  ScheduleStore
	rates  RateStore
	logger *slog.Logger
}

func NewAvailabilityHandler(store ScheduleStore, rates RateStore, logger *slog.Logger) *AvailabilityHandler {
	return &AvailabilityHandler{store: store, rates: rates, logger: logger}
}

type windowItem struct {
	ID          string `json:"id,omitempty"`
	Weekday     int    `json:"weekday"`
	StartMinute int    `json:"start_minute"`
	EndMinute   int    `json:"end_minute"`
	Timezone    string `json:"timezone"`
}

type replaceWindowsRequest struct {
	Windows []windowItem `json:"windows"`
}

type blockItem struct {
	ID             string `json:"id,omitempty"`
	StartAt        string `json:"start_at"`
	EndAt          string `json:"end_at"`
	AllDay         bool   `json:"all_day"`
	Recurring      bool   `json:"recurring"`
	RecurrenceRule string `json:"recurrence_rule,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type rateItem struct {
	HourlyRate int64  `json:"hourly_rate"`
	Currency   string `json:"currency"`
}

// ListWindows answers GET /api/v1/experts/{id}/windows. Public: clients see
// the published schedule before they see any slots.
func (h *AvailabilityHandler) ListWindows(w http.ResponseWriter, r *http.Request) {
	expertID := strings.TrimSpace(r.PathValue("id"))
	windows, err := h.store.ListWindows(r.Context(), expertID)
	if err != nil {
		h.logger.Error("window list failed", "expert_id", expertID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list windows")
		return
	}

	items := make([]windowItem, 0, len(windows))
	for _, win := range windows {
		items = append(items, windowItem{
			ID:          win.ID,
			Weekday:     win.Weekday,
			StartMinute: win.StartMinute,
			EndMinute:   win.EndMinute,
			Timezone:    win.Timezone,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

// ReplaceWindows answers PUT /api/v1/experts/{id}/windows, swapping the
// whole weekly schedule at once. Existing appointments are untouched;
// windows only shape future offers.
func (h *AvailabilityHandler) ReplaceWindows(w http.ResponseWriter, r *http.Request) {
	expertID := strings.TrimSpace(r.PathValue("id"))
	if !canManageExpert(r, expertID) {
		writeError(w, http.StatusForbidden, "not your schedule")
		return
	}

	var req replaceWindowsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	windows := make([]model.Window, 0, len(req.Windows))
	for _, item := range req.Windows {
		win := model.Window{
			ExpertID:    expertID,
			Weekday:     item.Weekday,
			StartMinute: item.StartMinute,
			EndMinute:   item.EndMinute,
			Timezone:    strings.TrimSpace(item.Timezone),
			Active:      true,
		}
		if err := availability.ValidateWindow(win); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		windows = append(windows, win)
	}

	saved, err := h.store.ReplaceWindows(r.Context(), expertID, windows)
	if err != nil {
		h.logger.Error("window replace failed", "expert_id", expertID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to save windows")
		return
	}

	items := make([]windowItem, 0, len(saved))
	for _, win := range saved {
		items = append(items, windowItem{
			ID:          win.ID,
			Weekday:     win.Weekday,
			StartMinute: win.StartMinute,
			EndMinute:   win.EndMinute,
			Timezone:    win.Timezone,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

// ListBlocks answers GET /api/v1/experts/{id}/blocks over an optional
// from/to range, defaulting to the next 30 days.
func (h *AvailabilityHandler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	expertID := strings.TrimSpace(r.PathValue("id"))
	if !canManageExpert(r, expertID) {
		writeError(w, http.StatusForbidden, "not your schedule")
		return
	}

	now := time.Now().UTC()
	from, to := now, now.AddDate(0, 0, 30)
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be an RFC3339 timestamp")
			return
		}
		from = t
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be an RFC3339 timestamp")
			return
		}
		to = t
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "empty range")
		return
	}

	blocks, err := h.store.ListBlocks(r.Context(), expertID, from, to)
	if err != nil {
		h.logger.Error("block list failed", "expert_id", expertID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list blocks")
		return
	}

	items := make([]blockItem, 0, len(blocks))
	for _, b := range blocks {
		items = append(items, blockItem{
			ID:             b.ID,
			StartAt:        b.StartAt.UTC().Format(time.RFC3339),
			EndAt:          b.EndAt.UTC().Format(time.RFC3339),
			AllDay:         b.AllDay,
			Recurring:      b.Recurring,
			RecurrenceRule: b.RecurrenceRule,
			Timezone:       b.Timezone,
			Reason:         b.Reason,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

// CreateBlock answers POST /api/v1/experts/{id}/blocks.
func (h *AvailabilityHandler) CreateBlock(w http.ResponseWriter, r *http.Request) {
	expertID := strings.TrimSpace(r.PathValue("id"))
	if !canManageExpert(r, expertID) {
		writeError(w, http.StatusForbidden, "not your schedule")
		return
	}

	var req blockItem
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	startAt, err := time.Parse(time.RFC3339, strings.TrimSpace(req.StartAt))
	if err != nil {
		writeError(w, http.StatusBadRequest, "start_at must be an RFC3339 timestamp")
		return
	}
	endAt, err := time.Parse(time.RFC3339, strings.TrimSpace(req.EndAt))
	if err != nil {
		writeError(w, http.StatusBadRequest, "end_at must be an RFC3339 timestamp")
		return
	}

	block := model.BlockedSlot{
		ExpertID:       expertID,
		StartAt:        startAt,
		EndAt:          endAt,
		AllDay:         req.AllDay,
		Recurring:      req.Recurring,
		RecurrenceRule: strings.TrimSpace(req.RecurrenceRule),
		Timezone:       strings.TrimSpace(req.Timezone),
		Reason:         strings.TrimSpace(req.Reason),
	}
	if err := availability.ValidateBlock(block); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, err := h.store.CreateBlock(r.Context(), block)
	if err != nil {
		h.logger.Error("block create failed", "expert_id", expertID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to create block")
		return
	}

	writeJSON(w, http.StatusCreated, blockItem{
		ID:             saved.ID,
		StartAt:        saved.StartAt.UTC().Format(time.RFC3339),
		EndAt:          saved.EndAt.UTC().Format(time.RFC3339),
		AllDay:         saved.AllDay,
		Recurring:      saved.Recurring,
		RecurrenceRule: saved.RecurrenceRule,
		Timezone:       saved.Timezone,
		Reason:         saved.Reason,
	})
}

// DeleteBlock answers DELETE /api/v1/experts/{id}/blocks/{blockID}.
func (h *AvailabilityHandler) DeleteBlock(w http.ResponseWriter, r *http.Request) {
	expertID := strings.TrimSpace(r.PathValue("id"))
	if !canManageExpert(r, expertID) {
		writeError(w, http.StatusForbidden, "not your schedule")
		return
	}

	blockID := strings.TrimSpace(r.PathValue("blockID"))
	if err := h.store.DeleteBlock(r.Context(), expertID, blockID); err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "block not found")
			return
		}
		h.logger.Error("block delete failed", "expert_id", expertID, "block_id", blockID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to delete block")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GetRate answers GET /api/v1/experts/{id}/rate. Public: pricing shows up
// next to the slot picker.
func (h *AvailabilityHandler) GetRate(w http.ResponseWriter, r *http.Request) {
	expertID := strings.TrimSpace(r.PathValue("id"))
	rate, err := h.rates.Get(r.Context(), expertID)
	if err != nil {
		if errors.Is(err, model.ErrRateNotSet) {
			writeError(w, http.StatusNotFound, "rate not configured")
			return
		}
		h.logger.Error("rate fetch failed", "expert_id", expertID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load rate")
		return
	}
	writeJSON(w, http.StatusOK, rateItem{HourlyRate: rate.HourlyRate, Currency: rate.Currency})
}

// PutRate answers PUT /api/v1/experts/{id}/rate.
func (h *AvailabilityHandler) PutRate(w http.ResponseWriter, r *http.Request) {
	expertID := strings.TrimSpace(r.PathValue("id"))
	if !canManageExpert(r, expertID) {
		writeError(w, http.StatusForbidden, "not your rate")
		return
	}

	var req rateItem
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.HourlyRate <= 0 {
		writeError(w, http.StatusBadRequest, "hourly_rate must be positive")
		return
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "usd"
	}
	if len(currency) != 3 {
		writeError(w, http.StatusBadRequest, "currency must be a 3-letter ISO code")
		return
	}

	if err := h.rates.Upsert(r.Context(), model.Rate{
		ExpertID:   expertID,
		HourlyRate: req.HourlyRate,
		Currency:   currency,
	}); err != nil {
		h.logger.Error("rate upsert failed", "expert_id", expertID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to save rate")
		return
	}
	writeJSON(w, http.StatusOK, rateItem{HourlyRate: req.HourlyRate, Currency: currency})
}
