package calendar

import (
	"context"
	"log/slog"
	"time"
)

// ActiveLister supplies the experts whose busy caches are worth keeping warm.
type ActiveLister interface {
	ListActiveIntegrations(ctx context.Context) ([]string, error)
}

// Warmer refreshes busy caches in the background so slot queries rarely pay
// the provider round trip. Slot queries widen their range by a day on each
// side, so the warmed range does too.
type Warmer struct {
	overlay *Overlay
	list    ActiveLister
	horizon time.Duration
	logger  *slog.Logger
}

func NewWarmer(overlay *Overlay, list ActiveLister, horizon time.Duration, logger *slog.Logger) *Warmer {
	if horizon <= 0 {
		horizon = 7 * 24 * time.Hour
	}
	return &Warmer{overlay: overlay, list: list, horizon: horizon, logger: logger}
}

func (w *Warmer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.warmOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.warmOnce(ctx)
		}
	}
}

func (w *Warmer) warmOnce(ctx context.Context) {
	ids, err := w.list.ListActiveIntegrations(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("calendar warm: listing integrations failed", "err", err)
		}
		return
	}
	now := time.Now().UTC()
	from := now.Add(-24 * time.Hour)
	to := now.Add(w.horizon + 24*time.Hour)
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		// Busy fetches through the cache and refreshes it when stale; the
		// result itself is not needed here.
		if _, _, err := w.overlay.Busy(ctx, id, from, to); err != nil {
			w.logger.Warn("calendar warm failed", "expert_id", id, "err", err)
		}
	}
}
