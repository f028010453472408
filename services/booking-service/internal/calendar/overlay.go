package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/consulere/booking/services/booking-service/internal/availability"
	"github.com/consulere/booking/services/booking-service/internal/model"
	"github.com/consulere/booking/services/booking-service/internal/storage"
)

const (
	// DefaultFreshness is how old a cached busy payload may be before the
	// overlay refetches and, failing that, reports itself degraded.
	DefaultFreshness = 5 * time.Minute

	cacheTTL     = 24 * time.Hour
	fetchTimeout = 3 * time.Second
)

// IntegrationStore is the slice of the calendar repository the overlay needs.
type IntegrationStore interface {
	Get(ctx context.Context, expertID string) (storage.CalendarIntegration, error)
	SetSyncStatus(ctx context.Context, expertID, status string, syncedAt *time.Time) error
}

// Overlay feeds externally booked time into slot resolution. It is strictly
// advisory: a dead provider, dead Redis, or missing integration all degrade
// to "no overlay" instead of failing the request.
type Overlay struct {
	store    IntegrationStore
	provider Provider
	rdb      *redis.Client
	fresh    time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewOverlay(store IntegrationStore, provider Provider, rdb *redis.Client, fresh time.Duration, logger *slog.Logger) *Overlay {
	if fresh <= 0 {
		fresh = DefaultFreshness
	}
	return &Overlay{
		store:    store,
		provider: provider,
		rdb:      rdb,
		fresh:    fresh,
		logger:   logger,
		now:      time.Now,
	}
}

// busyPayload is the cached fetch result. The range matters: a payload only
// answers requests it fully covers.
type busyPayload struct {
	From      time.Time               `json:"from"`
	To        time.Time               `json:"to"`
	FetchedAt time.Time               `json:"fetched_at"`
	Busy      []availability.Interval `json:"busy"`
}

func (p busyPayload) covers(from, to time.Time) bool {
	return !p.From.IsZero() && !from.Before(p.From) && !to.After(p.To)
}

// Busy returns the expert's externally booked intervals within [from, to),
// plus a degraded flag when the answer may be incomplete. The only error it
// returns is the caller's own context ending.
func (o *Overlay) Busy(ctx context.Context, expertID string, from, to time.Time) ([]availability.Interval, bool, error) {
	if o.provider == nil {
		return nil, false, nil
	}

	integ, err := o.store.Get(ctx, expertID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, false, nil
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		o.logger.Warn("calendar integration lookup failed", "expert_id", expertID, "err", err)
		return nil, true, nil
	}

	cached, haveCache := o.readCache(ctx, expertID)
	if haveCache && cached.covers(from, to) && o.now().Sub(cached.FetchedAt) <= o.fresh {
		return clipAll(cached.Busy, from, to), false, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	busy, err := o.provider.FetchBusy(fetchCtx, Integration{
		ExpertID:    integ.ExpertID,
		Provider:    integ.Provider,
		Credentials: integ.Credentials,
	}, from, to)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		o.logger.Warn("calendar busy fetch failed", "expert_id", expertID, "provider", integ.Provider, "err", err)
		o.markSync(ctx, expertID, storage.CalendarSyncDegraded, nil)
		if haveCache && cached.covers(from, to) {
			return clipAll(cached.Busy, from, to), true, nil
		}
		return nil, true, nil
	}

	busy = availability.Merge(busy)
	fetchedAt := o.now()
	o.writeCache(ctx, expertID, busyPayload{From: from, To: to, FetchedAt: fetchedAt, Busy: busy})
	o.markSync(ctx, expertID, storage.CalendarSyncActive, &fetchedAt)
	return clipAll(busy, from, to), false, nil
}

func (o *Overlay) readCache(ctx context.Context, expertID string) (busyPayload, bool) {
	if o.rdb == nil {
		return busyPayload{}, false
	}
	data, err := o.rdb.Get(ctx, busyKey(expertID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			o.logger.Warn("calendar cache read failed", "expert_id", expertID, "err", err)
		}
		return busyPayload{}, false
	}
	var p busyPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return busyPayload{}, false
	}
	return p, true
}

func (o *Overlay) writeCache(ctx context.Context, expertID string, p busyPayload) {
	if o.rdb == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := o.rdb.Set(ctx, busyKey(expertID), data, cacheTTL).Err(); err != nil {
		o.logger.Warn("calendar cache write failed", "expert_id", expertID, "err", err)
	}
}

func (o *Overlay) markSync(ctx context.Context, expertID, status string, syncedAt *time.Time) {
	if err := o.store.SetSyncStatus(ctx, expertID, status, syncedAt); err != nil {
		o.logger.Warn("calendar sync status update failed", "expert_id", expertID, "status", status, "err", err)
	}
}

func busyKey(expertID string) string {
	return "cal:busy:" + expertID
}

func clipAll(busy []availability.Interval, from, to time.Time) []availability.Interval {
	var out []availability.Interval
	for _, iv := range busy {
		if clipped := iv.Clip(from, to); !clipped.IsZero() {
			out = append(out, clipped)
		}
	}
	return out
}
