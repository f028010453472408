package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/consulere/booking/libs/db"
)

// ProviderEventsRepository remembers which gateway webhook deliveries were
// already handled. The latch is advisory: ledger transitions are idempotent,
// so a replay that slips past it is harmless.
type ProviderEventsRepository struct {
	pool *db.Pool
}

var ErrDuplicateProviderEvent = errors.New("duplicate provider event")

func NewProviderEventsRepository(pool *db.Pool) *ProviderEventsRepository {
	return &ProviderEventsRepository{pool: pool}
}

func (r *ProviderEventsRepository) Seen(ctx context.Context, provider, providerEventID string) (bool, error) {
	var seen bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM provider_events WHERE provider = $1 AND provider_event_id = $2
		)
	`, provider, providerEventID).Scan(&seen)
	return seen, err
}

func (r *ProviderEventsRepository) Insert(ctx context.Context, provider, providerEventID, eventType string, payload []byte) error {
	var body any
	if err := json.Unmarshal(payload, &body); err != nil {
		// Webhooks are signature-verified JSON; a parse failure here is a bug.
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, provider, providerEventID, eventType, body)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateProviderEvent
	}
	return nil
}
