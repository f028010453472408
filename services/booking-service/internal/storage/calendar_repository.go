package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/consulere/booking/libs/db"
	"github.com/consulere/booking/services/booking-service/internal/model"
)

// Calendar sync statuses.
const (
	CalendarSyncActive   = "active"
	CalendarSyncDegraded = "degraded"
	CalendarSyncDisabled = "disabled"
)

type CalendarIntegration struct {
	ExpertID     string
	Provider     string
	Credentials  []byte // decrypted provider credentials
	SyncStatus   string
	LastSyncedAt *time.Time
	UpdatedAt    time.Time
}

// CalendarRepository stores external calendar credentials encrypted at rest
// with a secretbox key. Credentials only leave the row decrypted inside the
// overlay refresh path.
type CalendarRepository struct {
	pool *db.Pool
	key  [32]byte
}

// NewCalendarRepository takes the hex-encoded 32-byte encryption key.
func NewCalendarRepository(pool *db.Pool, hexKey string) (*CalendarRepository, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("calendar credentials key is not hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("calendar credentials key must be 32 bytes, got %d", len(raw))
	}
	r := &CalendarRepository{pool: pool}
	copy(r.key[:], raw)
	return r, nil
}

func (r *CalendarRepository) Upsert(ctx context.Context, expertID, provider string, credentials []byte) error {
	cipher, err := r.seal(credentials)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO calendar_integrations (expert_id, provider, credentials_cipher, sync_status)
		VALUES ($1, $2, $3, 'active')
		ON CONFLICT (expert_id)
		DO UPDATE SET provider = EXCLUDED.provider,
		              credentials_cipher = EXCLUDED.credentials_cipher,
		              sync_status = 'active',
		              updated_at = now()
	`, expertID, provider, cipher)
	return err
}

func (r *CalendarRepository) Get(ctx context.Context, expertID string) (CalendarIntegration, error) {
	var integ CalendarIntegration
	var cipher []byte
	err := r.pool.QueryRow(ctx, `
		SELECT expert_id::text, provider, credentials_cipher, sync_status, last_synced_at, updated_at
		FROM calendar_integrations
		WHERE expert_id = $1
	`, expertID).Scan(&integ.ExpertID, &integ.Provider, &cipher, &integ.SyncStatus, &integ.LastSyncedAt, &integ.UpdatedAt)
	if err != nil {
		if IsNotFound(err) {
			return CalendarIntegration{}, model.ErrNotFound
		}
		return CalendarIntegration{}, err
	}
	integ.Credentials, err = r.open(cipher)
	if err != nil {
		return CalendarIntegration{}, err
	}
	return integ, nil
}

func (r *CalendarRepository) SetSyncStatus(ctx context.Context, expertID, status string, syncedAt *time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE calendar_integrations
		SET sync_status = $2,
			last_synced_at = COALESCE($3, last_synced_at),
			updated_at = now()
		WHERE expert_id = $1
	`, expertID, status, syncedAt)
	return err
}

// ListActiveIntegrations returns experts whose calendars should be kept
// warm. Degraded ones stay in the list so refreshes keep retrying them.
func (r *CalendarRepository) ListActiveIntegrations(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT expert_id::text
		FROM calendar_integrations
		WHERE sync_status <> $1
		ORDER BY expert_id
	`, CalendarSyncDisabled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete disconnects the integration. Appointments are never touched.
func (r *CalendarRepository) Delete(ctx context.Context, expertID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM calendar_integrations WHERE expert_id = $1`, expertID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// seal prepends the 24-byte nonce to the ciphertext.
func (r *CalendarRepository) seal(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &r.key), nil
}

func (r *CalendarRepository) open(cipher []byte) ([]byte, error) {
	if len(cipher) < 24 {
		return nil, errors.New("calendar credentials ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], cipher[:24])
	plaintext, ok := secretbox.Open(nil, cipher[24:], &nonce, &r.key)
	if !ok {
		return nil, errors.New("calendar credentials failed to decrypt")
	}
	return plaintext, nil
}
