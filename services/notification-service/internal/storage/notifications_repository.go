package storage

import (
	"context"

	"github.com/consulere/booking/libs/db"
)

// Notification is one delivery attempt's audit record, written after the
// attempt settled (sent or failed for good).
type Notification struct {
	AppointmentID string
	Channel       string
	Recipient     string
	Subject       string
	Body          string
	Status        string
	Attempts      int
	Error         string
}

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, n Notification) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notifications (appointment_id, channel, recipient, subject, body, status, attempts, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
	`, n.AppointmentID, n.Channel, n.Recipient, n.Subject, n.Body, n.Status, n.Attempts, n.Error)
	return err
}
