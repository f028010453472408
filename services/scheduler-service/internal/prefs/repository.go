package prefs

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/consulere/booking/libs/db"
)

// Preferences controls which reminder channels a user receives and how far
// ahead of the appointment the reminder fires.
type Preferences struct {
	UserID               string    `json:"user_id"`
	EmailEnabled         bool      `json:"email_enabled"`
	SMSEnabled           bool      `json:"sms_enabled"`
	SMSNumber            string    `json:"sms_number,omitempty"`
	AppointmentReminders bool      `json:"appointment_reminders"`
	ReminderLeadMinutes  int       `json:"reminder_lead_minutes"`
	UpdatedAt            time.Time `json:"updated_at,omitzero"`
}

// Defaults are what a user who never touched their settings gets.
func Defaults(userID string) Preferences {
	return Preferences{
		UserID:               userID,
		EmailEnabled:         true,
		SMSEnabled:           false,
		AppointmentReminders: true,
		ReminderLeadMinutes:  60,
	}
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns the stored preferences, or the defaults when the user has no
// row yet.
func (r *Repository) Get(ctx context.Context, userID string) (Preferences, error) {
	var p Preferences
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, email_enabled, sms_enabled, COALESCE(sms_number, ''), appointment_reminders, reminder_lead_minutes, updated_at
		FROM notification_preferences
		WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.EmailEnabled, &p.SMSEnabled, &p.SMSNumber, &p.AppointmentReminders, &p.ReminderLeadMinutes, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Defaults(userID), nil
	}
	if err != nil {
		return Preferences{}, err
	}
	return p, nil
}

func (r *Repository) Upsert(ctx context.Context, p Preferences) (Preferences, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO notification_preferences (user_id, email_enabled, sms_enabled, sms_number, appointment_reminders, reminder_lead_minutes, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, now())
		ON CONFLICT (user_id) DO UPDATE SET
			email_enabled = EXCLUDED.email_enabled,
			sms_enabled = EXCLUDED.sms_enabled,
			sms_number = EXCLUDED.sms_number,
			appointment_reminders = EXCLUDED.appointment_reminders,
			reminder_lead_minutes = EXCLUDED.reminder_lead_minutes,
			updated_at = now()
		RETURNING user_id, email_enabled, sms_enabled, COALESCE(sms_number, ''), appointment_reminders, reminder_lead_minutes, updated_at
	`, p.UserID, p.EmailEnabled, p.SMSEnabled, p.SMSNumber, p.AppointmentReminders, p.ReminderLeadMinutes).Scan(
		&p.UserID, &p.EmailEnabled, &p.SMSEnabled, &p.SMSNumber, &p.AppointmentReminders, &p.ReminderLeadMinutes, &p.UpdatedAt,
	)
	if err != nil {
		return Preferences{}, err
	}
	return p, nil
}
