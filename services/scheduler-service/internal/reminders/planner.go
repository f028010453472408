package reminders

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/consulere/booking/services/scheduler-service/internal/jobs"
	"github.com/consulere/booking/services/scheduler-service/internal/prefs"
)

// Reminder channels. The notification service owns the senders; the planner
// only decides who gets reminded where.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// ConfirmedEvent is the slice of booking.appointment.confirmed.v1 the
// planner needs.
type ConfirmedEvent struct {
	AppointmentID string `json:"appointment_id"`
	ExpertID      string `json:"expert_id"`
	ClientID      string `json:"client_id"`
	ClientName    string `json:"client_name"`
	ClientEmail   string `json:"client_email"`
	ScheduledAt   string `json:"scheduled_at"`
	Timezone      string `json:"timezone"`
	DurationMins  int    `json:"duration_minutes"`
}

type PreferenceSource interface {
	Get(ctx context.Context, userID string) (prefs.Preferences, error)
}

type JobStore interface {
	Schedule(ctx context.Context, job jobs.Job) error
	CancelByAppointment(ctx context.Context, appointmentID string) (int64, error)
}

// Planner translates appointment confirmations into reminder jobs and tears
// them down again when the appointment goes away. One job per recipient and
// enabled channel; the job idempotency key absorbs event replays.
type Planner struct {
	prefs       PreferenceSource
	jobs        JobStore
	defaultLead time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

func NewPlanner(prefSource PreferenceSource, store JobStore, defaultLeadMinutes int, logger *slog.Logger) *Planner {
	if defaultLeadMinutes <= 0 {
		defaultLeadMinutes = 60
	}
	return &Planner{
		prefs:       prefSource,
		jobs:        store,
		defaultLead: time.Duration(defaultLeadMinutes) * time.Minute,
		now:         time.Now,
		logger:      logger,
	}
}

// WithClock overrides the planner's clock.
func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

// PlanForConfirmed schedules reminders for a freshly confirmed appointment
// and reports how many jobs it created. Reminders that would already be in
// the past are skipped, not fired immediately.
func (p *Planner) PlanForConfirmed(ctx context.Context, evt ConfirmedEvent) (int, error) {
	if evt.AppointmentID == "" || evt.ExpertID == "" || evt.ScheduledAt == "" {
		return 0, fmt.Errorf("confirmed event missing appointment_id, expert_id or scheduled_at")
	}
	scheduledAt, err := time.Parse(time.RFC3339, evt.ScheduledAt)
	if err != nil {
		return 0, fmt.Errorf("parse scheduled_at: %w", err)
	}

	template := map[string]any{
		"expert_id":        evt.ExpertID,
		"client_name":      evt.ClientName,
		"scheduled_at":     scheduledAt.UTC().Format(time.RFC3339),
		"timezone":         evt.Timezone,
		"duration_minutes": evt.DurationMins,
	}

	scheduled := 0

	clientPrefs := prefs.Defaults(evt.ClientID)
	if evt.ClientID != "" {
		clientPrefs, err = p.prefs.Get(ctx, evt.ClientID)
		if err != nil {
			return scheduled, fmt.Errorf("load client preferences: %w", err)
		}
	}
	if clientPrefs.AppointmentReminders {
		remindAt := scheduledAt.Add(-p.lead(clientPrefs))
		if clientPrefs.EmailEnabled && evt.ClientEmail != "" {
			n, err := p.schedule(ctx, evt, ChannelEmail, evt.ClientEmail, remindAt, scheduledAt, template)
			if err != nil {
				return scheduled, err
			}
			scheduled += n
		}
		if clientPrefs.SMSEnabled && clientPrefs.SMSNumber != "" {
			n, err := p.schedule(ctx, evt, ChannelSMS, clientPrefs.SMSNumber, remindAt, scheduledAt, template)
			if err != nil {
				return scheduled, err
			}
			scheduled += n
		}
	}

	// Experts opt in through their own preferences. Confirmation events carry
	// no expert contact details, so SMS is the only expert channel.
	expertPrefs, err := p.prefs.Get(ctx, evt.ExpertID)
	if err != nil {
		return scheduled, fmt.Errorf("load expert preferences: %w", err)
	}
	if expertPrefs.AppointmentReminders && expertPrefs.SMSEnabled && expertPrefs.SMSNumber != "" {
		remindAt := scheduledAt.Add(-p.lead(expertPrefs))
		n, err := p.schedule(ctx, evt, ChannelSMS, expertPrefs.SMSNumber, remindAt, scheduledAt, template)
		if err != nil {
			return scheduled, err
		}
		scheduled += n
	}

	return scheduled, nil
}

// CancelForAppointment drops pending reminders after a cancellation or
// release and reports how many jobs it withdrew.
func (p *Planner) CancelForAppointment(ctx context.Context, appointmentID string) (int64, error) {
	if strings.TrimSpace(appointmentID) == "" {
		return 0, fmt.Errorf("cancel event missing appointment_id")
	}
	return p.jobs.CancelByAppointment(ctx, appointmentID)
}

func (p *Planner) lead(pr prefs.Preferences) time.Duration {
	if pr.ReminderLeadMinutes > 0 {
		return time.Duration(pr.ReminderLeadMinutes) * time.Minute
	}
	return p.defaultLead
}

func (p *Planner) schedule(ctx context.Context, evt ConfirmedEvent, channel, recipient string, remindAt, scheduledAt time.Time, template map[string]any) (int, error) {
	if !remindAt.After(p.now()) {
		p.logger.Info("reminder in the past skipped",
			"appointment_id", evt.AppointmentID, "channel", channel, "remind_at", remindAt.UTC().Format(time.RFC3339))
		return 0, nil
	}
	job := jobs.Job{
		IdempotencyKey: JobKey(evt.AppointmentID, recipient, channel, remindAt),
		AppointmentID:  evt.AppointmentID,
		ExpertID:       evt.ExpertID,
		Channel:        channel,
		Recipient:      recipient,
		RemindAt:       remindAt.UTC(),
		ScheduledAt:    scheduledAt.UTC(),
		TemplateData:   template,
	}
	if err := p.jobs.Schedule(ctx, job); err != nil {
		return 0, fmt.Errorf("schedule %s reminder: %w", channel, err)
	}
	return 1, nil
}

// JobKey is the reminder job idempotency key. Replayed confirmation events
// produce the same key and collapse onto the existing job.
func JobKey(appointmentID, recipient, channel string, remindAt time.Time) string {
	return appointmentID + "|" + recipient + "|" + channel + "|" + remindAt.UTC().Format(time.RFC3339)
}
