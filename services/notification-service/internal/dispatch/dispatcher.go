package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/consulere/booking/services/notification-service/internal/outbox"
	"github.com/consulere/booking/services/notification-service/internal/storage"
)

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// Delivery is one rendered message bound for one recipient.
type Delivery struct {
	AppointmentID string
	Channel       string
	Recipient     string
	Subject       string
	Body          string
}

type EmailSender interface {
	Send(to string, subject string, body string) error
	ProviderID() string
}

type SMSSender interface {
	Send(ctx context.Context, to string, body string) error
	ProviderID() string
}

type AuditStore interface {
	Insert(ctx context.Context, n storage.Notification) error
}

type EventSink interface {
	Stage(ctx context.Context, evt outbox.Event) error
}

type Config struct {
	MaxAttempts int           // send attempts per delivery, default 3
	Backoff     time.Duration // pause between attempts, default 500ms
	FailSuffix  string        // recipients ending in this fail without sending (test hook)
}

// Dispatcher sends rendered messages and records what happened. A delivery
// that keeps failing is logged, audited and emitted as a failed-delivery
// event; it never bubbles an error back into appointment processing.
type Dispatcher struct {
	email  EmailSender
	sms    SMSSender
	audit  AuditStore
	events EventSink
	cfg    Config
	logger *slog.Logger
	wait   func(ctx context.Context, d time.Duration)
}

func New(email EmailSender, sms SMSSender, audit AuditStore, events EventSink, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	return &Dispatcher{
		email:  email,
		sms:    sms,
		audit:  audit,
		events: events,
		cfg:    cfg,
		logger: logger,
		wait:   sleepCtx,
	}
}

// HandleReminderDue delivers a reminder on the channel the scheduler picked.
func (d *Dispatcher) HandleReminderDue(ctx context.Context, evt ReminderDue) error {
	if evt.AppointmentID == "" || evt.Recipient == "" || evt.Channel == "" {
		d.logger.Error("reminder event missing fields", "appointment_id", evt.AppointmentID)
		return nil
	}
	subject, body := renderReminder(evt)
	return d.Dispatch(ctx, Delivery{
		AppointmentID: evt.AppointmentID,
		Channel:       evt.Channel,
		Recipient:     evt.Recipient,
		Subject:       subject,
		Body:          body,
	})
}

// HandleConfirmed mails the client their booking confirmation. Transactional
// notices ignore reminder preferences.
func (d *Dispatcher) HandleConfirmed(ctx context.Context, evt AppointmentEvent) error {
	if evt.AppointmentID == "" || evt.ClientEmail == "" {
		return nil
	}
	subject, body := renderConfirmation(evt)
	return d.Dispatch(ctx, Delivery{
		AppointmentID: evt.AppointmentID,
		Channel:       ChannelEmail,
		Recipient:     evt.ClientEmail,
		Subject:       subject,
		Body:          body,
	})
}

// HandleCancelled mails the client a cancellation notice.
func (d *Dispatcher) HandleCancelled(ctx context.Context, evt AppointmentEvent) error {
	if evt.AppointmentID == "" || evt.ClientEmail == "" {
		return nil
	}
	subject, body := renderCancellation(evt)
	return d.Dispatch(ctx, Delivery{
		AppointmentID: evt.AppointmentID,
		Channel:       ChannelEmail,
		Recipient:     evt.ClientEmail,
		Subject:       subject,
		Body:          body,
	})
}

// Dispatch runs the attempt loop for one delivery and settles its outcome.
// The returned error reports bookkeeping failures (audit row, outbox event),
// never the delivery itself.
func (d *Dispatcher) Dispatch(ctx context.Context, del Delivery) error {
	attempts, providerID, sendErr := d.attempt(ctx, del)

	status := storage.StatusSent
	errText := ""
	if sendErr != nil {
		status = storage.StatusFailed
		errText = sendErr.Error()
		d.logger.Error("delivery failed",
			"appointment_id", del.AppointmentID, "channel", del.Channel, "attempts", attempts, "err", sendErr)
	}

	if err := d.audit.Insert(ctx, storage.Notification{
		AppointmentID: del.AppointmentID,
		Channel:       del.Channel,
		Recipient:     del.Recipient,
		Subject:       del.Subject,
		Body:          del.Body,
		Status:        status,
		Attempts:      attempts,
		Error:         errText,
	}); err != nil {
		return fmt.Errorf("persist notification: %w", err)
	}

	if sendErr != nil {
		if err := d.stageFailed(ctx, del, errText); err != nil {
			return err
		}
	} else {
		if err := d.stageSent(ctx, del, providerID); err != nil {
			return err
		}
		d.logger.Info("delivery sent",
			"appointment_id", del.AppointmentID, "channel", del.Channel, "provider", providerID, "attempts", attempts)
	}
	return nil
}

// attempt returns how many sends ran, the provider that accepted the message
// and the final error (nil on success).
func (d *Dispatcher) attempt(ctx context.Context, del Delivery) (int, string, error) {
	if d.cfg.FailSuffix != "" && strings.HasSuffix(del.Recipient, d.cfg.FailSuffix) {
		return 1, "", errors.New("simulated failure")
	}
	if del.Channel != ChannelEmail && del.Channel != ChannelSMS {
		return 1, "", fmt.Errorf("unsupported channel %q", del.Channel)
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		providerID, err := d.send(ctx, del)
		if err == nil {
			return attempts, providerID, nil
		}
		lastErr = err
		d.logger.Warn("delivery attempt failed",
			"appointment_id", del.AppointmentID, "channel", del.Channel, "attempt", attempt, "err", err)
		if attempt < d.cfg.MaxAttempts {
			d.wait(ctx, d.cfg.Backoff)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return attempts, "", lastErr
}

func (d *Dispatcher) send(ctx context.Context, del Delivery) (string, error) {
	switch del.Channel {
	case ChannelEmail:
		if err := d.email.Send(del.Recipient, del.Subject, del.Body); err != nil {
			return "", err
		}
		return d.email.ProviderID(), nil
	default:
		if err := d.sms.Send(ctx, del.Recipient, del.Body); err != nil {
			return "", err
		}
		return d.sms.ProviderID(), nil
	}
}

func (d *Dispatcher) stageSent(ctx context.Context, del Delivery, providerID string) error {
	if providerID == "" {
		providerID = "unknown"
	}
	payload, err := json.Marshal(map[string]any{
		"appointment_id": del.AppointmentID,
		"channel":        del.Channel,
		"recipient":      del.Recipient,
		"provider_id":    providerID,
		"sent_at":        time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return d.events.Stage(ctx, outbox.Event{
		AggregateType: "notification",
		AggregateID:   del.AppointmentID,
		EventType:     outbox.EventDeliverySent,
		Payload:       payload,
	})
}

func (d *Dispatcher) stageFailed(ctx context.Context, del Delivery, reason string) error {
	payload, err := json.Marshal(map[string]any{
		"appointment_id": del.AppointmentID,
		"channel":        del.Channel,
		"recipient":      del.Recipient,
		"error_reason":   reason,
		"failed_at":      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return d.events.Stage(ctx, outbox.Event{
		AggregateType: "notification",
		AggregateID:   del.AppointmentID,
		EventType:     outbox.EventDeliveryFailed,
		Payload:       payload,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
