package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// ReminderDue is the slice of scheduler.reminder.due.v1 the dispatcher reads.
type ReminderDue struct {
	AppointmentID string         `json:"appointment_id"`
	ExpertID      string         `json:"expert_id"`
	Channel       string         `json:"channel"`
	Recipient     string         `json:"recipient"`
	RemindAt      string         `json:"remind_at"`
	ScheduledAt   string         `json:"scheduled_at"`
	TemplateData  map[string]any `json:"template_data"`
}

// AppointmentEvent is the slice of the booking lifecycle events
// (confirmed/cancelled) that drives transactional notices to the client.
type AppointmentEvent struct {
	AppointmentID string `json:"appointment_id"`
	ExpertID      string `json:"expert_id"`
	ClientName    string `json:"client_name"`
	ClientEmail   string `json:"client_email"`
	ScheduledAt   string `json:"scheduled_at"`
	Timezone      string `json:"timezone"`
	DurationMins  int    `json:"duration_minutes"`
	CancelledBy   string `json:"cancelled_by"`
	Reason        string `json:"reason"`
	RefundPending bool   `json:"refund_pending"`
}

func renderReminder(evt ReminderDue) (string, string) {
	tz, _ := evt.TemplateData["timezone"].(string)
	local := localTime(evt.ScheduledAt, tz)
	duration := templateInt(evt.TemplateData, "duration_minutes")

	subject := "Consultation reminder"
	var b strings.Builder
	writeGreeting(&b, templateString(evt.TemplateData, "client_name"))
	fmt.Fprintf(&b, "This is a reminder that your consultation is scheduled for %s", local)
	if duration > 0 {
		fmt.Fprintf(&b, " (%d minutes)", duration)
	}
	b.WriteString(".\n")
	return subject, b.String()
}

func renderConfirmation(evt AppointmentEvent) (string, string) {
	local := localTime(evt.ScheduledAt, evt.Timezone)

	subject := "Your consultation is confirmed"
	var b strings.Builder
	writeGreeting(&b, evt.ClientName)
	fmt.Fprintf(&b, "Your consultation is confirmed for %s", local)
	if evt.DurationMins > 0 {
		fmt.Fprintf(&b, " (%d minutes)", evt.DurationMins)
	}
	b.WriteString(".\n")
	return subject, b.String()
}

func renderCancellation(evt AppointmentEvent) (string, string) {
	local := localTime(evt.ScheduledAt, evt.Timezone)

	subject := "Your consultation was cancelled"
	var b strings.Builder
	writeGreeting(&b, evt.ClientName)
	fmt.Fprintf(&b, "Your consultation scheduled for %s has been cancelled", local)
	switch evt.CancelledBy {
	case "expert":
		b.WriteString(" by the expert")
	case "system":
		b.WriteString(" automatically")
	}
	b.WriteString(".\n")
	if reason := strings.TrimSpace(evt.Reason); reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", reason)
	}
	if evt.RefundPending {
		b.WriteString("Your payment is being refunded.\n")
	}
	return subject, b.String()
}

func writeGreeting(b *strings.Builder, name string) {
	name = strings.TrimSpace(name)
	if name != "" {
		fmt.Fprintf(b, "Hi %s,\n\n", name)
	}
}

// localTime renders a UTC RFC3339 instant as wall-clock time in the zone the
// booking was made from. Unknown zones fall back to UTC rather than failing
// the delivery.
func localTime(value, tz string) string {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return value
	}
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	return t.In(loc).Format("Monday, January 2, 2006 at 3:04 PM MST")
}

func templateString(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

func templateInt(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
