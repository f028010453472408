package reminders

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/consulere/booking/services/scheduler-service/internal/jobs"
	"github.com/consulere/booking/services/scheduler-service/internal/prefs"
)

type fakePrefs struct {
	byUser  map[string]prefs.Preferences
	queried []string
	err     error
}

func (f *fakePrefs) Get(_ context.Context, userID string) (prefs.Preferences, error) {
	f.queried = append(f.queried, userID)
	if f.err != nil {
		return prefs.Preferences{}, f.err
	}
	if p, ok := f.byUser[userID]; ok {
		return p, nil
	}
	return prefs.Defaults(userID), nil
}

type fakeJobStore struct {
	scheduled   []jobs.Job
	scheduleErr error
	cancelled   []string
	cancelCount int64
}

func (f *fakeJobStore) Schedule(_ context.Context, job jobs.Job) error {
	if f.scheduleErr != nil {
		return f.scheduleErr
	}
	f.scheduled = append(f.scheduled, job)
	return nil
}

func (f *fakeJobStore) CancelByAppointment(_ context.Context, appointmentID string) (int64, error) {
	f.cancelled = append(f.cancelled, appointmentID)
	return f.cancelCount, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var plannerNow = time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC)

func newTestPlanner(p *fakePrefs, store *fakeJobStore) *Planner {
	return NewPlanner(p, store, 60, testLogger()).WithClock(func() time.Time { return plannerNow })
}

func confirmedEvent() ConfirmedEvent {
	return ConfirmedEvent{
		AppointmentID: "appt-1",
		ExpertID:      "expert-1",
		ClientID:      "client-1",
		ClientName:    "Dana",
		ClientEmail:   "dana@example.com",
		ScheduledAt:   "2026-04-06T14:00:00Z",
		Timezone:      "America/New_York",
		DurationMins:  60,
	}
}

func TestPlanSchedulesEmailWithDefaultLead(t *testing.T) {
	store := &fakeJobStore{}
	planner := newTestPlanner(&fakePrefs{}, store)

	n, err := planner.PlanForConfirmed(context.Background(), confirmedEvent())
	if err != nil {
		t.Fatalf("PlanForConfirmed failed: %v", err)
	}
	if n != 1 || len(store.scheduled) != 1 {
		t.Fatalf("expected 1 job, got n=%d len=%d", n, len(store.scheduled))
	}

	job := store.scheduled[0]
	if job.Channel != ChannelEmail || job.Recipient != "dana@example.com" {
		t.Fatalf("wrong channel/recipient: %s/%s", job.Channel, job.Recipient)
	}
	wantRemind := time.Date(2026, 4, 6, 13, 0, 0, 0, time.UTC)
	if !job.RemindAt.Equal(wantRemind) {
		t.Fatalf("expected remind_at %v (60m lead), got %v", wantRemind, job.RemindAt)
	}
	wantKey := "appt-1|dana@example.com|email|2026-04-06T13:00:00Z"
	if job.IdempotencyKey != wantKey {
		t.Fatalf("expected key %q, got %q", wantKey, job.IdempotencyKey)
	}
	if job.TemplateData["timezone"] != "America/New_York" {
		t.Fatalf("template data missing timezone: %+v", job.TemplateData)
	}
}

func TestPlanHonorsCustomLead(t *testing.T) {
	source := &fakePrefs{byUser: map[string]prefs.Preferences{
		"client-1": {
			UserID:               "client-1",
			EmailEnabled:         true,
			AppointmentReminders: true,
			ReminderLeadMinutes:  120,
		},
	}}
	store := &fakeJobStore{}
	planner := newTestPlanner(source, store)

	if _, err := planner.PlanForConfirmed(context.Background(), confirmedEvent()); err != nil {
		t.Fatalf("PlanForConfirmed failed: %v", err)
	}
	wantRemind := time.Date(2026, 4, 6, 12, 0, 0, 0, time.UTC)
	if len(store.scheduled) != 1 || !store.scheduled[0].RemindAt.Equal(wantRemind) {
		t.Fatalf("expected remind_at %v (120m lead), got %+v", wantRemind, store.scheduled)
	}
}

func TestPlanSchedulesClientSMSWhenEnabled(t *testing.T) {
	source := &fakePrefs{byUser: map[string]prefs.Preferences{
		"client-1": {
			UserID:               "client-1",
			EmailEnabled:         true,
			SMSEnabled:           true,
			SMSNumber:            "+15550001111",
			AppointmentReminders: true,
			ReminderLeadMinutes:  60,
		},
	}}
	store := &fakeJobStore{}
	planner := newTestPlanner(source, store)

	n, err := planner.PlanForConfirmed(context.Background(), confirmedEvent())
	if err != nil {
		t.Fatalf("PlanForConfirmed failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected email + sms jobs, got %d", n)
	}
	channels := map[string]string{}
	for _, job := range store.scheduled {
		channels[job.Channel] = job.Recipient
	}
	if channels[ChannelSMS] != "+15550001111" {
		t.Fatalf("expected sms job to +15550001111, got %v", channels)
	}
}

func TestPlanSkipsWhenRemindersDisabled(t *testing.T) {
	source := &fakePrefs{byUser: map[string]prefs.Preferences{
		"client-1": {
			UserID:              "client-1",
			EmailEnabled:        true,
			ReminderLeadMinutes: 60,
			// AppointmentReminders false: opted out.
		},
	}}
	store := &fakeJobStore{}
	planner := newTestPlanner(source, store)

	n, err := planner.PlanForConfirmed(context.Background(), confirmedEvent())
	if err != nil {
		t.Fatalf("PlanForConfirmed failed: %v", err)
	}
	if n != 0 || len(store.scheduled) != 0 {
		t.Fatalf("expected no jobs for opted-out client, got %d", len(store.scheduled))
	}
}

func TestPlanAddsExpertSMSOptIn(t *testing.T) {
	source := &fakePrefs{byUser: map[string]prefs.Preferences{
		"expert-1": {
			UserID:               "expert-1",
			SMSEnabled:           true,
			SMSNumber:            "+15559998888",
			AppointmentReminders: true,
			ReminderLeadMinutes:  30,
		},
	}}
	store := &fakeJobStore{}
	planner := newTestPlanner(source, store)

	n, err := planner.PlanForConfirmed(context.Background(), confirmedEvent())
	if err != nil {
		t.Fatalf("PlanForConfirmed failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected client email + expert sms, got %d", n)
	}
	var expertJob *jobs.Job
	for i := range store.scheduled {
		if store.scheduled[i].Recipient == "+15559998888" {
			expertJob = &store.scheduled[i]
		}
	}
	if expertJob == nil {
		t.Fatalf("expected an expert sms job, got %+v", store.scheduled)
	}
	wantRemind := time.Date(2026, 4, 6, 13, 30, 0, 0, time.UTC)
	if !expertJob.RemindAt.Equal(wantRemind) {
		t.Fatalf("expert lead 30m: expected %v, got %v", wantRemind, expertJob.RemindAt)
	}
}

func TestPlanSkipsPastReminders(t *testing.T) {
	store := &fakeJobStore{}
	planner := newTestPlanner(&fakePrefs{}, store)

	evt := confirmedEvent()
	evt.ScheduledAt = "2026-04-06T10:30:00Z" // lead 60m puts the reminder before now

	n, err := planner.PlanForConfirmed(context.Background(), evt)
	if err != nil {
		t.Fatalf("PlanForConfirmed failed: %v", err)
	}
	if n != 0 || len(store.scheduled) != 0 {
		t.Fatalf("past reminder must be skipped, got %d jobs", len(store.scheduled))
	}
}

func TestPlanGuestClientUsesEventEmail(t *testing.T) {
	source := &fakePrefs{}
	store := &fakeJobStore{}
	planner := newTestPlanner(source, store)

	evt := confirmedEvent()
	evt.ClientID = ""

	n, err := planner.PlanForConfirmed(context.Background(), evt)
	if err != nil {
		t.Fatalf("PlanForConfirmed failed: %v", err)
	}
	if n != 1 || store.scheduled[0].Recipient != "dana@example.com" {
		t.Fatalf("guest booking must still get the email reminder, got %+v", store.scheduled)
	}
	if len(source.queried) != 1 || source.queried[0] != "expert-1" {
		t.Fatalf("guest booking must only look up expert preferences, queried %v", source.queried)
	}
}

func TestPlanRejectsIncompleteEvent(t *testing.T) {
	planner := newTestPlanner(&fakePrefs{}, &fakeJobStore{})

	evt := confirmedEvent()
	evt.ScheduledAt = ""
	if _, err := planner.PlanForConfirmed(context.Background(), evt); err == nil {
		t.Fatal("expected an error for a confirmed event without scheduled_at")
	}
}

func TestPlanSurfacesPreferenceErrors(t *testing.T) {
	source := &fakePrefs{err: errors.New("db down")}
	planner := newTestPlanner(source, &fakeJobStore{})

	if _, err := planner.PlanForConfirmed(context.Background(), confirmedEvent()); err == nil {
		t.Fatal("expected preference lookup failure to surface")
	}
}

func TestCancelForAppointment(t *testing.T) {
	store := &fakeJobStore{cancelCount: 2}
	planner := newTestPlanner(&fakePrefs{}, store)

	n, err := planner.CancelForAppointment(context.Background(), "appt-1")
	if err != nil {
		t.Fatalf("CancelForAppointment failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 withdrawn jobs, got %d", n)
	}
	if len(store.cancelled) != 1 || store.cancelled[0] != "appt-1" {
		t.Fatalf("expected cancel for appt-1, got %v", store.cancelled)
	}

	if _, err := planner.CancelForAppointment(context.Background(), "  "); err == nil {
		t.Fatal("expected an error for a blank appointment id")
	}
}
