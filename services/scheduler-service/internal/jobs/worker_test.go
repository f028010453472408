package jobs

import (
	"encoding/json"
	"testing"
	"time"
)

func dueJob() Job {
	return Job{
		ID:             7,
		IdempotencyKey: "appt-1|dana@example.com|email|2026-04-06T13:00:00Z",
		AppointmentID:  "appt-1",
		ExpertID:       "expert-1",
		Channel:        "email",
		Recipient:      "dana@example.com",
		RemindAt:       time.Date(2026, 4, 6, 13, 0, 0, 0, time.UTC),
		ScheduledAt:    time.Date(2026, 4, 6, 14, 0, 0, 0, time.UTC),
		TemplateData:   map[string]any{"timezone": "America/New_York"},
		Attempts:       0,
		MaxAttempts:    5,
	}
}

func TestRetryPlanBacksOff(t *testing.T) {
	now := time.Date(2026, 4, 6, 13, 0, 5, 0, time.UTC)
	job := dueJob()

	plan := retryPlan(job, now, time.Minute)
	if plan.Attempts != 1 {
		t.Fatalf("expected attempts 1, got %d", plan.Attempts)
	}
	if !plan.NextRunAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected next run at now+backoff, got %v", plan.NextRunAt)
	}
	if plan.Dead {
		t.Fatal("first failure must not dead-letter")
	}
}

func TestRetryPlanDeadLettersAtMaxAttempts(t *testing.T) {
	now := time.Date(2026, 4, 6, 13, 0, 5, 0, time.UTC)
	job := dueJob()
	job.Attempts = 4 // next failure is the fifth of five

	plan := retryPlan(job, now, time.Minute)
	if plan.Attempts != 5 || !plan.Dead {
		t.Fatalf("expected the fifth failure to dead-letter, got attempts=%d dead=%v", plan.Attempts, plan.Dead)
	}
}

func TestDuePayloadShape(t *testing.T) {
	raw, err := duePayload(dueJob())
	if err != nil {
		t.Fatalf("duePayload failed: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("payload is not valid json: %v", err)
	}
	for _, key := range []string{"appointment_id", "expert_id", "channel", "recipient", "remind_at", "scheduled_at", "template_data"} {
		if _, ok := payload[key]; !ok {
			t.Fatalf("due payload missing %q: %v", key, payload)
		}
	}
	if payload["remind_at"] != "2026-04-06T13:00:00Z" {
		t.Fatalf("remind_at must be RFC3339 UTC, got %v", payload["remind_at"])
	}
}

func TestDLQPayloadCarriesReason(t *testing.T) {
	failedAt := time.Date(2026, 4, 6, 13, 5, 0, 0, time.UTC)
	raw, err := dlqPayload(dueJob(), "max attempts reached", failedAt)
	if err != nil {
		t.Fatalf("dlqPayload failed: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("payload is not valid json: %v", err)
	}
	if payload["error_reason"] != "max attempts reached" {
		t.Fatalf("expected error_reason, got %v", payload["error_reason"])
	}
	if payload["failed_at"] != "2026-04-06T13:05:00Z" {
		t.Fatalf("expected failed_at RFC3339, got %v", payload["failed_at"])
	}
}
