package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/consulere/booking/libs/db"
	otelx "github.com/consulere/booking/libs/otel"
	"github.com/consulere/booking/services/scheduler-service/internal/outbox"
)

// Worker turns due reminder jobs into scheduler.reminder.due.v1 events. Jobs
// whose event cannot be staged retry with a fixed backoff until max_attempts,
// then land on the DLQ topic.
type Worker struct {
	pool      *db.Pool
	repo      *Repository
	outbox    *outbox.Repository
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	backoff   time.Duration
}

type WorkerConfig struct {
	Interval  time.Duration
	BatchSize int
	Backoff   time.Duration
}

func NewWorker(pool *db.Pool, repo *Repository, outboxRepo *outbox.Repository, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 1 * time.Minute
	}
	return &Worker{
		pool:      pool,
		repo:      repo,
		outbox:    outboxRepo,
		logger:    logger,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		backoff:   cfg.Backoff,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.processBatch(ctx); err != nil {
				w.logger.Error("reminder batch failed", "err", err)
			}
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	jobs, err := w.repo.FetchDue(ctx, tx, w.batchSize)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return tx.Commit(ctx)
	}

	var ids []int64
	var failed []Job
	for _, job := range jobs {
		jobCtx := otelx.ContextWithTraceContext(ctx, job.Traceparent, job.Tracestate)
		payload, err := duePayload(job)
		if err != nil {
			failed = append(failed, job)
			continue
		}

		if err := w.outbox.Insert(jobCtx, tx, outbox.Event{
			AggregateType: "reminder_job",
			AggregateID:   job.AppointmentID,
			EventType:     outbox.EventReminderDue,
			Payload:       payload,
		}); err != nil {
			failed = append(failed, job)
			continue
		}
		ids = append(ids, job.ID)
	}

	if err := w.repo.MarkProcessed(ctx, tx, ids); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, job := range failed {
		jobCtx := otelx.ContextWithTraceContext(ctx, job.Traceparent, job.Tracestate)
		plan := retryPlan(job, now, w.backoff)
		if err := w.repo.MarkFailed(ctx, tx, job.ID, plan.Attempts, job.MaxAttempts, plan.NextRunAt, "outbox enqueue failed"); err != nil {
			return err
		}

		if plan.Dead {
			if err := w.enqueueDLQ(jobCtx, tx, job, "max attempts reached", now); err != nil {
				return err
			}
		}
	}

	return tx.Commit(ctx)
}

func (w *Worker) enqueueDLQ(ctx context.Context, tx pgx.Tx, job Job, reason string, failedAt time.Time) error {
	payload, err := dlqPayload(job, reason, failedAt)
	if err != nil {
		return err
	}
	return w.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: "reminder_job",
		AggregateID:   job.AppointmentID,
		EventType:     outbox.EventReminderDLQ,
		Payload:       payload,
	})
}

// retryOutcome is the next state for a job whose due event could not be
// staged this round.
type retryOutcome struct {
	Attempts  int
	NextRunAt time.Time
	Dead      bool
}

func retryPlan(job Job, now time.Time, backoff time.Duration) retryOutcome {
	attempts := job.Attempts + 1
	return retryOutcome{
		Attempts:  attempts,
		NextRunAt: now.Add(backoff),
		Dead:      attempts >= job.MaxAttempts,
	}
}

func duePayload(job Job) ([]byte, error) {
	return json.Marshal(map[string]any{
		"appointment_id": job.AppointmentID,
		"expert_id":      job.ExpertID,
		"channel":        job.Channel,
		"recipient":      job.Recipient,
		"remind_at":      job.RemindAt.UTC().Format(time.RFC3339),
		"scheduled_at":   job.ScheduledAt.UTC().Format(time.RFC3339),
		"template_data":  job.TemplateData,
	})
}

func dlqPayload(job Job, reason string, failedAt time.Time) ([]byte, error) {
	return json.Marshal(map[string]any{
		"appointment_id": job.AppointmentID,
		"expert_id":      job.ExpertID,
		"channel":        job.Channel,
		"recipient":      job.Recipient,
		"remind_at":      job.RemindAt.UTC().Format(time.RFC3339),
		"scheduled_at":   job.ScheduledAt.UTC().Format(time.RFC3339),
		"template_data":  job.TemplateData,
		"error_reason":   reason,
		"failed_at":      failedAt.UTC().Format(time.RFC3339),
	})
}
