package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/consulere/booking/libs/db"
	"github.com/consulere/booking/libs/kafkax"
	otelx "github.com/consulere/booking/libs/otel"
)

// Publisher drains staged appointment events into Kafka. Messages are keyed
// by appointment id so every event for one appointment lands on the same
// partition, in outbox order.
type Publisher struct {
	pool      *db.Pool
	repo      *Repository
	logger    *slog.Logger
	brokers   []string
	pollEvery time.Duration
	batchSize int
}

type PublisherConfig struct {
	Brokers   string
	PollEvery time.Duration
	BatchSize int
}

func NewPublisher(pool *db.Pool, repo *Repository, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		pool:      pool,
		repo:      repo,
		logger:    logger,
		brokers:   kafkax.SplitBrokers(cfg.Brokers),
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

// Run polls until ctx is cancelled. Failed batches stay unpublished and are
// retried on the next tick; consumers dedupe on event_id, so at-least-once
// delivery is safe here.
func (p *Publisher) Run(ctx context.Context) {
	if len(p.brokers) == 0 {
		p.logger.Warn("outbox publisher disabled (no kafka brokers configured)")
		return
	}

	writer := &kafka.Writer{
		Addr:     kafka.TCP(p.brokers...),
		Balancer: &kafka.Hash{},
	}
	defer writer.Close()

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.drainOnce(ctx, writer); err != nil {
				p.logger.Error("outbox publish failed", "err", err)
			}
		}
	}
}

func (p *Publisher) drainOnce(ctx context.Context, writer *kafka.Writer) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch, err := p.repo.lockPending(ctx, tx, p.batchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return tx.Commit(ctx)
	}

	msgs := make([]kafka.Message, 0, len(batch))
	ids := make([]int64, 0, len(batch))
	for _, evt := range batch {
		msg := kafka.Message{
			Topic: evt.EventType,
			Key:   []byte(evt.AggregateID),
			Value: evt.Payload,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(evt.EventID)},
				{Key: "event_type", Value: []byte(evt.EventType)},
			},
		}
		msgCtx := otelx.ContextWithTraceContext(ctx, evt.Traceparent, evt.Tracestate)
		msg.Headers = kafkax.InjectTraceHeaders(msgCtx, msg.Headers)
		msgs = append(msgs, msg)
		ids = append(ids, evt.ID)
	}
	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		return err
	}
	if err := p.repo.markPublished(ctx, tx, ids); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
