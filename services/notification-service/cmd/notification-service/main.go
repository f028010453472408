package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/consulere/booking/libs/config"
	"github.com/consulere/booking/libs/db"
	"github.com/consulere/booking/libs/httpx"
	"github.com/consulere/booking/libs/kafkax"
	otelx "github.com/consulere/booking/libs/otel"
	"github.com/consulere/booking/libs/runtime"
	"github.com/consulere/booking/services/notification-service/internal/consumer"
	"github.com/consulere/booking/services/notification-service/internal/dispatch"
	"github.com/consulere/booking/services/notification-service/internal/email"
	"github.com/consulere/booking/services/notification-service/internal/inbox"
	"github.com/consulere/booking/services/notification-service/internal/outbox"
	"github.com/consulere/booking/services/notification-service/internal/sms"
	"github.com/consulere/booking/services/notification-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8085")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	inboxRepo := inbox.NewRepository(pool)
	auditRepo := storage.NewRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	emailSender := email.NewSMTPSender(
		config.String("SMTP_HOST", "mailpit"),
		config.String("SMTP_PORT", "1025"),
		config.String("SMTP_FROM", "no-reply@consulere.local"),
	)

	var smsSender sms.Sender
	switch strings.ToLower(config.String("SMS_PROVIDER", "noop")) {
	case "webhook":
		smsSender = sms.NewWebhookSender(config.String("SMS_WEBHOOK_URL", ""), config.String("SMS_WEBHOOK_TOKEN", ""))
	default:
		smsSender = sms.NewNoopSender()
	}

	dispatcher := dispatch.New(emailSender, smsSender, auditRepo, outboxRepo, dispatch.Config{
		MaxAttempts: config.Int("SEND_MAX_ATTEMPTS", 3),
		Backoff:     time.Duration(config.Int("SEND_RETRY_BACKOFF_MS", 500)) * time.Millisecond,
		FailSuffix:  config.String("NOTIFICATION_FAIL_SUFFIX", ""),
	}, logger)

	dueTopic := config.String("KAFKA_CONSUME_TOPIC", "scheduler.reminder.due.v1")
	confirmedTopic := config.String("KAFKA_CONSUME_TOPIC_2", "booking.appointment.confirmed.v1")
	cancelledTopic := config.String("KAFKA_CONSUME_TOPIC_3", "booking.appointment.cancelled.v1")

	consumerCfg := consumer.Config{
		Brokers: config.String("KAFKA_BROKERS", ""),
		GroupID: config.String("KAFKA_GROUP_ID", "notification-service"),
		Topics:  []string{dueTopic, confirmedTopic, cancelledTopic},
	}
	eventConsumer := consumer.New(logger, inboxRepo, consumerCfg, func(ctx context.Context, msg kafka.Message) error {
		switch msg.Topic {
		case dueTopic:
			var evt dispatch.ReminderDue
			if err := json.Unmarshal(msg.Value, &evt); err != nil {
				logger.Error("invalid reminder event", "err", err)
				return nil
			}
			return dispatcher.HandleReminderDue(ctx, evt)
		case confirmedTopic:
			var evt dispatch.AppointmentEvent
			if err := json.Unmarshal(msg.Value, &evt); err != nil {
				logger.Error("invalid confirmed event", "err", err)
				return nil
			}
			return dispatcher.HandleConfirmed(ctx, evt)
		case cancelledTopic:
			var evt dispatch.AppointmentEvent
			if err := json.Unmarshal(msg.Value, &evt); err != nil {
				logger.Error("invalid cancelled event", "err", err)
				return nil
			}
			return dispatcher.HandleCancelled(ctx, evt)
		default:
			logger.Warn("unexpected topic", "topic", msg.Topic)
			return nil
		}
	})
	go eventConsumer.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "notification")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
