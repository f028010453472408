package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/consulere/booking/libs/config"
	"github.com/consulere/booking/libs/db"
	"github.com/consulere/booking/libs/httpx"
	"github.com/consulere/booking/libs/kafkax"
	otelx "github.com/consulere/booking/libs/otel"
	"github.com/consulere/booking/libs/runtime"
	"github.com/consulere/booking/services/scheduler-service/internal/consumer"
	"github.com/consulere/booking/services/scheduler-service/internal/handlers"
	"github.com/consulere/booking/services/scheduler-service/internal/inbox"
	"github.com/consulere/booking/services/scheduler-service/internal/jobs"
	"github.com/consulere/booking/services/scheduler-service/internal/outbox"
	"github.com/consulere/booking/services/scheduler-service/internal/prefs"
	"github.com/consulere/booking/services/scheduler-service/internal/reminders"
)

func main() {
	service := config.String("SERVICE_NAME", "scheduler-service")
	port, err := config.Port("PORT", "8087")
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
	jobRepo := jobs.NewRepository(pool)
	prefsRepo := prefs.NewRepository(pool)
	outboxRepo := outbox.NewRepository(pool)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	jobWorker := jobs.NewWorker(pool, jobRepo, outboxRepo, logger, jobs.WorkerConfig{
		Interval:  config.DurationSeconds("SCHEDULER_POLL_SECONDS", 2*time.Second),
		BatchSize: config.Int("SCHEDULER_BATCH_SIZE", 50),
		Backoff:   config.DurationSeconds("SCHEDULER_RETRY_BACKOFF_SECONDS", time.Minute),
	})
	go jobWorker.Run(ctx)

	planner := reminders.NewPlanner(prefsRepo, jobRepo,
		config.Int("DEFAULT_REMINDER_LEAD_MINUTES", 60), logger)

	confirmedTopic := config.String("KAFKA_CONSUME_TOPIC", "booking.appointment.confirmed.v1")
	cancelledTopic := config.String("KAFKA_CONSUME_TOPIC_2", "booking.appointment.cancelled.v1")
	releasedTopic := config.String("KAFKA_CONSUME_TOPIC_3", "booking.appointment.released.v1")

	consumerCfg := consumer.Config{
		Brokers: config.String("KAFKA_BROKERS", ""),
		GroupID: config.String("KAFKA_GROUP_ID", "scheduler-service"),
		Topics:  []string{confirmedTopic, cancelledTopic, releasedTopic},
	}

	eventConsumer := consumer.New(logger, inboxRepo, consumerCfg, func(ctx context.Context, msg kafka.Message) error {
		switch msg.Topic {
		case confirmedTopic:
			var evt reminders.ConfirmedEvent
			if err := json.Unmarshal(msg.Value, &evt); err != nil {
				logger.Error("invalid confirmed event", "err", err)
				return nil
			}
			n, err := planner.PlanForConfirmed(ctx, evt)
			if err != nil {
				return err
			}
			logger.Info("reminders planned", "appointment_id", evt.AppointmentID, "jobs", n)
			return nil
		case cancelledTopic, releasedTopic:
			var evt struct {
				AppointmentID string `json:"appointment_id"`
			}
			if err := json.Unmarshal(msg.Value, &evt); err != nil {
				logger.Error("invalid cancellation event", "err", err, "topic", msg.Topic)
				return nil
			}
			n, err := planner.CancelForAppointment(ctx, evt.AppointmentID)
			if err != nil {
				return err
			}
			logger.Info("reminders withdrawn", "appointment_id", evt.AppointmentID, "jobs", n)
			return nil
		default:
			logger.Warn("unexpected topic", "topic", msg.Topic)
			return nil
		}
	})
	go eventConsumer.Run(ctx)

	prefsHandler := handlers.NewPreferencesHandler(prefsRepo, config.String("AUTH_JWT_SECRET", "dev-secret"), logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.HandleFunc("GET /api/v1/notification-preferences/{userID}", prefsHandler.Get)
	mux.HandleFunc("PUT /api/v1/notification-preferences/{userID}", prefsHandler.Put)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "scheduler")
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
