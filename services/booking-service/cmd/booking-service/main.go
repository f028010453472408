package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/consulere/booking/libs/auth"
	"github.com/consulere/booking/libs/config"
	"github.com/consulere/booking/libs/db"
	"github.com/consulere/booking/libs/httpx"
	"github.com/consulere/booking/libs/kafkax"
	otelx "github.com/consulere/booking/libs/otel"
	"github.com/consulere/booking/libs/runtime"
	"github.com/consulere/booking/services/booking-service/internal/calendar"
	"github.com/consulere/booking/services/booking-service/internal/expiry"
	"github.com/consulere/booking/services/booking-service/internal/handlers"
	"github.com/consulere/booking/services/booking-service/internal/orchestrator"
	"github.com/consulere/booking/services/booking-service/internal/outbox"
	"github.com/consulere/booking/services/booking-service/internal/payments"
	"github.com/consulere/booking/services/booking-service/internal/reconcile"
	"github.com/consulere/booking/services/booking-service/internal/resolver"
	"github.com/consulere/booking/services/booking-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8083")
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

	var rdb *redis.Client
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()
	}

	outboxRepo := outbox.NewRepository(pool)
	availRepo := storage.NewAvailabilityRepository(pool)
	ratesRepo := storage.NewRatesRepository(pool)
	providerEvents := storage.NewProviderEventsRepository(pool)
	ledger := storage.NewLedger(pool, outboxRepo, time.Now)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	// Calendar sync is optional equipment. Without a credentials key the
	// overlay stays out of the resolver entirely.
	var (
		calRepo *storage.CalendarRepository
		overlay resolver.OverlaySource
		warmer  *calendar.Warmer
	)
	if hexKey := strings.TrimSpace(config.String("CALENDAR_CREDENTIALS_KEY", "")); hexKey != "" {
		calRepo, err = storage.NewCalendarRepository(pool, hexKey)
		if err != nil {
			logger.Error("calendar repository init failed", "err", err)
			panic(err)
		}
		provider, err := calendar.NewProvider(logger, config.String("CALENDAR_GRPC_ADDR", ""))
		if err != nil {
			logger.Error("calendar provider init failed; overlay degraded to cache-only", "err", err)
			provider = nil
		}
		ov := calendar.NewOverlay(calRepo, provider, rdb,
			config.DurationSeconds("CALENDAR_FRESH_SECONDS", calendar.DefaultFreshness), logger)
		overlay = ov
		if provider != nil {
			warmer = calendar.NewWarmer(ov, calRepo,
				time.Duration(config.Int("CALENDAR_WARM_DAYS", 14))*24*time.Hour, logger)
		}
	} else {
		logger.Info("calendar overlay disabled: no credentials key configured")
	}

	lead := time.Duration(config.Int("MIN_LEAD_MINUTES", 60)) * time.Minute
	slots := resolver.New(availRepo, ledger, overlay, lead, time.Now)

	var gateway payments.Gateway
	if key := strings.TrimSpace(config.String("STRIPE_SECRET_KEY", "")); key != "" {
		gateway = payments.NewStripeGateway(key, config.DurationSeconds("PAYMENT_TIMEOUT_SECONDS", 8*time.Second))
	} else {
		logger.Warn("no stripe key configured; using noop payment gateway")
		gateway = payments.NewNoopGateway(logger)
	}

	hold := time.Duration(config.Int("RESERVATION_TTL_MINUTES", 15)) * time.Minute
	saga := orchestrator.NewService(ledger, gateway, slots, hold, logger)

	sweeper := expiry.NewSweeper(ledger, logger, config.Int("EXPIRY_SWEEP_BATCH", 100))
	go sweeper.Run(ctx, config.DurationSeconds("EXPIRY_SWEEP_SECONDS", 30*time.Second))

	completer := reconcile.NewCompleter(pool, ledger, logger, reconcile.Config{
		BatchSize:       config.Int("COMPLETE_SWEEP_BATCH", 100),
		AdvisoryLockKey: int64(config.Int("RECONCILE_LOCK_KEY", 0)),
	})
	go completer.Run(ctx, config.DurationSeconds("COMPLETE_SWEEP_SECONDS", time.Minute))

	if warmer != nil {
		go warmer.Run(ctx, config.DurationSeconds("CALENDAR_WARM_SECONDS", 5*time.Minute))
	}

	var jwks *auth.JWKSClient
	if url := strings.TrimSpace(config.String("AUTH_JWKS_URL", "")); url != "" {
		jwks = auth.NewJWKSClient(url, config.DurationSeconds("JWKS_CACHE_SECONDS", 5*time.Minute))
	}
	authn := handlers.NewAuthenticator(config.String("AUTH_JWT_SECRET", "dev-secret"), jwks)

	bookingHandler := handlers.NewBookingHandler(saga, ledger, slots, logger)
	availabilityHandler := handlers.NewAvailabilityHandler(availRepo, ratesRepo, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)

	mux.HandleFunc("GET /api/v1/experts/{id}/slots", bookingHandler.Slots)
	mux.Handle("POST /api/v1/appointments", authn.Optional(http.HandlerFunc(bookingHandler.Reserve)))
	mux.Handle("GET /api/v1/appointments", authn.Require(http.HandlerFunc(bookingHandler.List)))
	mux.Handle("GET /api/v1/appointments/{id}", authn.Optional(http.HandlerFunc(bookingHandler.Get)))
	mux.Handle("POST /api/v1/appointments/{id}/cancel", authn.Optional(http.HandlerFunc(bookingHandler.Cancel)))
	mux.Handle("POST /api/v1/appointments/{id}/no-show", authn.Require(http.HandlerFunc(bookingHandler.NoShow)))

	mux.HandleFunc("GET /api/v1/experts/{id}/windows", availabilityHandler.ListWindows)
	mux.Handle("PUT /api/v1/experts/{id}/windows", authn.Require(http.HandlerFunc(availabilityHandler.ReplaceWindows)))
	mux.Handle("GET /api/v1/experts/{id}/blocks", authn.Require(http.HandlerFunc(availabilityHandler.ListBlocks)))
	mux.Handle("POST /api/v1/experts/{id}/blocks", authn.Require(http.HandlerFunc(availabilityHandler.CreateBlock)))
	mux.Handle("DELETE /api/v1/experts/{id}/blocks/{blockID}", authn.Require(http.HandlerFunc(availabilityHandler.DeleteBlock)))
	mux.HandleFunc("GET /api/v1/experts/{id}/rate", availabilityHandler.GetRate)
	mux.Handle("PUT /api/v1/experts/{id}/rate", authn.Require(http.HandlerFunc(availabilityHandler.PutRate)))

	if calRepo != nil {
		calendarHandler := handlers.NewCalendarHandler(calRepo, logger)
		mux.Handle("GET /api/v1/experts/{id}/calendar", authn.Require(http.HandlerFunc(calendarHandler.Status)))
		mux.Handle("PUT /api/v1/experts/{id}/calendar", authn.Require(http.HandlerFunc(calendarHandler.Connect)))
		mux.Handle("DELETE /api/v1/experts/{id}/calendar", authn.Require(http.HandlerFunc(calendarHandler.Disconnect)))
	}

	if whSecret := strings.TrimSpace(config.String("STRIPE_WEBHOOK_SECRET", "")); whSecret != "" {
		webhook := handlers.NewStripeWebhookHandler(whSecret,
			config.DurationSeconds("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 5*time.Minute),
			saga, providerEvents, logger)
		mux.Handle("POST /api/v1/payments/webhooks/stripe", webhook)
	} else {
		logger.Warn("stripe webhook disabled: no signing secret configured")
	}

	var rateLimitMW httpx.Middleware
	limitPerMinute := config.Int("RATE_LIMIT_PER_MINUTE", 60)
	if rdb != nil {
		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl"))
		rateLimitMW = rl.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		rateLimitMW = rl.Middleware()
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	handler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods: parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,PUT,PATCH,DELETE,OPTIONS")),
			AllowedHeaders: parseList(config.String("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id,Idempotency-Key")),
			MaxAge:         10 * time.Minute,
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(int64(config.Int("REQUEST_BODY_LIMIT_BYTES", 1<<20))),
		httpx.WithTimeout(config.DurationSeconds("REQUEST_TIMEOUT_SECONDS", 10*time.Second)),
		rateLimitMW,
	)
	handler = otelhttp.NewHandler(handler, "booking")
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

func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
