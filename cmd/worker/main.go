package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/insider-one/notification-pipeline/internal/breaker"
	"github.com/insider-one/notification-pipeline/internal/clock"
	"github.com/insider-one/notification-pipeline/internal/config"
	"github.com/insider-one/notification-pipeline/internal/delay"
	"github.com/insider-one/notification-pipeline/internal/domain"
	"github.com/insider-one/notification-pipeline/internal/handler"
	"github.com/insider-one/notification-pipeline/internal/metrics"
	"github.com/insider-one/notification-pipeline/internal/middleware"
	"github.com/insider-one/notification-pipeline/internal/provider"
	"github.com/insider-one/notification-pipeline/internal/repository/kafka"
	"github.com/insider-one/notification-pipeline/internal/repository/postgres"
	"github.com/insider-one/notification-pipeline/internal/repository/redis"
	"github.com/insider-one/notification-pipeline/internal/tracing"
	"github.com/insider-one/notification-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.App.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("starting notification worker",
		"env", cfg.App.Env,
		"admin_port", cfg.Server.AdminPort,
		"queue_driver", cfg.Queue.Driver,
		"concurrency", cfg.Worker.Concurrency,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.App.ServiceName+"-worker", cfg.Tracing, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Initialize PostgreSQL
	db, err := postgres.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to PostgreSQL")

	// Initialize Redis
	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	clk := clock.Real()

	var (
		transport domain.Transport
		reclaimer domain.Reclaimer
	)
	switch cfg.Queue.Driver {
	case config.QueueDriverKafka:
		kt := kafka.NewTransport(kafka.Options{
			Brokers:           cfg.Queue.KafkaBrokers,
			Topic:             cfg.Queue.Name,
			DeadLetterTopic:   cfg.Queue.DeadLetterName,
			GroupID:           cfg.Queue.KafkaGroupID,
			PollTimeout:       cfg.Queue.PollTimeout,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			Clock:             clk,
		}, logger)
		defer func() {
			if err := kt.Close(); err != nil {
				logger.Error("failed to close kafka transport", "error", err)
			}
		}()
		transport = kt
		reclaimer = kt
	default:
		q := redis.NewQueue(redisClient, redis.QueueOptions{
			Name:              cfg.Queue.Name,
			DeadLetterName:    cfg.Queue.DeadLetterName,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			PollTimeout:       cfg.Queue.PollTimeout,
			Clock:             clk,
		}, logger)
		transport = q
		reclaimer = q
	}

	m := metrics.New(prometheus.NewRegistry())
	m.RegisterRuntime()

	breakers := breaker.NewSet(breaker.Settings{
		Name:             "provider",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		HistorySize:      cfg.Breaker.HistorySize,
		Clock:            clk,
		Logger:           logger,
		IsFailure:        domain.Retryable,
		OnStateChange: func(name string, t breaker.Transition) {
			m.RecordBreakerTransition(name, string(t.From), string(t.To))
		},
	}, cfg.Breaker.PerChannel)

	delays := delay.New(clk, logger)
	cache := worker.NewIdempotencyCache(cfg.Worker.IdempotencyTTL, cfg.Worker.IdempotencyMaxEntries, clk)

	orchestrator := worker.NewOrchestrator(worker.Dependencies{
		Transport:  transport,
		Logs:       postgres.NewLogStore(db),
		Templates:  postgres.NewTemplateStore(db),
		Dispatcher: provider.NewHTTPDispatcher(cfg.Provider, logger),
		Breakers:   breakers,
		Cache:      cache,
		Delays:     delays,
		Notifier:   redis.NewStatusPublisher(redisClient, cfg.Redis.StatusChannel, logger),
		Metrics:    m,
		Clock:      clk,
	}, worker.OptionsFromConfig(cfg.Worker, cfg.Retry), logger)

	janitor := worker.NewJanitor(worker.JanitorDependencies{
		Transport: transport,
		Reclaimer: reclaimer,
		Cache:     cache,
		Breakers:  breakers,
		Delays:    delays,
		Metrics:   m,
		Clock:     clk,
	}, worker.SchedulesFromConfig(cfg.Worker), logger)

	if err := orchestrator.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}
	if err := janitor.Start(ctx); err != nil {
		logger.Error("failed to start janitor", "error", err)
		os.Exit(1)
	}

	healthHandler := handler.NewHealthHandler()
	healthHandler.AddChecker("postgres", db)
	healthHandler.AddChecker("redis", redisClient)
	metricsHandler := handler.NewMetricsHandler(m, transport, nil)
	adminHandler := handler.NewAdminHandler(breakers, delays)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logging(logger, m))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/live", healthHandler.Liveness)
	r.Get("/health/ready", healthHandler.Readiness)

	r.Handle("/metrics", metricsHandler.Handler())
	r.Get("/metrics/realtime", metricsHandler.Realtime)

	adminHandler.RegisterRoutes(r)

	server := &http.Server{
		Addr:         ":" + cfg.Server.AdminPort,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("admin server listening", "port", cfg.Server.AdminPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", "error", err)
	}

	if dropped := orchestrator.Stop(); dropped > 0 {
		logger.Warn("pending republishes dropped on shutdown", "count", dropped)
	}
	janitor.Stop()

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("worker stopped")
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "worker")
}
