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
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/insider-one/notification-pipeline/internal/config"
	_ "github.com/insider-one/notification-pipeline/internal/docs"
	"github.com/insider-one/notification-pipeline/internal/handler"
	"github.com/insider-one/notification-pipeline/internal/metrics"
	"github.com/insider-one/notification-pipeline/internal/middleware"
	"github.com/insider-one/notification-pipeline/internal/ratelimit"
	"github.com/insider-one/notification-pipeline/internal/repository/kafka"
	"github.com/insider-one/notification-pipeline/internal/repository/postgres"
	"github.com/insider-one/notification-pipeline/internal/repository/redis"
	"github.com/insider-one/notification-pipeline/internal/service"
	"github.com/insider-one/notification-pipeline/internal/tracing"
)

// @title Notification Pipeline API
// @version 1.0
// @description Rate-limited notification intake with status tracking
// @termsOfService http://swagger.io/terms/

// @contact.name API Support
// @contact.email support@insider.com

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /

// publisher is the intake side of the queue transport.
type publisher interface {
	service.Publisher
	handler.QueueStatsSource
}

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.App.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("starting notification api",
		"env", cfg.App.Env,
		"port", cfg.Server.Port,
		"queue_driver", cfg.Queue.Driver,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.App.ServiceName+"-api", cfg.Tracing, logger)
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

	if cfg.Database.MigrateOnStart {
		if err := postgres.Migrate(cfg.Database.URL, logger); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Redis
	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	var queue publisher
	switch cfg.Queue.Driver {
	case config.QueueDriverKafka:
		producer := kafka.NewProducer(kafka.Options{
			Brokers:         cfg.Queue.KafkaBrokers,
			Topic:           cfg.Queue.Name,
			DeadLetterTopic: cfg.Queue.DeadLetterName,
		})
		defer producer.Close()
		queue = producer
	default:
		queue = redis.NewQueue(redisClient, redis.QueueOptions{
			Name:              cfg.Queue.Name,
			DeadLetterName:    cfg.Queue.DeadLetterName,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			PollTimeout:       cfg.Queue.PollTimeout,
		}, logger)
	}

	m := metrics.New(prometheus.NewRegistry())
	m.RegisterRuntime()

	// Initialize repositories and services
	logStore := postgres.NewLogStore(db)
	templateStore := postgres.NewTemplateStore(db)
	limiter := ratelimit.NewLimiter(redis.NewCounterStore(redisClient), cfg.RateLimit.Limit, cfg.RateLimit.Window, nil, logger)

	templateService := service.NewTemplateService(templateStore, logger)
	notificationService := service.NewNotificationService(logStore, templateStore, queue, limiter, logger)
	notificationService.SetMetrics(m)
	notificationService.SetStatusNotifier(redis.NewStatusPublisher(redisClient, cfg.Redis.StatusChannel, logger))

	// Status updates from both processes reach websocket clients through pub/sub.
	wsHub := handler.NewWebSocketHub(logger)
	go wsHub.Run(ctx)

	subscriber := redis.NewStatusSubscriber(redisClient, cfg.Redis.StatusChannel, wsHub, logger)
	go func() {
		if err := subscriber.Run(ctx); err != nil {
			logger.Error("status subscriber stopped", "error", err)
		}
	}()

	// Initialize handlers
	notificationHandler := handler.NewNotificationHandler(notificationService)
	templateHandler := handler.NewTemplateHandler(templateService)
	healthHandler := handler.NewHealthHandler()
	healthHandler.AddChecker("postgres", db)
	healthHandler.AddChecker("redis", redisClient)
	metricsHandler := handler.NewMetricsHandler(m, queue, wsHub)
	wsHandler := handler.NewWebSocketHandler(wsHub, cfg.Server.CORSAllowedOrigins)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(middleware.Correlation)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logging(logger, m))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", middleware.CorrelationIDHeader},
		ExposedHeaders:   []string{middleware.CorrelationIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/health/live", healthHandler.Liveness)
	r.Get("/health/ready", healthHandler.Readiness)

	r.Handle("/metrics", metricsHandler.Handler())
	r.Get("/metrics/realtime", metricsHandler.Realtime)

	r.Get("/ws", wsHandler.HandleWebSocket)
	r.Get("/swagger/*", httpSwagger.WrapHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/notifications", notificationHandler.RegisterRoutes)
		r.Route("/ratelimit", notificationHandler.RegisterRateLimitRoutes)
		r.Route("/templates", templateHandler.RegisterRoutes)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("server stopped")
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
	})).With("service", "api")
}
