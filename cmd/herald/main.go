package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/opencivic/herald/internal/api"
	"github.com/opencivic/herald/internal/circuitbreaker"
	"github.com/opencivic/herald/internal/config"
	"github.com/opencivic/herald/internal/digest"
	"github.com/opencivic/herald/internal/dispatch"
	"github.com/opencivic/herald/internal/event"
	"github.com/opencivic/herald/internal/lifecycle"
	"github.com/opencivic/herald/internal/mailer"
	"github.com/opencivic/herald/internal/metrics"
	"github.com/opencivic/herald/internal/observ"
	"github.com/opencivic/herald/internal/redis"
	"github.com/opencivic/herald/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald notifier",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Bool("batch_email_enabled", cfg.BatchEmailEnabled),
		zap.String("transport", cfg.Transport),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := store.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := store.NewRepository(database, logger)

	// Initialize Redis for idempotency and rate limiting
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 events
			Window: 1 * time.Minute, // per minute per producer
		})
		defer redisClient.Close()
	}

	// Select the delivery transport
	var transport mailer.Transport
	switch cfg.Transport {
	case "queue":
		queueTransport, err := mailer.NewQueueTransport(ctx, mailer.QueueConfig{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create queue transport: %w", err)
		}
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("queue"), logger)
		transport = circuitbreaker.NewProtectedTransport(queueTransport, breaker, logger)
	case "ses":
		sesTransport, err := mailer.NewSESTransport(ctx, mailer.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SES transport: %w", err)
		}
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger)
		transport = circuitbreaker.NewProtectedTransport(sesTransport, breaker, logger)
	default:
		transport = mailer.NewLogTransport(logger)
	}

	classifier := event.NewClassifier(cfg.BatchEmailEnabled)
	dispatcher := dispatch.New(repo, transport, logger)
	flusher := digest.New(repo, transport, digest.Config{
		MaxPerDigest:  cfg.DigestMaxEvents,
		ExpiryWindow:  cfg.EventExpiry,
		FlushInterval: cfg.FlushInterval,
	}, logger)

	// Optional SNS lifecycle publisher
	if cfg.SNSTopicARN != "" {
		publisher, err := lifecycle.NewPublisher(ctx, cfg.SNSTopicARN)
		if err != nil {
			logger.Warn("sns publisher unavailable, lifecycle events disabled",
				zap.Error(err),
			)
		} else {
			dispatcher.SetLifecycle(publisher)
			flusher.SetLifecycle(publisher)
			logger.Info("lifecycle publisher enabled",
				zap.String("topic_arn", cfg.SNSTopicARN),
			)
		}
	}

	flusherCtx, flusherCancel := context.WithCancel(context.Background())
	defer flusherCancel()

	go flusher.Run(flusherCtx)

	logger.Info("digest flusher started",
		zap.Duration("interval", cfg.FlushInterval),
		zap.Int("max_per_digest", cfg.DigestMaxEvents),
		zap.Duration("event_expiry", cfg.EventExpiry),
	)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	var handler *api.Handler
	if idempotencyService != nil {
		handler = api.NewHandlerWithIdempotency(logger, repo, classifier, dispatcher, flusher, idempotencyService)
	} else {
		handler = api.NewHandler(logger, repo, classifier, dispatcher, flusher)
	}
	r.Route("/v1", func(r chi.Router) {
		// Apply rate limiting to API routes
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.ProducerKeyFunc))

		r.Post("/events", handler.IngestEvent)
		r.Post("/flush", handler.TriggerFlush)
		r.Get("/notifications", handler.ListNotifications)

		r.Put("/recipients/{id}", handler.UpsertRecipient)
		r.Get("/recipients/{id}", handler.GetRecipient)
		r.Delete("/recipients/{id}", handler.DeleteRecipient)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop the flusher before draining requests so an in-flight flush
		// cycle is not cut off mid-group.
		flusherCancel()

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
