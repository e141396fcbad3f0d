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

	"github.com/jcormack/mailtrack/internal/api"
	"github.com/jcormack/mailtrack/internal/circuitbreaker"
	"github.com/jcormack/mailtrack/internal/codec"
	"github.com/jcormack/mailtrack/internal/config"
	"github.com/jcormack/mailtrack/internal/db"
	"github.com/jcormack/mailtrack/internal/metrics"
	"github.com/jcormack/mailtrack/internal/observ"
	"github.com/jcormack/mailtrack/internal/redis"
	"github.com/jcormack/mailtrack/internal/sender"
	"github.com/jcormack/mailtrack/internal/webhook"
	"github.com/jcormack/mailtrack/internal/worker"
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

	logger.Info("starting mailtrack gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Initialize repository
	repo := db.NewRepository(database, logger)

	// Initialize Redis for idempotency and rate limiting
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, rate limiting and idempotency disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 requests
			Window: 1 * time.Minute, // per minute per client
		})
		defer redisClient.Close()
	}

	// Webhook signature verification
	var verifier *webhook.SignatureVerifier
	if cfg.WebhookVerificationDisabled {
		logger.Warn("webhook signature verification is DISABLED")
	} else {
		verifier, err = webhook.NewSignatureVerifier(cfg.WebhookPublicKey)
		if err != nil {
			return fmt.Errorf("failed to parse webhook public key: %w", err)
		}
	}

	// Account-number encryption
	var accountCodec *codec.Codec
	if cfg.EncryptionKey != "" {
		accountCodec, err = codec.New(cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("failed to initialize encryption codec: %w", err)
		}
	} else {
		logger.Warn("no encryption key configured, account numbers stored in plaintext")
	}

	// Outbound send path behind a circuit breaker
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("sendgrid"), logger)
	emailSender := sender.New(sender.Config{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SenderEmail,
		FromName:  cfg.SenderName,
	}, breaker, logger)

	// Webhook event pipeline
	matcher := webhook.NewMatcher(repo, cfg.SenderEmail, logger)
	classifier := webhook.NewOpenClassifier()
	receiver := webhook.NewReceiver(repo, matcher, classifier, logger)

	// Stale-pending sweeper
	sweeper := worker.New(repo, worker.Config{
		SweepInterval: 5 * time.Minute,
		PendingMaxAge: 30 * time.Minute,
		BatchSize:     100,
	}, logger)

	sweeperCtx, sweeperCancel := context.WithCancel(context.Background())
	defer sweeperCancel()

	go sweeper.Start(sweeperCtx)

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

	handler := api.NewHandler(logger, repo, emailSender, receiver)
	if verifier != nil {
		handler = handler.WithVerifier(verifier)
	}
	if accountCodec != nil {
		handler = handler.WithCodec(accountCodec)
	}
	if idempotencyService != nil {
		handler = handler.WithIdempotency(idempotencyService)
	}

	// Webhook receiver stays outside the rate limiter: provider retries must
	// not be throttled into data loss.
	r.Post("/webhooks/sendgrid", handler.ReceiveWebhook)

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.IPKeyFunc))

		r.Post("/emails", handler.SendEmail)
		r.Get("/emails", handler.ListEmails)
		r.Get("/emails/{id}", handler.GetEmail)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("DB DOWN"))
			return
		}
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
