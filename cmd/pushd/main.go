package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushrelay/internal/api"
	"github.com/lalithlochan/pushrelay/internal/circuitbreaker"
	"github.com/lalithlochan/pushrelay/internal/config"
	"github.com/lalithlochan/pushrelay/internal/consumer"
	"github.com/lalithlochan/pushrelay/internal/directory"
	"github.com/lalithlochan/pushrelay/internal/metrics"
	"github.com/lalithlochan/pushrelay/internal/observ"
	"github.com/lalithlochan/pushrelay/internal/processor"
	"github.com/lalithlochan/pushrelay/internal/publisher"
	"github.com/lalithlochan/pushrelay/internal/push"
	"github.com/lalithlochan/pushrelay/internal/redis"
	"github.com/lalithlochan/pushrelay/internal/retry"
	"github.com/lalithlochan/pushrelay/internal/sns"
	"github.com/lalithlochan/pushrelay/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting push service",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("version", api.Version),
		zap.String("broker", cfg.Broker),
		zap.String("provider", cfg.PushProvider),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Redis backs the directory cache, de-duplication and rate limiting.
	// All three degrade to pass-through without it.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, caching, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var (
		cache       directory.Cache
		rateLimiter *redis.RateLimiter
		consumerOpt []consumer.Option
	)
	if redisClient != nil {
		cache = redis.NewCache(redisClient)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
		consumerOpt = append(consumerOpt,
			consumer.WithIdempotency(redis.NewIdempotencyService(redisClient, cfg.IdempotencyTTL, logger)))
	}

	dir := directory.New(directory.Config{
		BaseURL:  cfg.UserServiceURL,
		Timeout:  cfg.UserServiceTimeout,
		CacheTTL: cfg.DirectoryCacheTTL,
	}, cache, logger)

	providerCfg := push.Config{
		Provider:                cfg.PushProvider,
		OneSignalAppID:          cfg.OneSignalAppID,
		OneSignalAPIKey:         cfg.OneSignalAPIKey,
		OneSignalURL:            cfg.OneSignalBaseURL,
		FirebaseCredentialsPath: cfg.FirebaseCredentialsPath,
		Timeout:                 cfg.ProviderTimeout,
	}
	provider, err := push.NewProvider(ctx, providerCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create push provider: %w", err)
	}

	// One breaker for the process; every processing call shares its counts.
	breakerCfg := circuitbreaker.DefaultConfig(provider.Name())
	breakerCfg.MaxFailures = cfg.BreakerThreshold
	breakerCfg.RecoveryTimeout = cfg.BreakerTimeout
	breaker := circuitbreaker.New(breakerCfg, logger,
		circuitbreaker.WithStateHook(func(name string, _, to circuitbreaker.State) {
			metrics.SetBreakerState(name, int(to))
		}),
	)
	metrics.SetBreakerState(breaker.Name(), int(breaker.GetState()))

	sender := circuitbreaker.NewProtectedProvider(provider, breaker, retry.Config{
		MaxAttempts: cfg.RetryMaxAttempts,
		Multiplier:  cfg.RetryMultiplier,
		MinWait:     cfg.RetryMinWait,
		MaxWait:     cfg.RetryMaxWait,
	}, logger)

	brk, err := newBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var pubOpts []publisher.Option
	if cfg.StatusSNSTopicARN != "" {
		topic, err := sns.NewPublisher(ctx, cfg.StatusSNSTopicARN, cfg.AWSRegion, cfg.AWSEndpoint, logger)
		if err != nil {
			logger.Warn("sns status fan-out unavailable", zap.Error(err))
		} else {
			pubOpts = append(pubOpts, publisher.WithStatusFanout(topic))
		}
	}
	statusPub := publisher.New(brk, publisher.Queues{
		Status: cfg.StatusQueue,
		Failed: cfg.FailedQueue,
	}, logger, pubOpts...)

	proc := processor.New(repo, sender, statusPub, logger)
	cons := consumer.New(brk, dir, proc, statusPub, logger, consumerOpt...)

	consumerDone := make(chan error, 1)
	go func() { consumerDone <- cons.Start(ctx) }()

	reaper := worker.New(repo, statusPub, worker.Config{
		PollInterval: cfg.ReaperInterval,
		StaleAfter:   cfg.StalePendingAfter,
	}, logger)
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		reaper.Start(ctx)
	}()

	handler := api.NewHandler(logger, repo, proc,
		api.WithBreaker(breaker),
		api.WithStatusPublisher(statusPub),
		api.WithBrokerCheck(brk),
		api.WithProviderStatus(push.ConfigStatus(providerCfg)),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(requestLogger(logger))

	r.Group(func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, apiKey))
		handler.Routes(r)
	})
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second, // synchronous sends may retry with backoff
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	var runErr error
	consumerStopped := false
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case err := <-consumerDone:
		consumerStopped = true
		if err == nil {
			err = errors.New("source closed")
		}
		runErr = fmt.Errorf("consumer stopped: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	// Cancelling aborts in-flight handlers mid-pipeline; anything left
	// pending is failed later by the reaper.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	if !consumerStopped {
		select {
		case <-consumerDone:
		case <-shutdownCtx.Done():
			logger.Warn("consumer did not stop before shutdown deadline")
		}
	}
	// The reaper publishes through the broker, so it must stop before Close.
	select {
	case <-reaperDone:
	case <-shutdownCtx.Done():
		logger.Warn("reaper did not stop before shutdown deadline")
	}

	if err := cons.Close(); err != nil {
		logger.Error("failed to close consumer", zap.Error(err))
	}

	logger.Info("push service stopped")
	return runErr
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// apiKey rate limits the /api routes by client IP and leaves health checks and
// metrics unlimited.
func apiKey(r *http.Request) string {
	if !strings.HasPrefix(r.URL.Path, "/api/") {
		return ""
	}
	return api.IPKeyFunc(r)
}
