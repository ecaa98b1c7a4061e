package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/paymint/transfer-engine/internal/api"
	"github.com/paymint/transfer-engine/internal/config"
	"github.com/paymint/transfer-engine/internal/db"
	"github.com/paymint/transfer-engine/internal/events"
	"github.com/paymint/transfer-engine/internal/fxrate"
	"github.com/paymint/transfer-engine/internal/observability"
	"github.com/paymint/transfer-engine/internal/repository"
	"github.com/paymint/transfer-engine/internal/service"
	"github.com/paymint/transfer-engine/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Run bootstraps the settlement engine and its operational HTTP surface,
// blocking until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	var redisClient *redis.Client
	var rateCache fxrate.Cache
	if cfg.RedisURL != "" {
		redisClient, err = newRedisClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		rateCache = fxrate.NewRedisCache(redisClient, cfg.RateTTL)
	} else {
		rateCache = fxrate.NewMemoryCache()
	}

	var channel events.Channel
	if cfg.AMQPURL != "" {
		channel, err = events.NewRabbitChannel(cfg.AMQPURL, cfg.FailureQueue)
		if err != nil {
			return fmt.Errorf("connect rabbitmq: %w", err)
		}
	} else {
		logger.Warn("AMQP_URL not set, using in-process event channel")
		channel = events.NewMemoryChannel(cfg.SettlementQueueSize)
	}
	defer channel.Close()

	resolver, err := newResolver(cfg, rateCache)
	if err != nil {
		return err
	}

	store := repository.NewStore(pool)
	settlementSvc := service.NewSettlementService(store, channel)
	compensationSvc := service.NewCompensationService(store)

	settlementPool := worker.NewSettlementPool(settlementSvc, cfg.SettlementWorkers, cfg.SettlementQueueSize)
	settlementPool.Start(ctx)

	transferSvc := service.NewTransferService(store, resolver, settlementPool)
	paymentSvc := service.NewPaymentService(store)

	go func() {
		if err := channel.Consume(ctx, compensationSvc.OnTransferFailed); err != nil && ctx.Err() == nil {
			logger.Error("compensation consumer stopped", zap.Error(err))
		}
	}()

	sweeper := worker.NewPendingSweeper(store, channel).
		WithInterval(cfg.SweepInterval).
		WithMaxAge(cfg.PendingMaxAge)
	stopSweeper := sweeper.Run(ctx)

	var redisCmd redis.Cmdable
	if redisClient != nil {
		redisCmd = redisClient
	}
	router := api.NewRouter(logger, pool, redisCmd, transferSvc, paymentSvc)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("draining settlement pool")
	settlementPool.Stop()
	stopSweeper()

	logger.Info("shutdown complete")
	return nil
}

func newResolver(cfg *config.Config, cache fxrate.Cache) (*fxrate.Resolver, error) {
	if cfg.RateProviderURL == "" {
		return nil, fmt.Errorf("RATE_PROVIDER_URL is required")
	}
	primary := fxrate.NewHTTPProvider("primary", cfg.RateProviderURL, cfg.RateWaitTimeout)

	opts := []fxrate.Option{
		fxrate.WithPollInterval(cfg.RatePollInterval),
		fxrate.WithWaitTimeout(cfg.RateWaitTimeout),
	}
	if cfg.RateFallbackURL != "" {
		opts = append(opts, fxrate.WithFallback(
			fxrate.NewHTTPProvider("fallback", cfg.RateFallbackURL, cfg.RateWaitTimeout),
		))
	}

	return fxrate.NewResolver(cfg.HomeCurrency, cache, primary, cfg.RateTTL, opts...), nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
