package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ak3tsm7/sweep-render-queue/internal/artifact"
	"github.com/ak3tsm7/sweep-render-queue/internal/config"
	"github.com/ak3tsm7/sweep-render-queue/internal/logging"
	"github.com/ak3tsm7/sweep-render-queue/internal/provider"
	redisq "github.com/ak3tsm7/sweep-render-queue/internal/redis"
	"github.com/ak3tsm7/sweep-render-queue/internal/worker"
)

func main() {
	configPath := flag.String("config", "sweep.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(cfg.RedisOptions())
	defer rdb.Close()

	store := redisq.New(rdb, cfg.StoreOptions()...)
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	cache, err := artifact.New(cfg.Storage.Dir)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: cfg.RenderRequestTimeout()}
	binding, err := provider.New(cfg.ProviderConfig(), httpClient)
	if err != nil {
		return err
	}
	renderer := provider.NewRenderer(binding,
		provider.WithHTTPClient(httpClient),
		provider.WithPolling(cfg.RenderPollInterval(), cfg.Render.MaxPolls),
		provider.WithRateLimit(cfg.Render.RateLimitPerMinute),
		provider.WithLogger(logger),
	)

	pool := worker.NewPool(store, renderer, cache, logger,
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithPollInterval(cfg.WorkerPollInterval()),
		worker.WithHeartbeat(cfg.HeartbeatInterval(), cfg.StaleThreshold()),
		worker.WithJobTimeout(cfg.JobTimeout()),
	)

	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("metrics server started", zap.String("addr", cfg.Metrics.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := pool.Start(gctx); err != nil {
			return err
		}
		logger.Info("worker started",
			zap.String("worker_id", pool.Worker().ID),
			zap.String("provider", renderer.Provider()),
			zap.String("storage", cache.Dir()),
		)
		<-gctx.Done()

		// In-flight renders still running at the deadline are cancelled and
		// left active for recovery.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		return pool.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("worker exited")
	return nil
}
