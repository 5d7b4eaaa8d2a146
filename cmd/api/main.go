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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ak3tsm7/sweep-render-queue/internal/api"
	"github.com/ak3tsm7/sweep-render-queue/internal/artifact"
	"github.com/ak3tsm7/sweep-render-queue/internal/config"
	"github.com/ak3tsm7/sweep-render-queue/internal/logging"
	"github.com/ak3tsm7/sweep-render-queue/internal/orchestrator"
	redisq "github.com/ak3tsm7/sweep-render-queue/internal/redis"
	"github.com/ak3tsm7/sweep-render-queue/internal/status"
)

func main() {
	configPath := flag.String("config", "sweep.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "api:", err)
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

	svc := orchestrator.New(store, status.New(store, cache),
		orchestrator.WithDefaultModelVersion(cfg.Render.ModelVersion),
		orchestrator.WithPlanLimit(cfg.API.PlanLimit),
		orchestrator.WithLogger(logger),
	)

	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           api.New(svc, cache, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", cfg.API.Addr), zap.String("storage", cache.Dir()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("api shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
