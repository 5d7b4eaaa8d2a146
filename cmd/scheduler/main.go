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
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ak3tsm7/sweep-render-queue/internal/config"
	"github.com/ak3tsm7/sweep-render-queue/internal/logging"
	redisq "github.com/ak3tsm7/sweep-render-queue/internal/redis"
)

func main() {
	configPath := flag.String("config", "sweep.yaml", "path to config file")
	once := flag.Bool("once", false, "run a single reconcile pass and exit")
	metricsAddr := flag.String("metrics-addr", ":2114", "address for /metrics, empty to disable")
	flag.Parse()

	if err := run(*configPath, *once, *metricsAddr); err != nil {
		fmt.Fprintln(os.Stderr, "scheduler:", err)
		os.Exit(1)
	}
}

func run(configPath string, once bool, metricsAddr string) error {
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
	logger = logger.With(zap.String("component", "scheduler"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(cfg.RedisOptions())
	defer rdb.Close()

	store := redisq.New(rdb, cfg.StoreOptions()...)
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))

	r := &reconciler{store: store, logger: logger, promoteBatch: cfg.Scheduler.PromoteBatch}
	if r.promoteBatch <= 0 {
		r.promoteBatch = 100
	}

	// Run recovery first to handle any jobs stuck since the last run.
	if _, err := r.run(ctx); err != nil {
		return err
	}
	r.report(ctx)
	if once {
		return nil
	}

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	cl := cronLogger{logger.Sugar()}
	c := cron.New(
		cron.WithParser(cron.NewParser(
			cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
		)),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)
	if _, err := c.AddFunc(cfg.Scheduler.Schedule, func() {
		if _, err := r.run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("reconcile pass failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", cfg.Scheduler.Schedule, err)
	}

	c.Start()
	logger.Info("scheduler started", zap.String("schedule", cfg.Scheduler.Schedule))
	<-ctx.Done()

	logger.Info("scheduler stopping")
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
