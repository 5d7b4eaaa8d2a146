package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/ak3tsm7/sweep-render-queue/internal/metrics"
	redisq "github.com/ak3tsm7/sweep-render-queue/internal/redis"
)

// reconciler runs one maintenance pass over the job store: requeue jobs held
// by dead workers, promote retries whose backoff elapsed, and publish gauges.
type reconciler struct {
	store        *redisq.Store
	logger       *zap.Logger
	promoteBatch int64
}

type passResult struct {
	Recovery redisq.Recovery
	Promoted int
	Stats    redisq.QueueStats
	Workers  int64
}

func (r *reconciler) run(ctx context.Context) (passResult, error) {
	var res passResult

	rec, err := r.store.RecoverStuckJobs(ctx)
	if err != nil {
		return res, err
	}
	res.Recovery = rec
	for _, w := range rec.StaleWorkers {
		r.logger.Warn("worker heartbeat expired", zap.String("worker_id", w))
	}
	if rec.JobsRequeued > 0 {
		metrics.RecoveryEventsTotal.Add(float64(rec.JobsRequeued))
		r.logger.Info("recovered stuck jobs",
			zap.Int("jobs", rec.JobsRequeued),
			zap.Int("workers", len(rec.StaleWorkers)),
		)
	}
	if rec.JobsFailed > 0 {
		metrics.TerminalFailuresTotal.Add(float64(rec.JobsFailed))
		r.logger.Warn("failed jobs that exceeded the stall limit", zap.Int("jobs", rec.JobsFailed))
	}

	// Drain everything that is due, one batch at a time.
	for {
		n, err := r.store.PromoteDueRetries(ctx, r.promoteBatch)
		if err != nil {
			return res, err
		}
		res.Promoted += n
		if int64(n) < r.promoteBatch {
			break
		}
	}
	if res.Promoted > 0 {
		r.logger.Info("promoted due retries", zap.Int("jobs", res.Promoted))
	}

	if res.Stats, err = r.store.Stats(ctx); err != nil {
		return res, err
	}
	metrics.RecordQueueStats(res.Stats.Ready, res.Stats.Scheduled, res.Stats.Active, res.Stats.Failed)

	if res.Workers, err = r.store.WorkerCount(ctx); err != nil {
		return res, err
	}
	metrics.WorkersRegistered.Set(float64(res.Workers))

	r.logger.Debug("reconcile pass complete",
		zap.Int64("ready", res.Stats.Ready),
		zap.Int64("scheduled", res.Stats.Scheduled),
		zap.Int64("active", res.Stats.Active),
		zap.Int64("failed", res.Stats.Failed),
		zap.Int64("workers", res.Workers),
	)
	return res, nil
}

// report logs worker rankings and the oldest failed jobs, once at startup.
func (r *reconciler) report(ctx context.Context) {
	workers, err := r.store.GetTopWorkers(ctx, 10)
	if err != nil {
		r.logger.Warn("failed to read worker rankings", zap.Error(err))
	}
	if len(workers) == 0 {
		r.logger.Info("no workers registered yet")
	}
	for i, w := range workers {
		r.logger.Info("worker ranking",
			zap.Int("rank", i+1),
			zap.String("worker_id", w.WorkerID),
			zap.String("kind", w.WorkerKind),
			zap.Float64("avg_latency_ms", w.AvgLatencyMs),
			zap.Int64("jobs_done", w.JobsDone),
		)
	}

	failed, err := r.store.ListFailed(ctx, 10)
	if err != nil {
		r.logger.Warn("failed to list failed jobs", zap.Error(err))
		return
	}
	if len(failed) > 0 {
		r.logger.Info("failed jobs awaiting retry", zap.Strings("job_ids", failed))
	}
}
