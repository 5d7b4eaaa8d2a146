package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ak3tsm7/sweep-render-queue/internal/artifact"
	"github.com/ak3tsm7/sweep-render-queue/internal/metrics"
	"github.com/ak3tsm7/sweep-render-queue/internal/models"
	"github.com/ak3tsm7/sweep-render-queue/internal/provider"
	redisq "github.com/ak3tsm7/sweep-render-queue/internal/redis"
)

func (p *Pool) process(job *models.Job) {
	log := p.logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.AttemptsMade+1))
	log.Info("received job")

	ctx, cancel := context.WithTimeout(context.Background(), p.jobTimeout)
	p.trackJob(job.ID, cancel)
	metrics.RunningJobs.Inc()
	defer func() {
		metrics.RunningJobs.Dec()
		p.untrackJob(job.ID)
		cancel()
	}()

	start := time.Now()
	result, execErr := p.execute(ctx, job)
	duration := time.Since(start)

	// Report outcomes on a fresh context: the job context may be spent.
	reportCtx := context.Background()
	providerName := p.renderer.Provider()

	if execErr == nil {
		if err := p.report(log, "completion", func() error {
			return p.store.Complete(reportCtx, p.worker.ID, job, result)
		}); err != nil {
			log.Error("failed to record completion", zap.Error(err))
			return
		}
		outcome := "completed"
		if result.Cached {
			outcome = "cached"
		} else {
			metrics.JobDurationSeconds.WithLabelValues(providerName).Observe(duration.Seconds())
			if err := p.store.UpdateWorkerMetrics(reportCtx, p.worker, duration); err != nil {
				log.Warn("failed to update metrics", zap.Error(err))
			}
		}
		metrics.JobsCompletedTotal.WithLabelValues(providerName, outcome).Inc()
		log.Info("job completed", zap.Bool("cached", result.Cached), zap.Duration("duration", duration))
		return
	}

	if errors.Is(execErr, context.Canceled) && p.isStopping() {
		// Left Active: the next recovery pass requeues it without spending an attempt.
		log.Warn("job interrupted by shutdown")
		return
	}
	if errors.Is(execErr, context.DeadlineExceeded) {
		execErr = fmt.Errorf("job timeout after %v: %w", p.jobTimeout, execErr)
	}

	metrics.JobsCompletedTotal.WithLabelValues(providerName, "failed").Inc()
	var f redisq.Failure
	err := p.report(log, "failure", func() error {
		var err error
		f, err = p.store.HandleJobFailure(reportCtx, p.worker.ID, job, execErr)
		return err
	})
	if err != nil {
		log.Error("failed to record job failure", zap.Error(err), zap.NamedError("job_error", execErr))
		return
	}
	if f.Terminal {
		metrics.TerminalFailuresTotal.Inc()
		log.Warn("job failed terminally", zap.Error(execErr), zap.Int("attempts_made", f.AttemptsMade))
		return
	}
	metrics.RetriesScheduledTotal.Inc()
	log.Warn("job failed, retry scheduled",
		zap.Error(execErr),
		zap.Int("attempts_made", f.AttemptsMade),
		zap.Time("available_at", f.AvailableAt),
	)
}

// report calls record until the store accepts the outcome, retrying store
// errors with backoff. ErrNotOwner is final: the job was recovered elsewhere.
// Once the pool is aborted at a shutdown deadline report gives up and the job
// stays Active until the next recovery pass.
func (p *Pool) report(log *zap.Logger, what string, record func() error) error {
	for attempt := 1; ; attempt++ {
		err := record()
		if err == nil || errors.Is(err, redisq.ErrNotOwner) {
			return err
		}
		delay := p.reportBackoff.Delay(attempt)
		log.Warn("store rejected job outcome, retrying",
			zap.String("outcome", what),
			zap.Int("report_attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		select {
		case <-time.After(delay):
		case <-p.abortCh:
			return err
		}
	}
}

// execute never panics: a panic inside rendering becomes the job's error.
func (p *Pool) execute(ctx context.Context, job *models.Job) (result models.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	cached, err := p.cache.Has(job.ID)
	if err != nil {
		return models.Result{}, err
	}
	if cached {
		return models.Result{ArtifactRef: artifact.Ref(job.ID), Cached: true}, nil
	}

	req := provider.Request{
		Document:     job.Spec.Document,
		ModelVersion: job.Spec.ModelVersion,
		Seed:         job.Spec.Seed,
	}
	body, err := p.renderer.Render(ctx, req, func(progress int) {
		if err := p.store.SetProgress(ctx, p.worker.ID, job.ID, progress); err != nil {
			p.logger.Debug("progress update dropped", zap.String("job_id", job.ID), zap.Error(err))
		}
	})
	if err != nil {
		return models.Result{}, err
	}
	defer body.Close()

	if err := p.cache.Put(job.ID, body); err != nil {
		return models.Result{}, err
	}
	return models.Result{ArtifactRef: artifact.Ref(job.ID)}, nil
}
