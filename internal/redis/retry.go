package redisq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ak3tsm7/sweep-render-queue/internal/models"
)

// Failure describes what happened to a job after a failed attempt.
type Failure struct {
	// Terminal is true once attemptsMade reached attemptsAllowed; the job
	// stays failed until an explicit Retry.
	Terminal     bool
	AttemptsMade int
	// AvailableAt is when a scheduled retry becomes eligible again.
	AvailableAt time.Time
}

// Complete marks a job held by workerID as completed. The record is kept for
// the configured retention, or deleted right away when retention is zero.
func (s *Store) Complete(ctx context.Context, workerID string, job *models.Job, result models.Result) error {
	n, err := completeScript.Run(ctx, s.rdb,
		[]string{s.jobKey(job.ID), s.runningKey(workerID)},
		workerID, job.ID, result.ArtifactRef, boolArg(result.Cached), s.nowMs(), s.retention.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// HandleJobFailure records a failed attempt. Below the attempt ceiling the
// job is scheduled for redelivery after a backoff delay; at the ceiling it is
// moved to dlq:failed.
//
// The ceiling and the delay are both enforced here, in the store, so retries
// picked up by different workers are bounded the same way.
func (s *Store) HandleJobFailure(ctx context.Context, workerID string, job *models.Job, jobErr error) (Failure, error) {
	if jobErr == nil {
		jobErr = errors.New("job failed")
	}

	now := s.now()
	availableAt := now.Add(s.backoff.Delay(job.AttemptsMade + 1))

	res, err := failScript.Run(ctx, s.rdb,
		[]string{s.jobKey(job.ID), s.runningKey(workerID), s.retryScheduledKey(), s.dlqFailedKey()},
		workerID, job.ID, jobErr.Error(), now.UnixMilli(), availableAt.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Failure{}, fmt.Errorf("failed to record failure of job %s: %w", job.ID, err)
	}
	if len(res) != 2 || res[0] < 0 {
		return Failure{}, ErrNotOwner
	}

	f := Failure{Terminal: res[0] == 0, AttemptsMade: int(res[1])}
	if !f.Terminal {
		f.AvailableAt = time.UnixMilli(availableAt.UnixMilli()).UTC()
	}
	return f, nil
}

// PromoteDueRetries moves jobs from retry:scheduled onto the ready queue once
// their backoff has elapsed.
func (s *Store) PromoteDueRetries(ctx context.Context, limit int64) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	n, err := promoteScript.Run(ctx, s.rdb,
		[]string{s.retryScheduledKey(), s.readyKey()},
		s.nowMs(), limit, s.jobPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote due retries: %w", err)
	}
	return n, nil
}
