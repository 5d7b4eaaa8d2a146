package redisq

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/sweep-render-queue/internal/models"
)

// EnqueueResult reports what Enqueue did for one spec.
type EnqueueResult struct {
	ID string
	// Created is false when a queued, active or failed job already held the id.
	Created bool
	State   models.State
}

// EnqueueJob derives the job id from spec and queues it. Submitting a spec
// whose job is already queued, active or failed is a no-op that returns the
// existing id; failed jobs need an explicit Retry.
func (s *Store) EnqueueJob(ctx context.Context, spec models.JobSpec) (EnqueueResult, error) {
	id, err := s.hasher.IdentifySpec(spec)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("failed to identify job: %w", err)
	}

	payload, err := encodeSpec(spec)
	if err != nil {
		return EnqueueResult{}, err
	}

	res, err := enqueueScript.Run(ctx, s.rdb,
		[]string{s.jobKey(id), s.readyKey()},
		id, payload, s.attempts, s.nowMs(),
	).Slice()
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("failed to enqueue job %s: %w", id, err)
	}

	created, state := scriptPair(res)
	return EnqueueResult{ID: id, Created: created == 1, State: models.State(state)}, nil
}

// Retry re-queues a failed job with a fresh attempt budget, clearing its old
// error state first. If the record is gone (purged, or never stored here) the
// job is re-created from spec. A non-nil spec must hash to id.
func (s *Store) Retry(ctx context.Context, id string, spec *models.JobSpec) error {
	payload := ""
	if spec != nil {
		got, err := s.hasher.IdentifySpec(*spec)
		if err != nil {
			return fmt.Errorf("failed to identify job: %w", err)
		}
		if got != id {
			return fmt.Errorf("%w: %s != %s", ErrSpecMismatch, got, id)
		}
		if payload, err = encodeSpec(*spec); err != nil {
			return err
		}
	}

	res, err := retryScript.Run(ctx, s.rdb,
		[]string{s.jobKey(id), s.readyKey(), s.dlqFailedKey(), s.retryScheduledKey()},
		id, payload, s.attempts, s.nowMs(),
	).Slice()
	if err != nil {
		return fmt.Errorf("failed to retry job %s: %w", id, err)
	}

	switch outcome, state := scriptPair(res); outcome {
	case 1:
		return nil
	case -1:
		return ErrJobNotFound
	default:
		return fmt.Errorf("%w: job %s is %s, only failed jobs can be retried", ErrInvalidState, id, state)
	}
}

// PurgeJob removes a failed job record for good.
func (s *Store) PurgeJob(ctx context.Context, id string) error {
	n, err := purgeScript.Run(ctx, s.rdb,
		[]string{s.jobKey(id), s.dlqFailedKey()}, id,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to purge job %s: %w", id, err)
	}
	switch n {
	case 1:
		return nil
	case -1:
		return ErrJobNotFound
	default:
		return fmt.Errorf("%w: only failed jobs can be purged", ErrInvalidState)
	}
}

// scriptPair reads the {int, string} replies used by several scripts.
func scriptPair(res []interface{}) (int64, string) {
	var n int64
	var s string
	if len(res) > 0 {
		n, _ = res[0].(int64)
	}
	if len(res) > 1 {
		s, _ = res[1].(string)
	}
	return n, s
}

func isNil(err error) bool { return errors.Is(err, redis.Nil) }
