package redisq

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/sweep-render-queue/internal/models"
)

// FetchAndClaimJob pops the next eligible job and makes worker its sole
// owner. It returns (nil, nil) when nothing is ready.
func (s *Store) FetchAndClaimJob(ctx context.Context, worker models.Worker) (*models.Job, error) {
	id, err := claimScript.Run(ctx, s.rdb,
		[]string{s.readyKey(), s.runningKey(worker.ID)},
		worker.ID, s.nowMs(), s.jobPrefix(),
	).Text()
	if isNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	raw, err := s.rdb.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job data: %w", err)
	}

	job, err := mapToJob(raw)
	if err != nil {
		// Corrupted payload. Fail it terminally so workers don't loop on it.
		_ = s.MoveToDLQInvalidPayload(ctx, worker.ID, id, err)
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	return job, nil
}

// Get returns the job record, or ErrJobNotFound.
func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	raw, err := s.rdb.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	if len(raw) == 0 {
		return nil, ErrJobNotFound
	}
	return mapToJob(raw)
}

// GetMany reads several jobs in one round-trip. Absent ids map to nil.
func (s *Store) GetMany(ctx context.Context, ids []string) ([]*models.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to get jobs: %w", err)
	}

	jobs := make([]*models.Job, len(ids))
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get job %s: %w", ids[i], err)
		}
		if len(raw) == 0 {
			continue
		}
		if jobs[i], err = mapToJob(raw); err != nil {
			return nil, fmt.Errorf("job %s: %w", ids[i], err)
		}
	}
	return jobs, nil
}

// SetProgress records render progress (0-100) for a job held by workerID.
func (s *Store) SetProgress(ctx context.Context, workerID, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	n, err := progressScript.Run(ctx, s.rdb, []string{s.jobKey(id)}, workerID, progress).Int()
	if err != nil {
		return fmt.Errorf("failed to set progress of job %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// MoveToDLQInvalidPayload fails a claimed job whose stored record cannot be
// decoded. The attempt budget is not consumed.
func (s *Store) MoveToDLQInvalidPayload(ctx context.Context, workerID, id string, parseErr error) error {
	reason := "invalid job payload"
	if parseErr != nil {
		reason = fmt.Sprintf("invalid job payload: %v", parseErr)
	}

	n, err := invalidScript.Run(ctx, s.rdb,
		[]string{s.jobKey(id), s.runningKey(workerID), s.dlqFailedKey()},
		workerID, id, reason, s.nowMs(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to move invalid payload job to DLQ: %w", err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}
