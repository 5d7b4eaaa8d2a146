package redisq

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Heartbeat marks workerID alive for ttl. A worker whose heartbeat key
// expires is considered crashed and its active jobs become recoverable.
func (s *Store) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, s.heartbeatKey(workerID), s.nowMs(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to heartbeat worker %s: %w", workerID, err)
	}
	return nil
}

// Deregister removes a cleanly stopped worker's heartbeat. Jobs it still
// holds, if any, are picked up by the next recovery pass.
func (s *Store) Deregister(ctx context.Context, workerID string) error {
	if err := s.rdb.Del(ctx, s.heartbeatKey(workerID)).Err(); err != nil {
		return fmt.Errorf("failed to deregister worker %s: %w", workerID, err)
	}
	return nil
}

// Recovery summarises one RecoverStuckJobs pass.
type Recovery struct {
	StaleWorkers []string
	JobsRequeued int
	// JobsFailed counts jobs that exceeded the stall limit and were failed.
	JobsFailed int
}

// RecoverStuckJobs requeues active jobs held by workers whose heartbeat has
// expired. Requeued jobs keep their attempt count; a job recovered more than
// maxStalls times is failed instead.
func (s *Store) RecoverStuckJobs(ctx context.Context) (Recovery, error) {
	var rec Recovery
	runningPrefix := s.prefix + "running:"

	iter := s.rdb.Scan(ctx, 0, runningPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		workerID := strings.TrimPrefix(iter.Val(), runningPrefix)

		res, err := recoverScript.Run(ctx, s.rdb,
			[]string{s.runningKey(workerID), s.readyKey(), s.heartbeatKey(workerID), s.dlqFailedKey()},
			workerID, s.nowMs(), s.jobPrefix(), s.maxStalls,
			fmt.Sprintf("job stalled more than %d times", s.maxStalls),
		).Int64Slice()
		if err != nil {
			return rec, fmt.Errorf("failed to recover worker %s: %w", workerID, err)
		}
		if len(res) != 2 || res[0] < 0 {
			continue
		}

		rec.StaleWorkers = append(rec.StaleWorkers, workerID)
		rec.JobsRequeued += int(res[0])
		rec.JobsFailed += int(res[1])

		// Cleanup stale worker data
		pipe := s.rdb.Pipeline()
		pipe.Del(ctx, s.metricsKey(workerID))
		pipe.ZRem(ctx, s.workersLatencyKey(), workerID)
		if _, err := pipe.Exec(ctx); err != nil {
			return rec, fmt.Errorf("failed to clean up worker %s: %w", workerID, err)
		}
	}
	if err := iter.Err(); err != nil {
		return rec, fmt.Errorf("failed to scan running workers: %w", err)
	}
	return rec, nil
}
