package redisq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/sweep-render-queue/internal/models"
)

const emaAlpha = 0.2 // Exponential moving average smoothing factor

var ErrNoMetrics = errors.New("redisq: no metrics for worker")

// UpdateWorkerMetrics folds one render round-trip into the worker's latency
// EMA and its rank in workers:latency.
func (s *Store) UpdateWorkerMetrics(ctx context.Context, worker models.Worker, renderTime time.Duration) error {
	key := s.metricsKey(worker.ID)
	currentMs := float64(renderTime.Milliseconds())

	existingAvg, err := s.rdb.HGet(ctx, key, "avg_latency_ms").Result()
	var newAvg float64

	switch {
	case isNil(err):
		// First job → initialize with current render time
		newAvg = currentMs
	case err != nil:
		return fmt.Errorf("failed to get existing metrics: %w", err)
	default:
		oldAvg, parseErr := strconv.ParseFloat(existingAvg, 64)
		if parseErr != nil {
			newAvg = currentMs
		} else {
			newAvg = emaAlpha*currentMs + (1-emaAlpha)*oldAvg
		}
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"avg_latency_ms", strconv.FormatFloat(newAvg, 'f', 2, 64),
		"worker_kind", worker.Kind,
		"last_updated", s.nowMs(),
	)
	pipe.HIncrBy(ctx, key, "jobs_done", 1)
	// lower latency = better = lower score
	pipe.ZAdd(ctx, s.workersLatencyKey(), redis.Z{Score: newAvg, Member: worker.ID})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update metrics: %w", err)
	}
	return nil
}

func (s *Store) GetWorkerMetrics(ctx context.Context, workerID string) (*models.WorkerMetrics, error) {
	data, err := s.rdb.HGetAll(ctx, s.metricsKey(workerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w %s", ErrNoMetrics, workerID)
	}

	avgLatency, _ := strconv.ParseFloat(data["avg_latency_ms"], 64)
	jobsDone, _ := strconv.ParseInt(data["jobs_done"], 10, 64)

	return &models.WorkerMetrics{
		WorkerID:     workerID,
		WorkerKind:   data["worker_kind"],
		AvgLatencyMs: avgLatency,
		JobsDone:     jobsDone,
	}, nil
}

// GetTopWorkers lists workers by ascending latency EMA.
func (s *Store) GetTopWorkers(ctx context.Context, limit int64) ([]models.WorkerMetrics, error) {
	if limit <= 0 {
		return nil, nil
	}
	workers, err := s.rdb.ZRange(ctx, s.workersLatencyKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get top workers: %w", err)
	}

	result := make([]models.WorkerMetrics, 0, len(workers))
	for _, workerID := range workers {
		m, err := s.GetWorkerMetrics(ctx, workerID)
		if err == nil {
			result = append(result, *m)
		}
	}
	return result, nil
}

// QueueStats is a point-in-time count of jobs per queue structure.
type QueueStats struct {
	Ready     int64 `json:"ready"`
	Scheduled int64 `json:"scheduled"`
	Active    int64 `json:"active"`
	Failed    int64 `json:"failed"`
}

// Stats counts ready, backoff-scheduled, active and terminally failed jobs.
func (s *Store) Stats(ctx context.Context) (QueueStats, error) {
	pipe := s.rdb.Pipeline()
	ready := pipe.ZCard(ctx, s.readyKey())
	scheduled := pipe.ZCard(ctx, s.retryScheduledKey())
	failed := pipe.ZCard(ctx, s.dlqFailedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return QueueStats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}

	stats := QueueStats{
		Ready:     ready.Val(),
		Scheduled: scheduled.Val(),
		Failed:    failed.Val(),
	}

	runningPrefix := s.prefix + "running:"
	iter := s.rdb.Scan(ctx, 0, runningPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := s.rdb.HLen(ctx, iter.Val()).Result()
		if err != nil {
			return stats, fmt.Errorf("failed to count running jobs: %w", err)
		}
		stats.Active += n
	}
	if err := iter.Err(); err != nil {
		return stats, fmt.Errorf("failed to scan running workers: %w", err)
	}
	return stats, nil
}

// ListFailed returns up to limit terminally failed job ids, oldest first.
func (s *Store) ListFailed(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.rdb.ZRange(ctx, s.dlqFailedKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	return ids, nil
}

// WorkerCount returns how many workers have recorded latency.
func (s *Store) WorkerCount(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, s.workersLatencyKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count workers: %w", err)
	}
	return n, nil
}
