// Package redisq is the Job Store: a Redis-backed render queue keyed by
// content-addressed job identifier.
//
// Redis keys used (all under the configured prefix, default "render:"):
//
//   - job:<id> (hash)              spec, state, attempt counters, result, error
//   - queue:ready (zset)           score=eligible_at_ms, member=job_id
//   - retry:scheduled (zset)       score=available_at_ms, member=job_id (backoff)
//   - dlq:failed (zset)            score=failed_at_ms, member=job_id (terminal failures)
//   - running:<worker> (hash)      job_id -> claimed_at_ms
//   - heartbeat:<worker> (string)  expires when the worker stops heartbeating
//   - metrics:<worker> (hash)      latency EMA, jobs done
//   - workers:latency (zset)       score=avg_latency_ms, member=worker_id
//
// Every state transition is a Lua script, so check-and-set is atomic across
// any number of worker processes.
//
// Some scripts derive job keys from the prefix passed in ARGV, so every key
// must live in one slot. A single Redis node needs nothing more. On Redis
// Cluster the prefix must carry a hash tag, e.g. "{render}:".
package redisq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/sweep-render-queue/internal/backoff"
	"github.com/ak3tsm7/sweep-render-queue/internal/identity"
	"github.com/ak3tsm7/sweep-render-queue/internal/models"
)

var (
	ErrJobNotFound  = errors.New("redisq: job not found")
	ErrNotOwner     = errors.New("redisq: job is not held by this worker")
	ErrInvalidState = errors.New("redisq: invalid state transition")
	ErrSpecMismatch = errors.New("redisq: spec does not hash to job id")
)

const (
	DefaultPrefix    = "render:"
	DefaultMaxStalls = 1
)

type Store struct {
	rdb       redis.UniversalClient
	prefix    string
	hasher    identity.Hasher
	backoff   backoff.Strategy
	attempts  int
	retention time.Duration
	maxStalls int
	now       func() time.Time
}

type Option func(*Store)

func WithPrefix(p string) Option { return func(s *Store) { s.prefix = p } }

func WithHasher(h identity.Hasher) Option { return func(s *Store) { s.hasher = h } }

func WithBackoff(b backoff.Strategy) Option { return func(s *Store) { s.backoff = b } }

// WithAttempts sets attemptsAllowed for newly submitted jobs.
func WithAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithCompletedRetention keeps completed job records queryable for d.
// Zero deletes them as soon as they complete.
func WithCompletedRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithMaxStalls sets how many times a job may be recovered from a dead
// worker before it is failed. Zero fails it on the first stall.
func WithMaxStalls(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.maxStalls = n
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		rdb:       rdb,
		prefix:    DefaultPrefix,
		hasher:    identity.Default,
		backoff:   backoff.Default(),
		attempts:  models.DefaultAttemptsAllowed,
		retention: time.Hour,
		maxStalls: DefaultMaxStalls,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisq: ping: %w", err)
	}
	return nil
}

// Hasher exposes the identifier function the store enqueues with.
func (s *Store) Hasher() identity.Hasher { return s.hasher }

func (s *Store) jobKey(id string) string          { return s.prefix + "job:" + id }
func (s *Store) jobPrefix() string                { return s.prefix + "job:" }
func (s *Store) readyKey() string                 { return s.prefix + "queue:ready" }
func (s *Store) retryScheduledKey() string        { return s.prefix + "retry:scheduled" }
func (s *Store) dlqFailedKey() string             { return s.prefix + "dlq:failed" }
func (s *Store) runningKey(workerID string) string { return s.prefix + "running:" + workerID }
func (s *Store) heartbeatKey(workerID string) string {
	return s.prefix + "heartbeat:" + workerID
}
func (s *Store) metricsKey(workerID string) string { return s.prefix + "metrics:" + workerID }
func (s *Store) workersLatencyKey() string         { return s.prefix + "workers:latency" }

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }
