package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ak3tsm7/sweep-render-queue/internal/backoff"
	"github.com/ak3tsm7/sweep-render-queue/internal/models"
)

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &testClock{t: time.UnixMilli(1_700_000_000_000)}
	opts = append([]Option{
		WithClock(clock.Now),
		WithBackoff(backoff.NewExponential(2*time.Second, time.Minute)),
	}, opts...)
	return New(rdb, opts...), mr, clock
}

func testSpec(fov int) models.JobSpec {
	doc, _ := json.Marshal(map[string]any{"camera": map[string]any{"fov": fov}, "seed": 1337})
	return models.JobSpec{Document: doc, ModelVersion: "FIBO", Seed: 1337}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	first, err := s.EnqueueJob(ctx, testSpec(35))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, models.StateQueued, first.State)

	second, err := s.EnqueueJob(ctx, testSpec(35))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ID, second.ID)

	// Same document, different member order.
	reordered := models.JobSpec{
		Document:     json.RawMessage(`{"seed":1337,"camera":{"fov":35}}`),
		ModelVersion: "FIBO",
		Seed:         1337,
	}
	third, err := s.EnqueueJob(ctx, reordered)
	require.NoError(t, err)
	assert.False(t, third.Created)
	assert.Equal(t, first.ID, third.ID)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ready)
}

func TestClaimHasSingleOwner(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	res, err := s.EnqueueJob(ctx, testSpec(35))
	require.NoError(t, err)

	a := models.Worker{ID: "worker-a", Kind: "bria"}
	b := models.Worker{ID: "worker-b", Kind: "bria"}

	job, err := s.FetchAndClaimJob(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, res.ID, job.ID)
	assert.Equal(t, models.StateActive, job.State)
	assert.Equal(t, "worker-a", job.WorkerID)
	assert.Equal(t, 3, job.AttemptsAllowed)

	other, err := s.FetchAndClaimJob(ctx, b)
	require.NoError(t, err)
	assert.Nil(t, other)

	// Enqueue while active is a no-op.
	again, err := s.EnqueueJob(ctx, testSpec(35))
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, models.StateActive, again.State)

	assert.ErrorIs(t, s.Complete(ctx, b.ID, job, models.Result{ArtifactRef: "x.png"}), ErrNotOwner)
	_, err = s.HandleJobFailure(ctx, b.ID, job, errors.New("boom"))
	assert.ErrorIs(t, err, ErrNotOwner)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, int64(0), stats.Ready)
}

func TestCompleteKeepsRecordForRetention(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := newTestStore(t, WithCompletedRetention(time.Minute))
	w := models.Worker{ID: "w1"}

	res, err := s.EnqueueJob(ctx, testSpec(35))
	require.NoError(t, err)
	job, err := s.FetchAndClaimJob(ctx, w)
	require.NoError(t, err)

	require.NoError(t, s.Complete(ctx, w.ID, job, models.Result{ArtifactRef: res.ID + ".png"}))

	got, err := s.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, got.State)
	assert.Equal(t, 1, got.AttemptsMade)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.Result)
	assert.Equal(t, res.ID+".png", got.Result.ArtifactRef)
	assert.False(t, got.Result.Cached)

	// A completed id can be submitted again.
	again, err := s.EnqueueJob(ctx, testSpec(35))
	require.NoError(t, err)
	assert.True(t, again.Created)
	job, err = s.FetchAndClaimJob(ctx, w)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, w.ID, job, models.Result{ArtifactRef: res.ID + ".png", Cached: true}))

	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, res.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCompleteWithoutRetentionDeletes(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, WithCompletedRetention(0))
	w := models.Worker{ID: "w1"}

	res, err := s.EnqueueJob(ctx, testSpec(35))
	require.NoError(t, err)
	job, err := s.FetchAndClaimJob(ctx, w)
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, w.ID, job, models.Result{ArtifactRef: "a.png"}))

	_, err = s.Get(ctx, res.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestFailureIsBoundedByAttemptsAllowed(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestStore(t)
	w := models.Worker{ID: "w1"}

	res, err := s.EnqueueJob(ctx, testSpec(35))
	require.NoError(t, err)

	delays := []time.Duration{2 * time.Second, 4 * time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		job, err := s.FetchAndClaimJob(ctx, w)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		assert.Equal(t, attempt-1, job.AttemptsMade)

		f, err := s.HandleJobFailure(ctx, w.ID, job, errors.New("provider returned 500"))
		require.NoError(t, err)
		assert.Equal(t, attempt, f.AttemptsMade)

		if attempt == 3 {
			assert.True(t, f.Terminal)
			break
		}
		assert.False(t, f.Terminal)
		assert.True(t, clock.Now().Add(delays[attempt-1]).Equal(f.AvailableAt))

		got, err := s.Get(ctx, res.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateQueued, got.State)
		assert.Equal(t, "provider returned 500", got.ErrorReason)

		// Not eligible before the backoff elapses.
		n, err := s.PromoteDueRetries(ctx, 10)
		require.NoError(t, err)
		assert.Zero(t, n)
		none, err := s.FetchAndClaimJob(ctx, w)
		require.NoError(t, err)
		assert.Nil(t, none)

		clock.Advance(delays[attempt-1])
		n, err = s.PromoteDueRetries(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	got, err := s.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, 3, got.AttemptsMade)
	assert.Equal(t, "provider returned 500", got.ErrorReason)

	// Never auto-retried past the ceiling.
	clock.Advance(time.Hour)
	n, err := s.PromoteDueRetries(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	job, err := s.FetchAndClaimJob(ctx, w)
	require.NoError(t, err)
	assert.Nil(t, job)

	// Resubmission does not revive a failed job.
	again, err := s.EnqueueJob(ctx, testSpec(35))
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, models.StateFailed, again.State)

	failed, err := s.ListFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{res.ID}, failed)

	// Explicit retry starts over with a clean record.
	require.NoError(t, s.Retry(ctx, res.ID, nil))
	got, err = s.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateQueued, got.State)
	assert.Zero(t, got.AttemptsMade)
	assert.Empty(t, got.ErrorReason)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Ready: 1}, stats)
}

func TestRetryRules(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	spec := testSpec(45)
	id, err := s.Hasher().IdentifySpec(spec)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Retry(ctx, id, nil), ErrJobNotFound)

	other := testSpec(25)
	assert.ErrorIs(t, s.Retry(ctx, id, &other), ErrSpecMismatch)

	// Absent record is re-created from the supplied JobSpec.
	require.NoError(t, s.Retry(ctx, id, &spec))
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StateQueued, got.State)

	assert.ErrorIs(t, s.Retry(ctx, id, &spec), ErrInvalidState)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, WithAttempts(1))
	w := models.Worker{ID: "w1"}

	assert.ErrorIs(t, s.PurgeJob(ctx, "deadbeef"), ErrJobNotFound)

	res, err := s.EnqueueJob(ctx, testSpec(35))
	require.NoError(t, err)
	assert.ErrorIs(t, s.PurgeJob(ctx, res.ID), ErrInvalidState)

	job, err := s.FetchAndClaimJob(ctx, w)
	require.NoError(t, err)
	f, err := s.HandleJobFailure(ctx, w.ID, job, errors.New("timeout"))
	require.NoError(t, err)
	require.True(t, f.Terminal)

	require.NoError(t, s.PurgeJob(ctx, res.ID))
	_, err = s.Get(ctx, res.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Failed)
}

func TestRecoverStuckJobs(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := newTestStore(t)
	crashed := models.Worker{ID: "crashed"}
	alive := models.Worker{ID: "alive"}

	_, err := s.EnqueueJob(ctx, testSpec(35))
	require.NoError(t, err)
	_, err = s.EnqueueJob(ctx, testSpec(45))
	require.NoError(t, err)

	require.NoError(t, s.Heartbeat(ctx, crashed.ID, 15*time.Second))
	job, err := s.FetchAndClaimJob(ctx, crashed)
	require.NoError(t, err)
	require.NotNil(t, job)

	rec, err := s.RecoverStuckJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, rec.JobsRequeued)

	mr.FastForward(16 * time.Second)
	require.NoError(t, s.Heartbeat(ctx, alive.ID, 15*time.Second))
	held, err := s.FetchAndClaimJob(ctx, alive)
	require.NoError(t, err)
	require.NotNil(t, held)

	rec, err = s.RecoverStuckJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"crashed"}, rec.StaleWorkers)
	assert.Equal(t, 1, rec.JobsRequeued)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateQueued, got.State)
	assert.Zero(t, got.AttemptsMade)

	// The crashed worker can no longer report on it.
	assert.ErrorIs(t, s.Complete(ctx, crashed.ID, job, models.Result{}), ErrNotOwner)

	// The alive worker's job was left alone.
	again, err := s.Get(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, again.State)
}

func TestRepeatedStallsFailTheJob(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := newTestStore(t)

	res, err := s.EnqueueJob(ctx, testSpec(35))
	require.NoError(t, err)

	crash := func(workerID string) Recovery {
		t.Helper()
		require.NoError(t, s.Heartbeat(ctx, workerID, 15*time.Second))
		job, err := s.FetchAndClaimJob(ctx, models.Worker{ID: workerID})
		require.NoError(t, err)
		require.NotNil(t, job)
		require.Equal(t, res.ID, job.ID)
		mr.FastForward(16 * time.Second)
		rec, err := s.RecoverStuckJobs(ctx)
		require.NoError(t, err)
		return rec
	}

	rec := crash("w1")
	assert.Equal(t, 1, rec.JobsRequeued)
	assert.Zero(t, rec.JobsFailed)

	rec = crash("w2")
	assert.Zero(t, rec.JobsRequeued)
	assert.Equal(t, 1, rec.JobsFailed)

	got, err := s.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Contains(t, got.ErrorReason, "stalled more than 1 times")
	assert.Zero(t, got.AttemptsMade)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Zero(t, stats.Ready)

	// An explicit retry starts with a clean stall count.
	require.NoError(t, s.Retry(ctx, res.ID, nil))
	assert.Empty(t, mr.HGet(s.jobKey(res.ID), "stalled"))
	rec = crash("w3")
	assert.Equal(t, 1, rec.JobsRequeued)
}

func TestZeroMaxStallsFailsOnFirstStall(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := newTestStore(t, WithMaxStalls(0))

	res, err := s.EnqueueJob(ctx, testSpec(35))
	require.NoError(t, err)
	require.NoError(t, s.Heartbeat(ctx, "w1", 15*time.Second))
	_, err = s.FetchAndClaimJob(ctx, models.Worker{ID: "w1"})
	require.NoError(t, err)
	mr.FastForward(16 * time.Second)

	rec, err := s.RecoverStuckJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.JobsFailed)

	got, err := s.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, got.State)
}

func TestSetProgress(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	w := models.Worker{ID: "w1"}

	res, err := s.EnqueueJob(ctx, testSpec(35))
	require.NoError(t, err)
	assert.ErrorIs(t, s.SetProgress(ctx, w.ID, res.ID, 10), ErrNotOwner)

	_, err = s.FetchAndClaimJob(ctx, w)
	require.NoError(t, err)
	require.NoError(t, s.SetProgress(ctx, w.ID, res.ID, 150))

	got, err := s.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
}

func TestGetMany(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	res, err := s.EnqueueJob(ctx, testSpec(35))
	require.NoError(t, err)

	jobs, err := s.GetMany(ctx, []string{res.ID, "missing"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.NotNil(t, jobs[0])
	assert.Equal(t, res.ID, jobs[0].ID)
	assert.Nil(t, jobs[1])
}

func TestInvalidPayloadGoesToDLQ(t *testing.T) {
	ctx := context.Background()
	s, mr, _ := newTestStore(t)
	w := models.Worker{ID: "w1"}

	res, err := s.EnqueueJob(ctx, testSpec(35))
	require.NoError(t, err)
	mr.HSet(s.jobKey(res.ID), "spec", "{not json")

	job, err := s.FetchAndClaimJob(ctx, w)
	require.Error(t, err)
	assert.Nil(t, job)
	assert.Equal(t, "failed", mr.HGet(s.jobKey(res.ID), "state"))
	assert.Equal(t, "0", mr.HGet(s.jobKey(res.ID), "attempts_made"))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Zero(t, stats.Active)
}

func TestWorkerMetricsEMA(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	fast := models.Worker{ID: "fast", Kind: "fal"}
	slow := models.Worker{ID: "slow", Kind: "bria"}

	require.NoError(t, s.UpdateWorkerMetrics(ctx, fast, 100*time.Millisecond))
	require.NoError(t, s.UpdateWorkerMetrics(ctx, fast, 200*time.Millisecond))
	require.NoError(t, s.UpdateWorkerMetrics(ctx, slow, 900*time.Millisecond))

	m, err := s.GetWorkerMetrics(ctx, fast.ID)
	require.NoError(t, err)
	assert.InDelta(t, 120.0, m.AvgLatencyMs, 0.01)
	assert.Equal(t, int64(2), m.JobsDone)
	assert.Equal(t, "fal", m.WorkerKind)

	top, err := s.GetTopWorkers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "fast", top[0].WorkerID)
	assert.Equal(t, "slow", top[1].WorkerID)

	n, err := s.WorkerCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.GetWorkerMetrics(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNoMetrics)
}

func TestHashTaggedPrefixKeepsKeysInOneSlot(t *testing.T) {
	ctx := context.Background()
	const prefix = "{render}:"
	s, mr, clock := newTestStore(t, WithPrefix(prefix))
	w := models.Worker{ID: "w1"}

	a, err := s.EnqueueJob(ctx, testSpec(25))
	require.NoError(t, err)
	require.NoError(t, s.Heartbeat(ctx, w.ID, 15*time.Second))

	job, err := s.FetchAndClaimJob(ctx, w)
	require.NoError(t, err)
	require.Equal(t, a.ID, job.ID)
	_, err = s.HandleJobFailure(ctx, w.ID, job, errors.New("provider timeout"))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	n, err := s.PromoteDueRetries(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err = s.FetchAndClaimJob(ctx, w)
	require.NoError(t, err)
	require.Equal(t, a.ID, job.ID)
	require.NoError(t, s.Complete(ctx, w.ID, job, models.Result{ArtifactRef: a.ID + ".png"}))
	require.NoError(t, s.UpdateWorkerMetrics(ctx, w, 2*time.Second))

	b, err := s.EnqueueJob(ctx, testSpec(35))
	require.NoError(t, err)
	require.NoError(t, s.Heartbeat(ctx, "w2", 15*time.Second))
	job, err = s.FetchAndClaimJob(ctx, models.Worker{ID: "w2"})
	require.NoError(t, err)
	require.Equal(t, b.ID, job.ID)
	mr.FastForward(16 * time.Second)
	rec, err := s.RecoverStuckJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.JobsRequeued)

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	for _, k := range keys {
		assert.True(t, strings.HasPrefix(k, prefix), k)
	}
}
