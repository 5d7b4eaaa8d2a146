package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ak3tsm7/sweep-render-queue/internal/models"
)

type fakeJobs map[string]*models.Job

func (f fakeJobs) GetMany(_ context.Context, ids []string) ([]*models.Job, error) {
	out := make([]*models.Job, len(ids))
	for i, id := range ids {
		out[i] = f[id]
	}
	return out, nil
}

type fakeArtifacts map[string]bool

func (f fakeArtifacts) Has(id string) (bool, error) { return f[id], nil }

type failingJobs struct{}

func (failingJobs) GetMany(context.Context, []string) ([]*models.Job, error) {
	return nil, errors.New("connection refused")
}

func TestStatusProjection(t *testing.T) {
	retryAt := time.UnixMilli(1_700_000_002_000).UTC()
	jobs := fakeJobs{
		"q": {ID: "q", State: models.StateQueued, AttemptsMade: 1, AttemptsAllowed: 3, ErrorReason: "timeout", AvailableAt: retryAt},
		"a": {ID: "a", State: models.StateActive, Progress: 42, AttemptsAllowed: 3},
		"c": {ID: "c", State: models.StateCompleted, Progress: 100, AttemptsMade: 1, AttemptsAllowed: 3,
			Result: &models.Result{ArtifactRef: "/api/images/c.png"}},
		"f": {ID: "f", State: models.StateFailed, AttemptsMade: 3, AttemptsAllowed: 3, ErrorReason: "provider: generation failed"},
	}
	agg := New(jobs, fakeArtifacts{"gone": true})

	recs, err := agg.Status(context.Background(), []string{"q", "a", "c", "f", "gone", "missing"})
	require.NoError(t, err)
	require.Len(t, recs, 6)

	q := recs[0]
	assert.Equal(t, models.StateQueued, q.State)
	assert.Nil(t, q.Progress)
	require.NotNil(t, q.AvailableAt)
	assert.True(t, retryAt.Equal(*q.AvailableAt))
	assert.Equal(t, "timeout", q.ErrorReason)

	a := recs[1]
	assert.Equal(t, models.StateActive, a.State)
	require.NotNil(t, a.Progress)
	assert.Equal(t, 42, *a.Progress)

	c := recs[2]
	assert.Equal(t, models.StateCompleted, c.State)
	require.NotNil(t, c.Result)
	assert.False(t, c.Result.Cached)

	f := recs[3]
	assert.Equal(t, models.StateFailed, f.State)
	assert.Equal(t, 3, f.AttemptsMade)
	assert.Equal(t, "provider: generation failed", f.ErrorReason)

	gone := recs[4]
	assert.Equal(t, models.StateCompleted, gone.State)
	require.NotNil(t, gone.Result)
	assert.True(t, gone.Result.Cached)
	assert.Equal(t, "/api/images/gone.png", gone.Result.ArtifactRef)

	assert.Equal(t, models.StatusRecord{ID: "missing", State: models.StateUnknown}, recs[5])

	assert.False(t, AllTerminal(recs))
	assert.True(t, AllTerminal(recs[2:5]))
}

func TestStatusWithoutArtifacts(t *testing.T) {
	recs, err := New(fakeJobs{}, nil).Status(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, models.StateUnknown, recs[0].State)
}

func TestStatusStoreError(t *testing.T) {
	_, err := New(failingJobs{}, nil).Status(context.Background(), []string{"x"})
	assert.Error(t, err)
}

func TestAllTerminalEmpty(t *testing.T) {
	assert.True(t, AllTerminal(nil))
}
