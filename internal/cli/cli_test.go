package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ak3tsm7/sweep-render-queue/internal/api"
	"github.com/ak3tsm7/sweep-render-queue/internal/artifact"
	"github.com/ak3tsm7/sweep-render-queue/internal/models"
	"github.com/ak3tsm7/sweep-render-queue/internal/orchestrator"
	redisq "github.com/ak3tsm7/sweep-render-queue/internal/redis"
	"github.com/ak3tsm7/sweep-render-queue/internal/status"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "sweepctl", cmd.Use)

	for _, name := range []string{"plan", "submit", "status", "watch", "retry", "purge", "queue"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestParseAxis(t *testing.T) {
	in, err := ParseAxis("x:camera.fov=20-40:3")
	require.NoError(t, err)
	assert.Equal(t, "x", in.ID)
	assert.Equal(t, "camera.fov", in.Path)
	assert.JSONEq(t, `"20-40:3"`, string(in.Values))

	in, err = ParseAxis("lighting.intensity=0.5,1")
	require.NoError(t, err)
	assert.Empty(t, in.ID)
	assert.Equal(t, "lighting.intensity", in.Path)

	for _, bad := range []string{"camera.fov", "camera.fov=", ""} {
		_, err := ParseAxis(bad)
		assert.Error(t, err, bad)
	}
}

func TestReadPlanDocuments(t *testing.T) {
	docs, err := ReadPlanDocuments([]byte(`[{"a":1},{"a":2}]`))
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = ReadPlanDocuments([]byte(`{"plan":[{"document":{"a":1},"deltas":{"a":1}}],"count":1}`))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.JSONEq(t, `{"a":1}`, string(docs[0]))

	_, err = ReadPlanDocuments([]byte(`nope`))
	assert.Error(t, err)
}

func newAPI(t *testing.T) (string, *redisq.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cache, err := artifact.New(t.TempDir())
	require.NoError(t, err)
	store := redisq.New(rdb)
	svc := orchestrator.New(store, status.New(store, cache))
	srv := httptest.NewServer(api.New(svc, cache, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv.URL, store
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPlanSubmitStatus(t *testing.T) {
	url, store := newAPI(t)
	dir := t.TempDir()

	base := filepath.Join(dir, "base.json")
	require.NoError(t, os.WriteFile(base, []byte(`{"seed":1337,"camera":{"fov":35}}`), 0o644))
	planFile := filepath.Join(dir, "plan.json")

	out, err := execute(t, "--api", url, "plan", base, "--axis", "x:camera.fov=25,35,45", "-o", planFile)
	require.NoError(t, err)
	assert.Contains(t, out, "3 variants")
	assert.Contains(t, out, `{"camera.fov":25}`)

	out, err = execute(t, "--api", url, "--format", "json", "submit", planFile)
	require.NoError(t, err)
	var sub api.SubmitPlanResponse
	require.NoError(t, json.Unmarshal([]byte(out), &sub))
	require.Len(t, sub.Enqueued, 3)

	// Resubmitting is idempotent.
	out, err = execute(t, "--api", url, "submit", planFile)
	require.NoError(t, err)
	assert.Contains(t, out, "3 jobs, 0 new")

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Ready)

	out, err = execute(t, "--api", url, "status", sub.Enqueued[0].ID, "missing")
	require.NoError(t, err)
	assert.Contains(t, out, sub.Enqueued[0].ID)
	assert.Contains(t, out, string(models.StateQueued))
	assert.Contains(t, out, string(models.StateUnknown))

	_, err = execute(t, "--api", url, "retry", sub.Enqueued[0].ID)
	assert.ErrorContains(t, err, "only failed jobs can be retried")
}

func TestPlanRejectsNonNumericAxis(t *testing.T) {
	url, _ := newAPI(t)
	_, err := execute(t, "--api", url, "plan", "-", "--axis", "style=warm,cold")
	// stdin is empty, so the base is rejected before the axis is looked at
	assert.Error(t, err)

	base := filepath.Join(t.TempDir(), "base.json")
	require.NoError(t, os.WriteFile(base, []byte(`{}`), 0o644))
	_, err = execute(t, "--api", url, "plan", base, "--axis", "style=warm,cold")
	assert.ErrorContains(t, err, "numeric")
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "yaml", "status", "x")
	assert.Error(t, err)
}

func TestWatchOutput(t *testing.T) {
	recs := []models.StatusRecord{
		{ID: "a", State: models.StateCompleted, Result: &models.Result{ArtifactRef: "/api/images/a.png", Cached: true}},
		{ID: "b", State: models.StateFailed, ErrorReason: "provider: generation failed", AttemptsMade: 3, AttemptsAllowed: 3},
	}
	var buf bytes.Buffer
	writeStatusTable(&buf, recs)
	text := buf.String()
	assert.Contains(t, text, "/api/images/a.png (cached)")
	assert.Contains(t, text, "3/3")
	assert.True(t, strings.HasPrefix(text, "ID"))
	assert.Equal(t, "queued=0 active=0 completed=1 failed=1 unknown=0", summarize(recs))
}
