package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "./storage", cfg.Storage.Dir)
	assert.Equal(t, "bria", cfg.Render.Provider)
	assert.Equal(t, "FIBO", cfg.Render.ModelVersion)
	assert.Equal(t, 50, cfg.Render.Steps)
	assert.Equal(t, 5.0, cfg.Render.GuidanceScale)
	assert.Equal(t, "1:1", cfg.Render.AspectRatio)
	assert.Equal(t, 3, cfg.Queue.Attempts)
	assert.Equal(t, 2*time.Second, cfg.BackoffBase())
	assert.Equal(t, time.Minute, cfg.BackoffMax())
	assert.Equal(t, 2*time.Second, cfg.RenderPollInterval())
	assert.Equal(t, 60, cfg.Render.MaxPolls)
	assert.Equal(t, 3*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 15*time.Second, cfg.StaleThreshold())
	assert.Equal(t, time.Hour, cfg.CompletedRetention())
	assert.Equal(t, 64, cfg.Queue.HashLength)
	assert.Equal(t, 1, cfg.Queue.MaxStalls)
}

func TestJobTimeoutCoversRenderBudget(t *testing.T) {
	cfg := DefaultConfig()
	// 2 x 30s requests + 60 x 2s polling + 30s slack.
	assert.Equal(t, 210*time.Second, cfg.JobTimeout())
	assert.Greater(t, cfg.JobTimeout(), cfg.RenderPollInterval()*time.Duration(cfg.Render.MaxPolls)+2*cfg.RenderRequestTimeout())

	cfg.Render.MaxPolls = 120
	assert.Equal(t, 330*time.Second, cfg.JobTimeout())

	cfg.Worker.JobTimeout = "10m"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Minute, cfg.JobTimeout())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  addr: redis:6379
render:
  provider: fal
  fal_key: from-file
queue:
  attempts: 5
  backoff: linear
worker:
  concurrency: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "fal", cfg.Render.Provider)
	assert.Equal(t, "from-file", cfg.Render.FalKey)
	assert.Equal(t, 5, cfg.Queue.Attempts)
	assert.Equal(t, "linear", cfg.Queue.Backoff)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	// Untouched sections keep their defaults.
	assert.Equal(t, "2s", cfg.Queue.BackoffBase)

	pc := cfg.ProviderConfig()
	assert.Equal(t, "fal", pc.Kind)
	assert.Equal(t, "from-file", pc.FalKey)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis: [unterminated"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("STORAGE_DIR", "/var/renders")
	t.Setenv("FIBO_API_PROVIDER", "fal")
	t.Setenv("FIBO_API_KEY", "old-name")
	t.Setenv("BRIA_API_TOKEN", "new-name")
	t.Setenv("FAL_KEY", "fal-secret")
	t.Setenv("FIBO_STEPS", "30")
	t.Setenv("FIBO_GUIDANCE_SCALE", "7.5")
	t.Setenv("FIBO_ASPECT_RATIO", "16:9")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "120")
	t.Setenv("WORKER_CONCURRENCY", "2")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
	assert.Equal(t, "/var/renders", cfg.Storage.Dir)
	assert.Equal(t, "fal", cfg.Render.Provider)
	assert.Equal(t, "new-name", cfg.Render.BriaToken)
	assert.Equal(t, "fal-secret", cfg.Render.FalKey)
	assert.Equal(t, 30, cfg.Render.Steps)
	assert.Equal(t, 7.5, cfg.Render.GuidanceScale)
	assert.Equal(t, "16:9", cfg.Render.AspectRatio)
	assert.Equal(t, 120, cfg.Render.RateLimitPerMinute)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLegacyTokenName(t *testing.T) {
	t.Setenv("FIBO_API_KEY", "legacy")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "legacy", cfg.Render.BriaToken)
}

func TestEnvOverrideInvalidNumber(t *testing.T) {
	t.Setenv("FIBO_STEPS", "many")
	_, err := Load("")
	assert.ErrorContains(t, err, "FIBO_STEPS")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"provider":    func(c *Config) { c.Render.Provider = "midjourney" },
		"attempts":    func(c *Config) { c.Queue.Attempts = 0 },
		"hash length": func(c *Config) { c.Queue.HashLength = 16 },
		"duration":    func(c *Config) { c.Queue.BackoffBase = "soon" },
		"stale":       func(c *Config) { c.Worker.StaleThreshold = "1s" },
		"concurrency": func(c *Config) { c.Worker.Concurrency = 0 },
		"redis":       func(c *Config) { c.Redis.Addr = "" },
		"max stalls":  func(c *Config) { c.Queue.MaxStalls = -1 },
		"job timeout": func(c *Config) { c.Worker.JobTimeout = "100s" },
		"bad timeout": func(c *Config) { c.Worker.JobTimeout = "later" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStoreOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Redis.Addr = "cache:6380"
	cfg.Redis.DB = 2
	opts := cfg.RedisOptions()
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Len(t, cfg.StoreOptions(), 6)
}
