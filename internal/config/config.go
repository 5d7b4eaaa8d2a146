package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/ak3tsm7/sweep-render-queue/internal/backoff"
	"github.com/ak3tsm7/sweep-render-queue/internal/identity"
	"github.com/ak3tsm7/sweep-render-queue/internal/provider"
	redisq "github.com/ak3tsm7/sweep-render-queue/internal/redis"
)

// Config holds the settings shared by every sweep-render process.
type Config struct {
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	Render    RenderConfig    `yaml:"render"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix for every key. Behind Redis Cluster it needs a hash tag, e.g. "{render}:".
	Prefix string `yaml:"prefix"`
}

type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// RenderConfig selects the render provider binding and its parameters.
type RenderConfig struct {
	Provider      string  `yaml:"provider"` // bria, fal
	ModelVersion  string  `yaml:"model_version"`
	BriaURL       string  `yaml:"bria_url"`
	BriaToken     string  `yaml:"bria_token"`
	FalURL        string  `yaml:"fal_url"`
	FalKey        string  `yaml:"fal_key"`
	Steps         int     `yaml:"steps"`
	GuidanceScale float64 `yaml:"guidance_scale"`
	AspectRatio   string  `yaml:"aspect_ratio"`
	PollInterval  string  `yaml:"poll_interval"`
	MaxPolls      int     `yaml:"max_polls"`
	// RateLimitPerMinute caps provider submissions per worker process. 0 disables.
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	RequestTimeout     string `yaml:"request_timeout"`
}

type QueueConfig struct {
	Attempts           int    `yaml:"attempts"`
	Backoff            string `yaml:"backoff"` // exponential, linear
	BackoffBase        string `yaml:"backoff_base"`
	BackoffMax         string `yaml:"backoff_max"`
	CompletedRetention string `yaml:"completed_retention"`
	HashLength         int    `yaml:"hash_length"`
	// MaxStalls is how often a job may be recovered from a dead worker
	// before it is failed.
	MaxStalls int `yaml:"max_stalls"`
}

type WorkerConfig struct {
	Concurrency       int    `yaml:"concurrency"`
	PollInterval      string `yaml:"poll_interval"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	StaleThreshold    string `yaml:"stale_threshold"`
	// JobTimeout bounds one render attempt. Empty derives it from the
	// render request timeout and polling budget.
	JobTimeout string `yaml:"job_timeout"`
}

type SchedulerConfig struct {
	// Schedule is a robfig/cron spec for the reconcile pass.
	Schedule     string `yaml:"schedule"`
	PromoteBatch int64  `yaml:"promote_batch"`
}

type APIConfig struct {
	Addr            string `yaml:"addr"`
	PlanLimit       int    `yaml:"plan_limit"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "render:",
		},
		Storage: StorageConfig{
			Dir: "./storage",
		},
		Render: RenderConfig{
			Provider:           provider.KindBria,
			ModelVersion:       "FIBO",
			BriaURL:            provider.DefaultBriaURL,
			FalURL:             provider.DefaultFalURL,
			Steps:              50,
			GuidanceScale:      5,
			AspectRatio:        "1:1",
			PollInterval:       "2s",
			MaxPolls:           60,
			RateLimitPerMinute: 60,
			RequestTimeout:     "30s",
		},
		Queue: QueueConfig{
			Attempts:           3,
			Backoff:            "exponential",
			BackoffBase:        "2s",
			BackoffMax:         "1m",
			CompletedRetention: "1h",
			HashLength:         identity.MaxLength,
			MaxStalls:          redisq.DefaultMaxStalls,
		},
		Worker: WorkerConfig{
			Concurrency:       4,
			PollInterval:      "1s",
			HeartbeatInterval: "3s",
			StaleThreshold:    "15s",
		},
		Scheduler: SchedulerConfig{
			Schedule:     "@every 5s",
			PromoteBatch: 100,
		},
		API: APIConfig{
			Addr:            ":8080",
			PlanLimit:       10000,
			ShutdownTimeout: "10s",
		},
		Metrics: MetricsConfig{
			Addr: ":2113",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path, falling back to defaults when it does not exist, and then
// applies environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
		return nil
	}

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("STORAGE_DIR", &c.Storage.Dir)
	str("MODEL_VERSION", &c.Render.ModelVersion)
	str("FIBO_API_PROVIDER", &c.Render.Provider)
	// BRIA_API_TOKEN wins over the older FIBO_API_KEY name.
	str("FIBO_API_KEY", &c.Render.BriaToken)
	str("BRIA_API_TOKEN", &c.Render.BriaToken)
	str("FAL_KEY", &c.Render.FalKey)
	str("FIBO_ASPECT_RATIO", &c.Render.AspectRatio)
	str("API_ADDR", &c.API.Addr)
	str("METRICS_ADDR", &c.Metrics.Addr)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("SCHEDULE", &c.Scheduler.Schedule)

	for key, dst := range map[string]*int{
		"FIBO_STEPS":            &c.Render.Steps,
		"RATE_LIMIT_PER_MINUTE": &c.Render.RateLimitPerMinute,
		"WORKER_CONCURRENCY":    &c.Worker.Concurrency,
		"MAX_ATTEMPTS":          &c.Queue.Attempts,
		"JOB_ID_LENGTH":         &c.Queue.HashLength,
		"MAX_STALLS":            &c.Queue.MaxStalls,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}

	if v := os.Getenv("FIBO_GUIDANCE_SCALE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid FIBO_GUIDANCE_SCALE %q: %w", v, err)
		}
		c.Render.GuidanceScale = f
	}
	return nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr not configured (set REDIS_ADDR)")
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("storage dir not configured (set STORAGE_DIR)")
	}

	switch strings.ToLower(c.Render.Provider) {
	case provider.KindBria, provider.KindFal:
	default:
		return fmt.Errorf("invalid render provider: %s (valid: bria, fal)", c.Render.Provider)
	}

	if c.Queue.Attempts < 1 {
		return fmt.Errorf("queue attempts must be >= 1")
	}
	if c.Queue.HashLength < identity.MinLength || c.Queue.HashLength > identity.MaxLength {
		return fmt.Errorf("hash_length must be between %d and %d", identity.MinLength, identity.MaxLength)
	}
	if c.Queue.MaxStalls < 0 {
		return fmt.Errorf("queue max_stalls must be >= 0")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker concurrency must be >= 1")
	}
	if c.Render.MaxPolls < 1 {
		return fmt.Errorf("render max_polls must be >= 1")
	}
	if c.Render.RateLimitPerMinute < 0 {
		return fmt.Errorf("rate_limit_per_minute must be >= 0")
	}

	for name, v := range map[string]string{
		"render.poll_interval":      c.Render.PollInterval,
		"render.request_timeout":    c.Render.RequestTimeout,
		"queue.backoff_base":        c.Queue.BackoffBase,
		"queue.backoff_max":         c.Queue.BackoffMax,
		"queue.completed_retention": c.Queue.CompletedRetention,
		"worker.poll_interval":      c.Worker.PollInterval,
		"worker.heartbeat_interval": c.Worker.HeartbeatInterval,
		"worker.stale_threshold":    c.Worker.StaleThreshold,
		"api.shutdown_timeout":      c.API.ShutdownTimeout,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if d(c.Worker.StaleThreshold) <= d(c.Worker.HeartbeatInterval) {
		return fmt.Errorf("worker.stale_threshold must exceed worker.heartbeat_interval")
	}

	if c.Worker.JobTimeout != "" {
		jt, err := time.ParseDuration(c.Worker.JobTimeout)
		if err != nil {
			return fmt.Errorf("invalid worker.job_timeout %q: %w", c.Worker.JobTimeout, err)
		}
		// A shorter deadline would cut polling short and hide the poll timeout.
		if polling := c.pollBudget(); jt <= polling {
			return fmt.Errorf("worker.job_timeout %v must exceed the provider polling budget %v", jt, polling)
		}
	}
	return nil
}

// d parses a duration already checked by Validate.
func d(s string) time.Duration {
	v, _ := time.ParseDuration(s)
	return v
}

// ProviderConfig maps the render settings onto a provider binding config.
func (c *Config) ProviderConfig() provider.Config {
	return provider.Config{
		Kind:          strings.ToLower(c.Render.Provider),
		BriaURL:       c.Render.BriaURL,
		BriaToken:     c.Render.BriaToken,
		FalURL:        c.Render.FalURL,
		FalKey:        c.Render.FalKey,
		Steps:         c.Render.Steps,
		GuidanceScale: c.Render.GuidanceScale,
		AspectRatio:   c.Render.AspectRatio,
	}
}

// RedisOptions returns the go-redis client options.
func (c *Config) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}

// StoreOptions returns the job store options for the queue settings.
func (c *Config) StoreOptions() []redisq.Option {
	return []redisq.Option{
		redisq.WithPrefix(c.Redis.Prefix),
		redisq.WithHasher(identity.NewHasher(c.Queue.HashLength)),
		redisq.WithBackoff(backoff.FromName(c.Queue.Backoff, c.BackoffBase(), c.BackoffMax())),
		redisq.WithAttempts(c.Queue.Attempts),
		redisq.WithCompletedRetention(c.CompletedRetention()),
		redisq.WithMaxStalls(c.Queue.MaxStalls),
	}
}

// jobTimeoutSlack covers rate limiter waits and writing the artifact.
const jobTimeoutSlack = 30 * time.Second

func (c *Config) pollBudget() time.Duration {
	return d(c.Render.PollInterval) * time.Duration(c.Render.MaxPolls)
}

// JobTimeout returns worker.job_timeout, or when unset the time a render can
// legitimately take: submit and download requests, the full polling budget
// and some slack.
func (c *Config) JobTimeout() time.Duration {
	if c.Worker.JobTimeout != "" {
		return d(c.Worker.JobTimeout)
	}
	return 2*d(c.Render.RequestTimeout) + c.pollBudget() + jobTimeoutSlack
}

func (c *Config) RenderPollInterval() time.Duration   { return d(c.Render.PollInterval) }
func (c *Config) RenderRequestTimeout() time.Duration { return d(c.Render.RequestTimeout) }
func (c *Config) BackoffBase() time.Duration          { return d(c.Queue.BackoffBase) }
func (c *Config) BackoffMax() time.Duration           { return d(c.Queue.BackoffMax) }
func (c *Config) CompletedRetention() time.Duration   { return d(c.Queue.CompletedRetention) }
func (c *Config) WorkerPollInterval() time.Duration   { return d(c.Worker.PollInterval) }
func (c *Config) HeartbeatInterval() time.Duration    { return d(c.Worker.HeartbeatInterval) }
func (c *Config) StaleThreshold() time.Duration       { return d(c.Worker.StaleThreshold) }
func (c *Config) ShutdownTimeout() time.Duration      { return d(c.API.ShutdownTimeout) }
