// Package worker runs the render reconciliation loop: claim a job, short-circuit
// on a cached artifact, otherwise render through the provider, persist the
// artifact and report the outcome back to the store.
package worker

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ak3tsm7/sweep-render-queue/internal/backoff"
	"github.com/ak3tsm7/sweep-render-queue/internal/models"
	"github.com/ak3tsm7/sweep-render-queue/internal/provider"
	redisq "github.com/ak3tsm7/sweep-render-queue/internal/redis"
)

// Store is the part of the job store the pool drives.
type Store interface {
	FetchAndClaimJob(ctx context.Context, worker models.Worker) (*models.Job, error)
	Complete(ctx context.Context, workerID string, job *models.Job, result models.Result) error
	HandleJobFailure(ctx context.Context, workerID string, job *models.Job, jobErr error) (redisq.Failure, error)
	SetProgress(ctx context.Context, workerID, id string, progress int) error
	PromoteDueRetries(ctx context.Context, limit int64) (int, error)
	Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error
	Deregister(ctx context.Context, workerID string) error
	UpdateWorkerMetrics(ctx context.Context, worker models.Worker, renderTime time.Duration) error
}

// Renderer produces artifact bytes for a request.
type Renderer interface {
	Provider() string
	Render(ctx context.Context, req provider.Request, onProgress func(int)) (io.ReadCloser, error)
}

// Cache is the artifact cache.
type Cache interface {
	Has(id string) (bool, error)
	Put(id string, r io.Reader) error
}

// Pool runs concurrency dequeue loops under one worker identity.
type Pool struct {
	store    Store
	renderer Renderer
	cache    Cache
	logger   *zap.Logger
	worker   models.Worker

	concurrency  int
	pollInterval time.Duration
	jobTimeout   time.Duration

	heartbeatInterval time.Duration
	heartbeatTTL      time.Duration

	reportBackoff backoff.Strategy

	stopCh     chan struct{}
	abortCh    chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	stopping   bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

type PoolOption func(*Pool)

func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval sets how long an idle loop sleeps before polling again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithHeartbeat sets the heartbeat cadence and how long one heartbeat keeps
// the worker alive. ttl should be several intervals.
func WithHeartbeat(interval, ttl time.Duration) PoolOption {
	return func(p *Pool) {
		p.heartbeatInterval = interval
		p.heartbeatTTL = ttl
	}
}

// WithJobTimeout bounds a single render attempt.
func WithJobTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.jobTimeout = d }
}

// WithReportBackoff sets the delay between attempts to record a job outcome
// the store could not accept.
func WithReportBackoff(b backoff.Strategy) PoolOption {
	return func(p *Pool) { p.reportBackoff = b }
}

func WithWorker(w models.Worker) PoolOption {
	return func(p *Pool) { p.worker = w }
}

func NewPool(store Store, renderer Renderer, cache Cache, logger *zap.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		store:             store,
		renderer:          renderer,
		cache:             cache,
		logger:            logger,
		worker:            models.NewWorker(renderer.Provider()),
		concurrency:       4,
		pollInterval:      time.Second,
		jobTimeout:        210 * time.Second,
		heartbeatInterval: 3 * time.Second,
		heartbeatTTL:      15 * time.Second,
		reportBackoff:     backoff.NewExponential(100*time.Millisecond, 5*time.Second),
		stopCh:            make(chan struct{}),
		abortCh:           make(chan struct{}),
		activeJobs:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "worker"), zap.String("worker_id", p.worker.ID))
	return p
}

func (p *Pool) Worker() models.Worker { return p.worker }

// Start registers the worker heartbeat and launches the loops. It returns
// immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if err := p.store.Heartbeat(ctx, p.worker.ID, p.heartbeatTTL); err != nil {
		return err
	}
	p.running = true

	p.logger.Info("worker pool starting",
		zap.String("provider", p.renderer.Provider()),
		zap.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}
	return nil
}

// Stop signals the loops to stop and waits for in-flight jobs. If ctx ends
// first, in-flight renders are cancelled and left Active for recovery.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.activeMu.Lock()
		p.stopping = true
		p.activeMu.Unlock()
		close(p.abortCh)
		p.cancelActiveJobs()
		<-done
	}

	return p.store.Deregister(context.Background(), p.worker.ID)
}

func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		ctx := context.Background()
		if _, err := p.store.PromoteDueRetries(ctx, 100); err != nil {
			p.logger.Warn("promote due retries failed", zap.Error(err))
		}

		job, err := p.store.FetchAndClaimJob(ctx, p.worker)
		if err != nil {
			p.logger.Error("error fetching job", zap.Error(err))
			p.sleep()
			continue
		}
		if job == nil {
			p.sleep()
			continue
		}

		p.process(job)
	}
}

func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.store.Heartbeat(context.Background(), p.worker.ID, p.heartbeatTTL); err != nil {
				p.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) isStopping() bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return p.stopping
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", zap.String("job_id", jobID))
		cancel()
	}
}
