package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ak3tsm7/sweep-render-queue/internal/metrics"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxPolls     = 60
)

// Renderer drives one render end to end: submit, poll while Pending, then
// open the artifact for download. It is safe for concurrent use.
type Renderer struct {
	provider     Provider
	client       *http.Client
	limiter      *rate.Limiter
	pollInterval time.Duration
	maxPolls     int
	logger       *zap.Logger
}

type RendererOption func(*Renderer)

// WithPolling sets the status poll cadence and budget.
func WithPolling(interval time.Duration, maxPolls int) RendererOption {
	return func(r *Renderer) {
		if interval > 0 {
			r.pollInterval = interval
		}
		if maxPolls > 0 {
			r.maxPolls = maxPolls
		}
	}
}

// WithRateLimit caps submissions to perMinute across every goroutine
// sharing the Renderer. Zero disables the limit.
func WithRateLimit(perMinute int) RendererOption {
	return func(r *Renderer) {
		if perMinute <= 0 {
			r.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		r.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
}

func WithHTTPClient(c *http.Client) RendererOption {
	return func(r *Renderer) { r.client = c }
}

func WithLogger(l *zap.Logger) RendererOption {
	return func(r *Renderer) { r.logger = l }
}

func NewRenderer(p Provider, opts ...RendererOption) *Renderer {
	r := &Renderer{
		provider:     p,
		client:       http.DefaultClient,
		limiter:      rate.NewLimiter(rate.Inf, 1),
		pollInterval: DefaultPollInterval,
		maxPolls:     DefaultMaxPolls,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Renderer) Provider() string { return r.provider.Name() }

// Render returns the rendered artifact bytes. onProgress, if set, receives
// coarse progress (0-100) while the render is pending.
func (r *Renderer) Render(ctx context.Context, req Request, onProgress func(int)) (io.ReadCloser, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("provider: rate limit wait: %w", err)
	}

	start := time.Now()
	sub, err := r.provider.Submit(ctx, req)
	r.observe("submit", start)
	if err != nil {
		return nil, err
	}
	report(onProgress, 10)

	artifactURL := sub.ArtifactURL
	if sub.IsPending() {
		r.logger.Debug("polling status url", zap.String("status_url", sub.StatusURL))
		if artifactURL, err = r.poll(ctx, sub.StatusURL, onProgress); err != nil {
			return nil, err
		}
	}
	report(onProgress, 90)

	return r.Download(ctx, artifactURL)
}

func (r *Renderer) poll(ctx context.Context, statusURL string, onProgress func(int)) (string, error) {
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()

	for i := 0; i < r.maxPolls; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}

		start := time.Now()
		st, err := r.provider.Poll(ctx, statusURL)
		r.observe("poll", start)
		metrics.ProviderPollsTotal.WithLabelValues(r.provider.Name()).Inc()
		if err != nil {
			return "", err
		}

		switch {
		case st.Succeeded():
			if st.ArtifactURL == "" {
				return "", &ProviderError{Provider: r.provider.Name(), Op: "poll", Err: ErrNoArtifact}
			}
			return st.ArtifactURL, nil
		case st.Failed():
			reason := st.Error
			if reason == "" {
				reason = "Unknown error"
			}
			return "", fmt.Errorf("%w: %s", ErrRenderFailed, reason)
		}

		report(onProgress, 10+(i+1)*80/r.maxPolls)
		timer.Reset(r.pollInterval)
	}
	return "", fmt.Errorf("%w after %d polls", ErrPollTimeout, r.maxPolls)
}

// Download opens the artifact at url. The caller closes the body.
func (r *Renderer) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("provider: download request: %w", err)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	r.observe("download", start)
	if err != nil {
		return nil, &ProviderError{Provider: r.provider.Name(), Op: "download", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &ProviderError{Provider: r.provider.Name(), Op: "download", StatusCode: resp.StatusCode, Body: excerpt(body)}
	}
	return resp.Body, nil
}

func (r *Renderer) observe(call string, start time.Time) {
	metrics.ProviderRequestSeconds.WithLabelValues(r.provider.Name(), call).Observe(time.Since(start).Seconds())
}

func report(fn func(int), p int) {
	if fn != nil {
		fn(p)
	}
}
