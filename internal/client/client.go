// Package client talks to the sweep-render API and implements the client side
// of the status polling protocol.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ak3tsm7/sweep-render-queue/internal/api"
	"github.com/ak3tsm7/sweep-render-queue/internal/models"
	"github.com/ak3tsm7/sweep-render-queue/internal/orchestrator"
	"github.com/ak3tsm7/sweep-render-queue/internal/status"
)

// DefaultPollInterval is the status polling cadence.
const DefaultPollInterval = 2 * time.Second

// APIError is a non-2xx API response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL      string
	http         *http.Client
	pollInterval time.Duration
	logger       *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.http = c } }

func WithPollInterval(d time.Duration) Option { return func(cl *Client) { cl.pollInterval = d } }

func WithLogger(l *zap.Logger) Option { return func(cl *Client) { cl.logger = l } }

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: 30 * time.Second},
		pollInterval: DefaultPollInterval,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) PlanSweep(ctx context.Context, req api.PlanSweepRequest) (*api.PlanSweepResponse, error) {
	var out api.PlanSweepResponse
	if err := c.post(ctx, "/api/plan-sweep", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitPlan enqueues one job per document.
func (c *Client) SubmitPlan(ctx context.Context, docs []json.RawMessage, modelVersion string) ([]orchestrator.Submitted, error) {
	req := api.SubmitPlanRequest{Plan: make([]api.PlanItem, len(docs)), ModelVersion: modelVersion}
	for i, d := range docs {
		req.Plan[i] = api.PlanItem{Document: d}
	}
	var out api.SubmitPlanResponse
	if err := c.post(ctx, "/api/submit-plan", req, &out); err != nil {
		return nil, err
	}
	return out.Enqueued, nil
}

func (c *Client) JobStatus(ctx context.Context, ids []string) ([]models.StatusRecord, error) {
	var out api.JobStatusResponse
	if err := c.post(ctx, "/api/job-status", api.JobStatusRequest{IDs: ids}, &out); err != nil {
		return nil, err
	}
	return out.Statuses, nil
}

// RetryJob retries a failed job. doc may be nil.
func (c *Client) RetryJob(ctx context.Context, id string, doc json.RawMessage, modelVersion string) error {
	req := api.RetryJobRequest{ID: id, Spec: doc, ModelVersion: modelVersion}
	return c.post(ctx, "/api/retry-job", req, &api.RetryJobResponse{})
}

func (c *Client) PurgeJob(ctx context.Context, id string) error {
	return c.post(ctx, "/api/purge-job", api.PurgeJobRequest{ID: id}, &api.RetryJobResponse{})
}

// WaitForTerminal polls the status of ids until every one is completed or
// failed, calling onUpdate after each poll. Cancelling ctx only stops the
// polling; renders in flight are unaffected.
func (c *Client) WaitForTerminal(ctx context.Context, ids []string, onUpdate func([]models.StatusRecord)) ([]models.StatusRecord, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		recs, err := c.JobStatus(ctx, ids)
		switch {
		case err == nil:
			if onUpdate != nil {
				onUpdate(recs)
			}
			if status.AllTerminal(recs) {
				return recs, nil
			}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			// A failed poll is retried on the next tick.
			c.logger.Warn("status poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return recs, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
