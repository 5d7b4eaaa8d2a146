// Package orchestrator implements the operations exposed to clients: plan a
// sweep, submit a plan, query status, retry and purge jobs.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/ak3tsm7/sweep-render-queue/internal/identity"
	"github.com/ak3tsm7/sweep-render-queue/internal/metrics"
	"github.com/ak3tsm7/sweep-render-queue/internal/models"
	redisq "github.com/ak3tsm7/sweep-render-queue/internal/redis"
	"github.com/ak3tsm7/sweep-render-queue/internal/status"
	"github.com/ak3tsm7/sweep-render-queue/internal/sweep"
)

var (
	ErrInvalidSeed     = errors.New("orchestrator: seed must be an integer")
	ErrInvalidDocument = errors.New("orchestrator: invalid document")
	ErrInvalidID       = errors.New("orchestrator: invalid job id")
)

// Store is the job store surface the service needs.
type Store interface {
	EnqueueJob(ctx context.Context, spec models.JobSpec) (redisq.EnqueueResult, error)
	Retry(ctx context.Context, id string, spec *models.JobSpec) error
	PurgeJob(ctx context.Context, id string) error
	Hasher() identity.Hasher
}

type Service struct {
	store        Store
	status       *status.Aggregator
	modelVersion string
	planLimit    int
	logger       *zap.Logger
}

type Option func(*Service)

// WithDefaultModelVersion is used when a submission names no model version.
func WithDefaultModelVersion(v string) Option { return func(s *Service) { s.modelVersion = v } }

// WithPlanLimit rejects plans with more than n variants. Zero means no limit.
func WithPlanLimit(n int) Option { return func(s *Service) { s.planLimit = n } }

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

func New(store Store, agg *status.Aggregator, opts ...Option) *Service {
	s := &Service{
		store:        store,
		status:       agg,
		modelVersion: "FIBO",
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "orchestrator"))
	return s
}

// AxisInput is an axis as a client sends it. Values is either a JSON array of
// numbers or a value expression string such as "1-10:5" or "log:1-100:3".
type AxisInput struct {
	ID     string          `json:"id,omitempty"`
	Path   string          `json:"path"`
	Values json.RawMessage `json:"values"`
	Label  string          `json:"label,omitempty"`
}

// ResolveAxes turns client axis input into sweep axes. Range expressions may
// generate at most limit values per axis (sweep.MaxValues when limit is zero).
func ResolveAxes(in []AxisInput, limit int) ([]sweep.Axis, error) {
	axes := make([]sweep.Axis, len(in))
	for i, a := range in {
		vals, err := resolveValues(a.Values, limit)
		if err != nil {
			return nil, &sweep.PlanError{Axis: i, Path: a.Path, Err: err}
		}
		axes[i] = sweep.Axis{ID: a.ID, Path: a.Path, Values: vals, Label: a.Label}
	}
	return axes, nil
}

func resolveValues(raw json.RawMessage, limit int) ([]json.Number, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: missing values", sweep.ErrInvalidValues)
	}

	if raw[0] == '"' {
		var expr string
		if err := json.Unmarshal(raw, &expr); err != nil {
			return nil, fmt.Errorf("%w: %v", sweep.ErrInvalidValues, err)
		}
		return sweep.ParseValuesLimit(expr, limit)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: values must be an array or an expression string", sweep.ErrInvalidValues)
	}
	vals := make([]json.Number, 0, len(items))
	for _, it := range items {
		var n json.Number
		if err := json.Unmarshal(it, &n); err != nil {
			return nil, fmt.Errorf("%w: %s", sweep.ErrNonNumeric, it)
		}
		// json.Number also accepts numeric strings like "25".
		if _, err := sweep.ParseNumber(n.String()); err != nil {
			return nil, err
		}
		vals = append(vals, n)
	}
	return vals, nil
}

// Plan is the result of PlanSweep.
type Plan struct {
	Entries []sweep.Entry `json:"plan"`
	Count   int           `json:"count"`
}

// PlanLimit is the most variants a plan may expand to. Zero means no limit.
func (s *Service) PlanLimit() int { return s.planLimit }

// PlanSweep expands base × axes. It performs no I/O.
func (s *Service) PlanSweep(base json.RawMessage, axes []sweep.Axis) (Plan, error) {
	entries, err := sweep.GenerateLimit(base, axes, s.planLimit)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Entries: entries, Count: len(entries)}, nil
}

// Submitted reports one enqueued plan entry.
type Submitted struct {
	ID      string       `json:"id"`
	Cached  bool         `json:"cached"`
	Created bool         `json:"created"`
	State   models.State `json:"state"`
}

// SubmitPlan enqueues one job per document. Every document is validated
// before anything is enqueued, so a bad entry rejects the whole plan.
func (s *Service) SubmitPlan(ctx context.Context, docs []json.RawMessage, modelVersion string) ([]Submitted, error) {
	if modelVersion == "" {
		modelVersion = s.modelVersion
	}

	specs := make([]models.JobSpec, len(docs))
	for i, doc := range docs {
		seed, err := SeedOf(doc)
		if err != nil {
			return nil, fmt.Errorf("plan entry %d: %w", i, err)
		}
		specs[i] = models.JobSpec{Document: doc, ModelVersion: modelVersion, Seed: seed}
	}

	out := make([]Submitted, 0, len(specs))
	for _, spec := range specs {
		res, err := s.store.EnqueueJob(ctx, spec)
		if err != nil {
			return out, err
		}
		outcome := "created"
		if !res.Created {
			outcome = "deduplicated"
		}
		metrics.JobsSubmittedTotal.WithLabelValues(outcome).Inc()
		s.logger.Debug("job submitted", zap.String("job_id", res.ID), zap.String("outcome", outcome))
		out = append(out, Submitted{ID: res.ID, Created: res.Created, State: res.State})
	}
	s.logger.Info("plan submitted", zap.Int("entries", len(out)))
	return out, nil
}

// SeedOf returns the document's top-level numeric "seed", or the default
// seed when it has none.
func SeedOf(doc json.RawMessage) (int64, error) {
	var top map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(doc))
	if err := dec.Decode(&top); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if top == nil {
		return 0, fmt.Errorf("%w: document must be a JSON object", ErrInvalidDocument)
	}

	return parseSeed(top["seed"])
}

// parseSeed reads an integral JSON number; absent or null means the default seed.
func parseSeed(raw json.RawMessage) (int64, error) {
	if isNull(raw) {
		return models.DefaultSeed, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidSeed, raw)
	}
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidSeed, raw)
	}
	return int64(f), nil
}

// JobStatus returns one status record per id.
func (s *Service) JobStatus(ctx context.Context, ids []string) ([]models.StatusRecord, error) {
	return s.status.Status(ctx, ids)
}

// ParseRetrySpec reads the spec sent with a retry. raw is either a job spec
// {document|json, modelVersion|model_version, seed} or, failing that, a bare
// document rendered under modelVersion (or the default) and its own seed.
// Empty raw returns nil.
func (s *Service) ParseRetrySpec(raw json.RawMessage, modelVersion string) (*models.JobSpec, error) {
	if isNull(raw) {
		return nil, nil
	}
	if modelVersion == "" {
		modelVersion = s.modelVersion
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil || top == nil {
		return nil, fmt.Errorf("%w: spec must be a JSON object", ErrInvalidDocument)
	}
	doc := top["document"]
	if isNull(doc) {
		doc = top["json"]
	}
	if !isObject(doc) {
		seed, err := SeedOf(raw)
		if err != nil {
			return nil, err
		}
		return &models.JobSpec{Document: raw, ModelVersion: modelVersion, Seed: seed}, nil
	}

	for _, key := range []string{"modelVersion", "model_version"} {
		if v := top[key]; !isNull(v) {
			if err := json.Unmarshal(v, &modelVersion); err != nil {
				return nil, fmt.Errorf("%w: %s must be a string", ErrInvalidDocument, key)
			}
			break
		}
	}
	seed, err := SeedOf(doc)
	if err != nil {
		return nil, err
	}
	if v := top["seed"]; !isNull(v) {
		if seed, err = parseSeed(v); err != nil {
			return nil, err
		}
	}
	return &models.JobSpec{Document: doc, ModelVersion: modelVersion, Seed: seed}, nil
}

// RetryJob re-queues a failed job. rawSpec may be empty when the failed record
// is still in the store; otherwise the job is rebuilt from it (see
// ParseRetrySpec).
func (s *Service) RetryJob(ctx context.Context, id string, rawSpec json.RawMessage, modelVersion string) error {
	if !identity.Valid(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	spec, err := s.ParseRetrySpec(rawSpec, modelVersion)
	if err != nil {
		return err
	}

	if err := s.store.Retry(ctx, id, spec); err != nil {
		return err
	}
	metrics.ManualRetriesTotal.Inc()
	s.logger.Info("job retried", zap.String("job_id", id))
	return nil
}

// PurgeJob deletes a failed job.
func (s *Service) PurgeJob(ctx context.Context, id string) error {
	if !identity.Valid(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if err := s.store.PurgeJob(ctx, id); err != nil {
		return err
	}
	s.logger.Info("job purged", zap.String("job_id", id))
	return nil
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
