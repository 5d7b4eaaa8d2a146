// Package status projects job store contents onto client-visible status
// records. It keeps no state of its own: every call reads the store.
package status

import (
	"context"

	"github.com/ak3tsm7/sweep-render-queue/internal/artifact"
	"github.com/ak3tsm7/sweep-render-queue/internal/models"
)

// JobReader is the read side of the job store.
type JobReader interface {
	GetMany(ctx context.Context, ids []string) ([]*models.Job, error)
}

// ArtifactChecker reports whether an id's artifact already exists.
type ArtifactChecker interface {
	Has(id string) (bool, error)
}

type Aggregator struct {
	jobs      JobReader
	artifacts ArtifactChecker
}

// New builds an Aggregator. artifacts may be nil, in which case absent ids
// are always reported unknown.
func New(jobs JobReader, artifacts ArtifactChecker) *Aggregator {
	return &Aggregator{jobs: jobs, artifacts: artifacts}
}

// Status returns one record per requested id, in request order.
//
// A completed record expires from the store after its retention. An id that
// is absent but whose artifact exists is therefore reported completed and
// cached rather than unknown.
func (a *Aggregator) Status(ctx context.Context, ids []string) ([]models.StatusRecord, error) {
	jobs, err := a.jobs.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]models.StatusRecord, len(ids))
	for i, id := range ids {
		var job *models.Job
		if i < len(jobs) {
			job = jobs[i]
		}
		if job != nil {
			out[i] = Project(job)
			continue
		}
		out[i] = a.absent(id)
	}
	return out, nil
}

func (a *Aggregator) absent(id string) models.StatusRecord {
	rec := models.StatusRecord{ID: id, State: models.StateUnknown}
	if a.artifacts == nil {
		return rec
	}
	if ok, err := a.artifacts.Has(id); err == nil && ok {
		progress := 100
		rec.State = models.StateCompleted
		rec.Progress = &progress
		rec.Result = &models.Result{ArtifactRef: artifact.Ref(id), Cached: true}
	}
	return rec
}

// Project maps one job onto its status record.
func Project(job *models.Job) models.StatusRecord {
	rec := models.StatusRecord{
		ID:              job.ID,
		State:           job.State,
		Result:          job.Result,
		AttemptsMade:    job.AttemptsMade,
		AttemptsAllowed: job.AttemptsAllowed,
		ErrorReason:     job.ErrorReason,
	}
	if job.State == models.StateActive || job.State == models.StateCompleted {
		progress := job.Progress
		rec.Progress = &progress
	}
	if job.State == models.StateQueued && !job.AvailableAt.IsZero() {
		at := job.AvailableAt
		rec.AvailableAt = &at
	}
	return rec
}

// AllTerminal reports whether every record is completed or failed. Clients
// stop polling once it holds.
func AllTerminal(records []models.StatusRecord) bool {
	for _, r := range records {
		if !r.State.Terminal() {
			return false
		}
	}
	return true
}
