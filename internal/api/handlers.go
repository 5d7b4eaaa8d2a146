package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/ak3tsm7/sweep-render-queue/internal/artifact"
	"github.com/ak3tsm7/sweep-render-queue/internal/models"
	"github.com/ak3tsm7/sweep-render-queue/internal/orchestrator"
	"github.com/ak3tsm7/sweep-render-queue/internal/sweep"
)

// PlanSweepRequest accepts either an axes list or the two-axis {x, y} form.
type PlanSweepRequest struct {
	Base   json.RawMessage          `json:"base"`
	Axes   []orchestrator.AxisInput `json:"axes,omitempty"`
	Sweep  *LegacySweep             `json:"sweep,omitempty"`
	Filter map[string]json.Number   `json:"filter,omitempty"`
}

type LegacySweep struct {
	X *orchestrator.AxisInput `json:"x,omitempty"`
	Y *orchestrator.AxisInput `json:"y,omitempty"`
}

type PlanSweepResponse struct {
	Plan  []sweep.Entry `json:"plan"`
	Count int           `json:"count"`
	// AxisValues lists the distinct values per axis id, for grid layout.
	AxisValues map[string][]json.Number `json:"axisValues"`
}

func (r PlanSweepRequest) axes() []orchestrator.AxisInput {
	if len(r.Axes) > 0 || r.Sweep == nil {
		return r.Axes
	}
	var out []orchestrator.AxisInput
	for id, a := range map[string]*orchestrator.AxisInput{"x": r.Sweep.X, "y": r.Sweep.Y} {
		if a == nil {
			continue
		}
		in := *a
		if in.ID == "" {
			in.ID = id
		}
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) handlePlanSweep(w http.ResponseWriter, r *http.Request) {
	var req PlanSweepRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if isEmpty(req.Base) {
		s.fail(w, r, badRequest("base is required"))
		return
	}

	axes, err := orchestrator.ResolveAxes(req.axes(), s.svc.PlanLimit())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	plan, err := s.svc.PlanSweep(req.Base, axes)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	entries := plan.Entries
	if len(req.Filter) > 0 {
		entries = sweep.FilterByCoordinates(entries, req.Filter)
	}
	if entries == nil {
		entries = []sweep.Entry{}
	}

	axisValues := make(map[string][]json.Number)
	if len(plan.Entries) > 0 {
		for id := range plan.Entries[0].Coordinates {
			axisValues[id] = sweep.AxisValues(plan.Entries, id)
		}
	}

	writeJSON(w, http.StatusOK, PlanSweepResponse{
		Plan:       entries,
		Count:      len(entries),
		AxisValues: axisValues,
	})
}

// PlanItem is one document to submit. "json" is accepted as an alias of
// "document".
type PlanItem struct {
	Document json.RawMessage `json:"document,omitempty"`
	JSON     json.RawMessage `json:"json,omitempty"`
}

type SubmitPlanRequest struct {
	Plan         []PlanItem `json:"plan"`
	ModelVersion string     `json:"modelVersion,omitempty"`
}

type SubmitPlanResponse struct {
	Enqueued []orchestrator.Submitted `json:"enqueued"`
}

func (s *Server) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	var req SubmitPlanRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Plan) == 0 {
		s.fail(w, r, badRequest("plan must not be empty"))
		return
	}

	docs := make([]json.RawMessage, len(req.Plan))
	for i, item := range req.Plan {
		doc := item.Document
		if isEmpty(doc) {
			doc = item.JSON
		}
		if isEmpty(doc) {
			s.fail(w, r, badRequest("plan entry without document"))
			return
		}
		docs[i] = doc
	}

	subs, err := s.svc.SubmitPlan(r.Context(), docs, req.ModelVersion)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SubmitPlanResponse{Enqueued: subs})
}

// JobStatusRequest takes ids; jobIds is accepted as an alias.
type JobStatusRequest struct {
	IDs    []string `json:"ids,omitempty"`
	JobIDs []string `json:"jobIds,omitempty"`
}

type JobStatusResponse struct {
	Statuses []models.StatusRecord `json:"statuses"`
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	var req JobStatusRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ids := req.IDs
	if len(ids) == 0 {
		ids = req.JobIDs
	}

	recs, err := s.svc.JobStatus(r.Context(), ids)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, JobStatusResponse{Statuses: recs})
}

// RetryJobRequest names the job and optionally its spec, used to rebuild a
// record that no longer exists. The spec is a JobSpec object
// {document|json, modelVersion, seed} or a bare document. jobId and jobData
// are accepted as aliases.
type RetryJobRequest struct {
	ID           string          `json:"id,omitempty"`
	JobID        string          `json:"jobId,omitempty"`
	Spec         json.RawMessage `json:"spec,omitempty"`
	JobData      json.RawMessage `json:"jobData,omitempty"`
	ModelVersion string          `json:"modelVersion,omitempty"`
}

type RetryJobResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	var req RetryJobRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id := req.ID
	if id == "" {
		id = req.JobID
	}
	doc := req.Spec
	if isEmpty(doc) {
		doc = req.JobData
	}
	if isEmpty(doc) {
		doc = nil
	}

	if err := s.svc.RetryJob(r.Context(), id, doc, req.ModelVersion); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RetryJobResponse{Success: true, ID: id})
}

type PurgeJobRequest struct {
	ID string `json:"id"`
}

func (s *Server) handlePurgeJob(w http.ResponseWriter, r *http.Request) {
	var req PurgeJobRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.svc.PurgeJob(r.Context(), req.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RetryJobResponse{Success: true, ID: req.ID})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	id, err := artifact.IDFromName(r.PathValue("name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := s.images.Open(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	// Artifacts are content-addressed and never rewritten.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, artifact.Name(id), info.ModTime(), f)
	s.logger.Debug("image served", zap.String("job_id", id))
}

func isEmpty(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
