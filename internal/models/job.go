package models

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a render job.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	// StateUnknown is only ever reported by the status surface for ids the store does not hold.
	StateUnknown State = "unknown"
)

// Terminal reports whether no further automatic transition will happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

const (
	DefaultAttemptsAllowed = 3
	DefaultSeed            = 1337
)

// JobSpec is the unit of work: a parameter document rendered under a model version and seed.
type JobSpec struct {
	Document     json.RawMessage `json:"document"`
	ModelVersion string          `json:"model_version"`
	Seed         int64           `json:"seed"`
}

// Result is set once a job completes.
type Result struct {
	ArtifactRef string `json:"artifactRef"`
	Cached      bool   `json:"cached"`
}

type Job struct {
	ID              string    `json:"job_id"`
	Spec            JobSpec   `json:"spec"`
	State           State     `json:"state"`
	AttemptsMade    int       `json:"attempts_made"`
	AttemptsAllowed int       `json:"attempts_allowed"`
	Result          *Result   `json:"result,omitempty"`
	ErrorReason     string    `json:"error_reason,omitempty"`
	WorkerID        string    `json:"worker_id,omitempty"`
	Progress        int       `json:"progress"`
	CreatedAt       time.Time `json:"created_at"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
	AvailableAt     time.Time `json:"available_at,omitempty"`
}
