package redisq

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ak3tsm7/sweep-render-queue/internal/models"
)

func encodeSpec(spec models.JobSpec) (string, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job spec: %w", err)
	}
	return string(data), nil
}

// mapToJob decodes a job hash. Numeric fields are best-effort: they are only
// ever written by the scripts in this package.
func mapToJob(m map[string]string) (*models.Job, error) {
	var spec models.JobSpec
	if err := json.Unmarshal([]byte(m["spec"]), &spec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job spec: %w", err)
	}

	made, _ := strconv.Atoi(m["attempts_made"])
	allowed, _ := strconv.Atoi(m["attempts_allowed"])
	progress, _ := strconv.Atoi(m["progress"])

	j := &models.Job{
		ID:              m["id"],
		Spec:            spec,
		State:           models.State(m["state"]),
		AttemptsMade:    made,
		AttemptsAllowed: allowed,
		ErrorReason:     m["error"],
		WorkerID:        m["worker_id"],
		Progress:        progress,
		CreatedAt:       msTime(m["created_at"]),
		StartedAt:       msTime(m["started_at"]),
		FinishedAt:      msTime(m["finished_at"]),
		AvailableAt:     msTime(m["available_at"]),
	}
	if j.State == models.StateCompleted {
		j.Result = &models.Result{
			ArtifactRef: m["result_ref"],
			Cached:      m["result_cached"] == "1",
		}
	}
	return j, nil
}

func msTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
