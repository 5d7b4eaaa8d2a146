package models

import "time"

// StatusRecord is the client-visible projection of a Job.
type StatusRecord struct {
	ID              string     `json:"id"`
	State           State      `json:"state"`
	Progress        *int       `json:"progress,omitempty"`
	Result          *Result    `json:"result,omitempty"`
	ErrorReason     string     `json:"errorReason,omitempty"`
	AttemptsMade    int        `json:"attemptsMade"`
	AttemptsAllowed int        `json:"attemptsAllowed"`
	AvailableAt     *time.Time `json:"availableAt,omitempty"`
}
