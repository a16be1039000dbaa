package models

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Active reports whether the job still occupies its thread's single job slot.
func (s JobStatus) Active() bool {
	return s == JobQueued || s == JobRunning
}

// Job is one render of a frozen template + slot snapshot.
type Job struct {
	ID          string            `json:"job_id"`
	ThreadID    string            `json:"thread_id"`
	Template    string            `json:"template"`
	Slots       map[string]string `json:"slots"`
	Status      JobStatus         `json:"status"`
	ResultURL   string            `json:"result_url,omitempty"` // succeeded only
	Error       string            `json:"error,omitempty"`      // failed only
	Attempts    int               `json:"attempts"`
	ProviderRef string            `json:"provider_ref,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
