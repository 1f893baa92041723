package model

import "time"

// JobStatus is the lifecycle state of a queued stage job.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is one unit of background work: run a named stage for a list.
// Delivery is at-least-once; stage idempotence absorbs redelivery.
type Job struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ListID    string    `json:"list_id"`
	Status    JobStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
