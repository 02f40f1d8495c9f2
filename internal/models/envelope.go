package models

import "time"

// Envelope is the minimal message passed on the queue between API and worker.
// The worker reads the job's config from the store, never from the envelope,
// so edits made while a job waits in the queue are always observed.
type Envelope struct {
	JobID         string    `json:"job_id"`
	CorrelationID string    `json:"correlation_id"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}
