package models

import (
	"fmt"
	"time"
)

// JobType identifies the kind of work a job performs
type JobType string

const (
	JobTypeTraining   JobType = "training"
	JobTypeGeneration JobType = "generation"
)

// IDPrefix returns the short prefix used in job IDs ("train-", "gen-")
func (t JobType) IDPrefix() string {
	if t == JobTypeGeneration {
		return "gen"
	}
	return "train"
}

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status is final
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is the durable record of a unit of work
type Job struct {
	ID            string                 `json:"id"`
	Type          JobType                `json:"type"`
	Status        JobStatus              `json:"status"`
	CorrelationID string                 `json:"correlation_id"`
	CharacterID   string                 `json:"character_id,omitempty"`
	Config        map[string]interface{} `json:"config"`
	ProgressPct   float64                `json:"progress_pct"`
	CurrentStep   int                    `json:"current_step"`
	TotalSteps    int                    `json:"total_steps"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	ErrorType     string                 `json:"error_type,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	ArtifactPath  string                 `json:"artifact_path,omitempty"`
	CreatedAt     Timestamp              `json:"created_at"`
	StartedAt     *Timestamp             `json:"started_at,omitempty"`
	EndedAt       *Timestamp             `json:"ended_at,omitempty"`
	LastHeartbeat *Timestamp             `json:"last_heartbeat,omitempty"`
}

// NewJob creates a queued job with the given identity and configuration
func NewJob(id string, jobType JobType, correlationID, characterID string, config map[string]interface{}) *Job {
	return &Job{
		ID:            id,
		Type:          jobType,
		Status:        JobStatusQueued,
		CorrelationID: correlationID,
		CharacterID:   characterID,
		Config:        config,
		CreatedAt:     Now(),
	}
}

// IsTerminal reports whether the job has reached a final state
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// MarkStarted transitions the job to running
func (j *Job) MarkStarted() error {
	if j.Status != JobStatusQueued {
		return fmt.Errorf("cannot start job in status %s", j.Status)
	}
	now := Now()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.LastHeartbeat = &now
	return nil
}

// MarkCompleted transitions the job to completed and forces progress to 100
func (j *Job) MarkCompleted(artifactPath string) error {
	if j.IsTerminal() {
		return fmt.Errorf("job %s is already terminal (%s)", j.ID, j.Status)
	}
	now := Now()
	j.Status = JobStatusCompleted
	j.ProgressPct = 100.0
	j.ArtifactPath = artifactPath
	j.EndedAt = &now
	return nil
}

// MarkFailed transitions the job to failed with error details
func (j *Job) MarkFailed(message, errorType string) error {
	if j.IsTerminal() {
		return fmt.Errorf("job %s is already terminal (%s)", j.ID, j.Status)
	}
	now := Now()
	j.Status = JobStatusFailed
	j.ErrorMessage = message
	j.ErrorType = errorType
	j.EndedAt = &now
	return nil
}

// MarkCancelled transitions the job to cancelled. Allowed from queued (before
// any worker picks the job up) and from running.
func (j *Job) MarkCancelled() error {
	if j.IsTerminal() {
		return fmt.Errorf("job %s is already terminal (%s)", j.ID, j.Status)
	}
	now := Now()
	j.Status = JobStatusCancelled
	j.EndedAt = &now
	return nil
}

// MarkRetrying re-queues a failed attempt without going terminal: progress is
// reset, the error fields are cleared, and retry_count is incremented.
func (j *Job) MarkRetrying() error {
	if j.IsTerminal() {
		return fmt.Errorf("job %s is already terminal (%s)", j.ID, j.Status)
	}
	j.Status = JobStatusQueued
	j.StartedAt = nil
	j.LastHeartbeat = nil
	j.ProgressPct = 0
	j.CurrentStep = 0
	j.ErrorMessage = ""
	j.ErrorType = ""
	j.RetryCount++
	return nil
}

// ApplyProgress records step progress. Progress is monotonically
// non-decreasing while the job is running; stale updates are ignored.
func (j *Job) ApplyProgress(step, totalSteps int, progressPct float64) {
	if j.IsTerminal() {
		return
	}
	if totalSteps > 0 {
		j.TotalSteps = totalSteps
	}
	if step > j.CurrentStep {
		j.CurrentStep = step
	}
	if progressPct > j.ProgressPct {
		if progressPct > 100 {
			progressPct = 100
		}
		j.ProgressPct = progressPct
	}
}

// Touch updates the heartbeat timestamp
func (j *Job) Touch() {
	now := Now()
	j.LastHeartbeat = &now
}

// HeartbeatAge returns how long ago the job last heartbeat, or the time since
// start when no heartbeat has been recorded yet.
func (j *Job) HeartbeatAge(now time.Time) time.Duration {
	if j.LastHeartbeat != nil {
		return now.Sub(j.LastHeartbeat.Time())
	}
	if j.StartedAt != nil {
		return now.Sub(j.StartedAt.Time())
	}
	return 0
}
