package models

// Stage is a lifecycle coordinate finer-grained than JobStatus
type Stage string

const (
	StageQueued           Stage = "queued"
	StageInitializing     Stage = "initializing"
	StagePreparingDataset Stage = "preparing_dataset"
	StageCaptioning       Stage = "captioning"
	StageTraining         Stage = "training"
	StageSampling         Stage = "sampling"
	StageExporting        Stage = "exporting"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
	StageCancelled        Stage = "cancelled"
)

// Well-known dotted event types.
const (
	EventJobQueued         = "job.queued"
	EventJobStart          = "job.start"
	EventJobCancelRequest  = "job.cancel_requested"
	EventTrainingStart     = "training.start"
	EventTrainingStep      = "training.step"
	EventTrainingSample    = "training.sample"
	EventTrainingComplete  = "training.complete"
	EventTrainingFailed    = "training.failed"
	EventTrainingCancelled = "training.cancelled"
	EventSubprocessStderr  = "subprocess.stderr"
)

// SSE event names on the job stream.
const (
	SSESnapshot = "snapshot"
	SSEProgress = "progress"
	SSEComplete = "complete"
	SSEError    = "error"
)

// ProgressEvent is the unit of observability, emitted every time something
// interesting happens to a job and carried verbatim on the SSE stream.
type ProgressEvent struct {
	JobID         string    `json:"job_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     Timestamp `json:"timestamp"`
	Status        JobStatus `json:"status"`
	Stage         Stage     `json:"stage"`
	Step          int       `json:"step,omitempty"`
	StepsTotal    int       `json:"steps_total,omitempty"`
	ProgressPct   float64   `json:"progress_pct"`
	Loss          *float64  `json:"loss,omitempty"`
	LR            *float64  `json:"lr,omitempty"`
	ETASeconds    *float64  `json:"eta_seconds,omitempty"`
	Message       string    `json:"message,omitempty"`
	SamplePath    string    `json:"sample_path,omitempty"`
	Error         string    `json:"error,omitempty"`
	ErrorType     string    `json:"error_type,omitempty"`
	ErrorStack    string    `json:"error_stack,omitempty"`
}

// SnapshotEvent builds the ProgressEvent the SSE endpoint sends on connect,
// reflecting the job's current stored state.
func SnapshotEvent(job *Job) *ProgressEvent {
	e := &ProgressEvent{
		JobID:         job.ID,
		CorrelationID: job.CorrelationID,
		Timestamp:     Now(),
		Status:        job.Status,
		Stage:         stageForStatus(job.Status),
		Step:          job.CurrentStep,
		StepsTotal:    job.TotalSteps,
		ProgressPct:   job.ProgressPct,
	}
	if job.Status == JobStatusFailed {
		e.Error = job.ErrorMessage
		e.ErrorType = job.ErrorType
	}
	return e
}

func stageForStatus(status JobStatus) Stage {
	switch status {
	case JobStatusQueued:
		return StageQueued
	case JobStatusRunning:
		return StageTraining
	case JobStatusCompleted:
		return StageCompleted
	case JobStatusFailed:
		return StageFailed
	case JobStatusCancelled:
		return StageCancelled
	}
	return StageQueued
}
