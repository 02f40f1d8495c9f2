package models

// Log levels for job log entries.
const (
	LevelDebug   = "DEBUG"
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// JobLogEntry is the shape written to events.jsonl: one JSON object per line
// with required keys ts, level, service, job_id, event, msg, the progress
// telemetry of the event that produced it, and a free-form fields map.
type JobLogEntry struct {
	Timestamp     Timestamp              `json:"ts"`
	Level         string                 `json:"level"`
	Service       string                 `json:"service"`
	JobID         string                 `json:"job_id"`
	Event         string                 `json:"event"`
	Message       string                 `json:"msg"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Status        JobStatus              `json:"status,omitempty"`
	Stage         Stage                  `json:"stage,omitempty"`
	Step          int                    `json:"step,omitempty"`
	StepsTotal    int                    `json:"steps_total,omitempty"`
	ProgressPct   float64                `json:"progress_pct,omitempty"`
	Loss          *float64               `json:"loss,omitempty"`
	LR            *float64               `json:"lr,omitempty"`
	ETASeconds    *float64               `json:"eta_seconds,omitempty"`
	SamplePath    string                 `json:"sample_path,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ErrorType     string                 `json:"error_type,omitempty"`
	ErrorStack    string                 `json:"error_stack,omitempty"`
	Fields        map[string]interface{} `json:"fields,omitempty"`
}

// ToProgressEvent projects the entry onto the SSE wire shape
func (e *JobLogEntry) ToProgressEvent() *ProgressEvent {
	return &ProgressEvent{
		JobID:         e.JobID,
		CorrelationID: e.CorrelationID,
		Timestamp:     e.Timestamp,
		Status:        e.Status,
		Stage:         e.Stage,
		Step:          e.Step,
		StepsTotal:    e.StepsTotal,
		ProgressPct:   e.ProgressPct,
		Loss:          e.Loss,
		LR:            e.LR,
		ETASeconds:    e.ETASeconds,
		Message:       e.Message,
		SamplePath:    e.SamplePath,
		Error:         e.Error,
		ErrorType:     e.ErrorType,
		ErrorStack:    e.ErrorStack,
	}
}

// SSEName maps the entry to its SSE event name: terminal success frames are
// "complete", failure and cancellation frames are "error", everything else is
// "progress". The stream handler closes the connection after the first
// complete or error frame.
func (e *JobLogEntry) SSEName() string {
	switch e.Event {
	case EventTrainingComplete:
		return SSEComplete
	case EventTrainingFailed, EventTrainingCancelled:
		return SSEError
	}
	if e.Status == JobStatusCancelled && e.Stage == StageCancelled {
		return SSEError
	}
	return SSEProgress
}

// IsTerminalFrame reports whether the SSE stream should close after this entry
func (e *JobLogEntry) IsTerminalFrame() bool {
	name := e.SSEName()
	return name == SSEComplete || name == SSEError
}
