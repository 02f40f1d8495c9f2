package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
)

// JobLogger publishes events of a single job. It tracks the job's current
// stage, status, and progress so every entry carries a consistent lifecycle
// coordinate, and mirrors each entry to the service log so operators can
// follow jobs without opening per-job files.
type JobLogger struct {
	bus     interfaces.EventBus
	log     arbor.ILogger
	service string
	jobID   string
	corrID  string

	mu          sync.Mutex
	status      models.JobStatus
	stage       models.Stage
	step        int
	stepsTotal  int
	progressPct float64
}

// NewJobLogger creates a logger for one job. The arbor logger should already
// carry the job's correlation ID.
func NewJobLogger(bus interfaces.EventBus, log arbor.ILogger, service, jobID, correlationID string) *JobLogger {
	return &JobLogger{
		bus:     bus,
		log:     log,
		service: service,
		jobID:   jobID,
		corrID:  correlationID,
		status:  models.JobStatusQueued,
		stage:   models.StageQueued,
	}
}

// SetStatus records the job status stamped on subsequent entries
func (l *JobLogger) SetStatus(status models.JobStatus) {
	l.mu.Lock()
	l.status = status
	l.mu.Unlock()
}

// Info publishes an INFO entry
func (l *JobLogger) Info(msg, event string, fields map[string]interface{}) {
	l.publish(l.entry(models.LevelInfo, msg, event, fields))
}

// Warning publishes a WARNING entry
func (l *JobLogger) Warning(msg, event string, fields map[string]interface{}) {
	l.publish(l.entry(models.LevelWarning, msg, event, fields))
}

// Error publishes an ERROR entry
func (l *JobLogger) Error(msg, event string, err error, fields map[string]interface{}) {
	entry := l.entry(models.LevelError, msg, event, fields)
	if err != nil {
		entry.Error = err.Error()
	}
	l.publish(entry)
}

// Stage records a lifecycle stage transition
func (l *JobLogger) Stage(stage models.Stage, msg string) {
	l.mu.Lock()
	l.stage = stage
	l.mu.Unlock()

	l.publish(l.entry(models.LevelInfo, msg, "training.stage", nil))
}

// Step records per-step training telemetry and advances progress
func (l *JobLogger) Step(info interfaces.StepInfo) {
	l.mu.Lock()
	l.stage = models.StageTraining
	if info.Step > l.step {
		l.step = info.Step
	}
	if info.StepsTotal > 0 {
		l.stepsTotal = info.StepsTotal
	}
	if l.stepsTotal > 0 {
		pct := float64(l.step) / float64(l.stepsTotal) * 100
		if pct > l.progressPct {
			l.progressPct = pct
		}
	}
	l.mu.Unlock()

	entry := l.entry(models.LevelInfo, fmt.Sprintf("Training step %d/%d", info.Step, info.StepsTotal), models.EventTrainingStep, nil)
	entry.Loss = info.Loss
	entry.LR = info.LR
	entry.ETASeconds = info.ETASeconds
	l.publish(entry)
}

// Sample records a sample artifact written this step
func (l *JobLogger) Sample(step int, path string) {
	entry := l.entry(models.LevelInfo, fmt.Sprintf("Sample written at step %d", step), models.EventTrainingSample, nil)
	entry.Step = step
	entry.SamplePath = path
	l.publish(entry)
}

// Complete publishes the terminal success event; the SSE stream closes on it
func (l *JobLogger) Complete(artifactPath string) {
	l.mu.Lock()
	l.stage = models.StageCompleted
	l.status = models.JobStatusCompleted
	l.progressPct = 100
	l.mu.Unlock()

	entry := l.entry(models.LevelInfo, "Job completed", models.EventTrainingComplete, map[string]interface{}{
		"artifact_path": artifactPath,
	})
	l.publish(entry)
}

// Failed publishes the terminal failure event
func (l *JobLogger) Failed(message, errorType, errorStack string) {
	l.mu.Lock()
	l.stage = models.StageFailed
	l.status = models.JobStatusFailed
	l.mu.Unlock()

	entry := l.entry(models.LevelError, "Job failed", models.EventTrainingFailed, nil)
	entry.Error = message
	entry.ErrorType = errorType
	entry.ErrorStack = errorStack
	l.publish(entry)
}

// Cancelled publishes the terminal cancellation frames: a progress entry
// carrying the cancelled status, then the closing error frame.
func (l *JobLogger) Cancelled() {
	l.mu.Lock()
	l.status = models.JobStatusCancelled
	l.mu.Unlock()

	l.publish(l.entry(models.LevelInfo, "Cancellation observed", "job.cancelling", nil))

	l.mu.Lock()
	l.stage = models.StageCancelled
	l.mu.Unlock()

	entry := l.entry(models.LevelInfo, "Job cancelled", models.EventTrainingCancelled, nil)
	entry.Error = "cancelled"
	l.publish(entry)
}

func (l *JobLogger) entry(level, msg, event string, fields map[string]interface{}) *models.JobLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	return &models.JobLogEntry{
		Timestamp:     models.Now(),
		Level:         level,
		Service:       l.service,
		JobID:         l.jobID,
		Event:         event,
		Message:       msg,
		CorrelationID: l.corrID,
		Status:        l.status,
		Stage:         l.stage,
		Step:          l.step,
		StepsTotal:    l.stepsTotal,
		ProgressPct:   l.progressPct,
		Fields:        fields,
	}
}

// publish scrubs the entry, hands it to the bus, and mirrors it to the
// service log. Redaction runs here, before either sink, so the mirror never
// sees a raw credential. A persistence failure is downgraded to a service-log
// ERROR: losing the job over a log-write failure would be worse than losing
// one event.
func (l *JobLogger) publish(entry *models.JobLogEntry) {
	entry = redactEntry(entry)

	if err := l.bus.Publish(context.Background(), entry); err != nil {
		l.log.Error().
			Err(err).
			Str("job_id", l.jobID).
			Str("event", entry.Event).
			Msg("Job event not persisted")
	}

	mirror := l.log
	switch entry.Level {
	case models.LevelError:
		mirror.Error().Str("job_id", l.jobID).Str("event", entry.Event).Str("error", entry.Error).Msg(entry.Message)
	case models.LevelWarning:
		mirror.Warn().Str("job_id", l.jobID).Str("event", entry.Event).Msg(entry.Message)
	default:
		mirror.Info().Str("job_id", l.jobID).Str("event", entry.Event).Msg(entry.Message)
	}
}
