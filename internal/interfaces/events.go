package interfaces

import (
	"context"

	"github.com/isengard-ai/isengard/internal/models"
)

// SubscriberBuffer is the bounded channel capacity per stream subscriber.
// A subscriber that falls further behind has its oldest pending events
// dropped; the file write path is never skipped for a slow subscriber.
const SubscriberBuffer = 64

// EventBus fans job log entries out to in-memory subscribers and appends the
// same entries to the job's events.jsonl. The file is the source of truth.
type EventBus interface {
	Publish(ctx context.Context, entry *models.JobLogEntry) error
	Subscribe(jobID string) (<-chan *models.JobLogEntry, func())
	History(jobID string, limit int) ([]*models.JobLogEntry, error)
}

// StepInfo carries per-step training telemetry
type StepInfo struct {
	Step       int
	StepsTotal int
	Loss       *float64
	LR         *float64
	ETASeconds *float64
}

// JobLogger is the facade the executor and plugins use to publish events of a
// specific job. Every call stamps the entry with the job ID and the current
// correlation ID, hands it to the bus, and mirrors it to the service log.
type JobLogger interface {
	Info(msg, event string, fields map[string]interface{})
	Warning(msg, event string, fields map[string]interface{})
	Error(msg, event string, err error, fields map[string]interface{})
	Stage(stage models.Stage, msg string)
	Step(info StepInfo)
	Sample(step int, path string)
}
