package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
)

func newTestJobLogger(t *testing.T) (*JobLogger, *Bus) {
	t.Helper()
	bus := newTestBus(t)
	jl := NewJobLogger(bus, arbor.NewLogger(), "worker", "train-abc123def456", "fe-abc123def456")
	return jl, bus
}

func TestJobLogger_StampsLifecycleCoordinates(t *testing.T) {
	jl, bus := newTestJobLogger(t)

	jl.SetStatus(models.JobStatusRunning)
	jl.Stage(models.StageInitializing, "Preparing run directory")
	jl.Step(interfaces.StepInfo{Step: 5, StepsTotal: 10})

	entries, err := bus.History("train-abc123def456", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	stage := entries[0]
	assert.Equal(t, "training.stage", stage.Event)
	assert.Equal(t, models.JobStatusRunning, stage.Status)
	assert.Equal(t, models.StageInitializing, stage.Stage)
	assert.Equal(t, "worker", stage.Service)
	assert.Equal(t, "fe-abc123def456", stage.CorrelationID)

	step := entries[1]
	assert.Equal(t, models.EventTrainingStep, step.Event)
	assert.Equal(t, models.StageTraining, step.Stage)
	assert.Equal(t, 5, step.Step)
	assert.Equal(t, 10, step.StepsTotal)
	assert.Equal(t, 50.0, step.ProgressPct)
}

func TestJobLogger_ProgressIsMonotonic(t *testing.T) {
	jl, bus := newTestJobLogger(t)

	jl.Step(interfaces.StepInfo{Step: 8, StepsTotal: 10})
	// A late out-of-order step report must not walk progress backwards
	jl.Step(interfaces.StepInfo{Step: 3, StepsTotal: 10})

	entries, err := bus.History("train-abc123def456", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 80.0, entries[1].ProgressPct)
	assert.Equal(t, 8, entries[1].Step)
}

func TestJobLogger_CompleteIsTerminalFrame(t *testing.T) {
	jl, bus := newTestJobLogger(t)

	jl.Complete("/vol/loras/char-1/v1.safetensors")

	entries, err := bus.History("train-abc123def456", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, models.EventTrainingComplete, entry.Event)
	assert.Equal(t, models.JobStatusCompleted, entry.Status)
	assert.Equal(t, 100.0, entry.ProgressPct)
	assert.Equal(t, models.SSEComplete, entry.SSEName())
	assert.True(t, entry.IsTerminalFrame())
}

func TestJobLogger_FailedCarriesErrorType(t *testing.T) {
	jl, bus := newTestJobLogger(t)

	jl.Failed("CUDA out of memory", "resource.oom", "stack trace here")

	entries, err := bus.History("train-abc123def456", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entry := entries[0]
	assert.Equal(t, models.LevelError, entry.Level)
	assert.Equal(t, "resource.oom", entry.ErrorType)
	assert.Equal(t, "CUDA out of memory", entry.Error)
	assert.Equal(t, models.SSEError, entry.SSEName())
}

func TestJobLogger_CancelledPublishesClosingFrame(t *testing.T) {
	jl, bus := newTestJobLogger(t)

	jl.Cancelled()

	entries, err := bus.History("train-abc123def456", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "job.cancelling", entries[0].Event)
	assert.False(t, entries[0].IsTerminalFrame())

	closing := entries[1]
	assert.Equal(t, models.EventTrainingCancelled, closing.Event)
	assert.Equal(t, models.JobStatusCancelled, closing.Status)
	assert.Equal(t, models.StageCancelled, closing.Stage)
	assert.True(t, closing.IsTerminalFrame())
}

// captureBus records exactly what the JobLogger hands to the bus, bypassing
// the Bus's own scrubbing.
type captureBus struct {
	entries []*models.JobLogEntry
}

func (b *captureBus) Publish(ctx context.Context, entry *models.JobLogEntry) error {
	b.entries = append(b.entries, entry)
	return nil
}

func (b *captureBus) Subscribe(jobID string) (<-chan *models.JobLogEntry, func()) {
	return make(chan *models.JobLogEntry), func() {}
}

func (b *captureBus) History(jobID string, limit int) ([]*models.JobLogEntry, error) {
	return b.entries, nil
}

func TestJobLogger_ScrubsSecretsBeforeAnySink(t *testing.T) {
	bus := &captureBus{}
	jl := NewJobLogger(bus, arbor.NewLogger(), "worker", "train-abc123def456", "fe-abc123def456")

	jl.Error("Loaded token hf_abcdEF1234567890", "job.error",
		errors.New("401 unauthorized for hf_abcdEF1234567890"), map[string]interface{}{
			"hf_token": "hf_abcdEF1234567890",
		})

	require.Len(t, bus.entries, 1)
	entry := bus.entries[0]
	assert.NotContains(t, entry.Message, "hf_abcdEF1234567890")
	assert.Contains(t, entry.Message, "hf_***REDACTED***")
	assert.NotContains(t, entry.Error, "hf_abcdEF1234567890")
	assert.Contains(t, entry.Error, "hf_***REDACTED***")
	assert.Equal(t, "hf_***REDACTED***", entry.Fields["hf_token"])
}

func TestJobLogger_ErrorEntry(t *testing.T) {
	jl, bus := newTestJobLogger(t)

	jl.Error("Dataset download failed", "job.error", errors.New("connection refused"), map[string]interface{}{
		"url": "http://example.test/dataset.zip",
	})

	entries, err := bus.History("train-abc123def456", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "connection refused", entries[0].Error)
	assert.Equal(t, "http://example.test/dataset.zip", entries[0].Fields["url"])
}
