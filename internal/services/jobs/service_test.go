package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/common"
	"github.com/isengard-ai/isengard/internal/correlation"
	"github.com/isengard-ai/isengard/internal/events"
	"github.com/isengard-ai/isengard/internal/executor"
	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
	badgerstore "github.com/isengard-ai/isengard/internal/storage/badger"
)

type stubPlugin struct {
	validateErr error
}

func (p *stubPlugin) Name() string                                       { return "stub" }
func (p *stubPlugin) Capabilities() models.Capabilities                  { return models.Capabilities{Backend: "stub"} }
func (p *stubPlugin) ValidateConfig(config map[string]interface{}) error { return p.validateErr }
func (p *stubPlugin) Run(ctx context.Context, job *models.Job, logger interfaces.JobLogger, cancel interfaces.CancelToken) (*interfaces.RunResult, error) {
	return nil, errors.New("not used")
}

type stubRegistry struct {
	plugin *stubPlugin
}

func (r *stubRegistry) Get(jobType models.JobType) (interfaces.Plugin, error) {
	return r.plugin, nil
}

func (r *stubRegistry) Capabilities() map[string]models.Capabilities {
	return map[string]models.Capabilities{"training": r.plugin.Capabilities()}
}

type serviceFixture struct {
	service *Service
	store   interfaces.JobStore
	queue   interfaces.EnvelopeQueue
	bus     *events.Bus
	cancels *executor.CancelRegistry
	plugin  *stubPlugin
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()

	cfg := common.DefaultConfig()
	cfg.VolumeRoot = t.TempDir()
	cfg.Logging.Dir = filepath.Join(cfg.VolumeRoot, "logs")
	cfg.Storage.Badger.Ephemeral = true

	logger := arbor.NewLogger()
	db, err := badgerstore.NewBadgerDB(logger, &cfg.Storage.Badger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := badgerstore.NewJobStorage(db, logger)
	queue, err := badgerstore.NewEnvelopeQueue(db, logger, "jobs", time.Minute, 3)
	require.NoError(t, err)
	bus := events.NewBus(filepath.Join(cfg.LogDir(), "jobs"), logger)
	cancels := executor.NewCancelRegistry()
	plugin := &stubPlugin{}

	service := NewService(cfg, store, queue, bus, &stubRegistry{plugin: plugin}, cancels, logger)
	return &serviceFixture{service: service, store: store, queue: queue, bus: bus, cancels: cancels, plugin: plugin}
}

func TestCreate_PersistsAndEnqueues(t *testing.T) {
	f := newFixture(t)
	ctx := correlation.With(context.Background(), "fe-abc123def456")

	job, err := f.service.Create(ctx, models.JobTypeTraining, "char-1", map[string]interface{}{"steps": float64(100)})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(job.ID, "train-"))
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, "fe-abc123def456", job.CorrelationID)
	assert.Equal(t, "char-1", job.CharacterID)

	stored, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(100), stored.Config["steps"])

	delivery, err := f.queue.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, delivery.Envelope.JobID)
	assert.Equal(t, "fe-abc123def456", delivery.Envelope.CorrelationID)
	require.NoError(t, delivery.Ack())

	entries, err := f.bus.History(job.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EventJobQueued, entries[0].Event)
	assert.Equal(t, "api", entries[0].Service)
}

func TestCreate_GeneratesCorrelationIDWhenAbsent(t *testing.T) {
	f := newFixture(t)

	job, err := f.service.Create(context.Background(), models.JobTypeTraining, "char-1", nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(job.CorrelationID, correlation.PrefixAPI+"-"))
	assert.True(t, correlation.Valid(job.CorrelationID))
}

func TestCreate_ValidationFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.plugin.validateErr = &interfaces.ValidationError{Backend: "stub", Parameter: "stpes", Reason: "unknown parameter"}

	_, err := f.service.Create(context.Background(), models.JobTypeTraining, "char-1", map[string]interface{}{"stpes": float64(1)})

	var verr *interfaces.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "stpes", verr.Parameter)

	// Nothing was persisted or enqueued
	result, err := f.service.List(context.Background(), interfaces.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, result.Jobs)
	_, err = f.queue.Receive(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrNoMessage)
}

func TestList_ReturnsCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Create(ctx, models.JobTypeTraining, "char-1", nil)
	require.NoError(t, err)
	_, err = f.service.Create(ctx, models.JobTypeTraining, "char-2", nil)
	require.NoError(t, err)

	_, err = f.store.Update(ctx, first.ID, func(j *models.Job) error {
		return j.MarkStarted()
	})
	require.NoError(t, err)

	result, err := f.service.List(ctx, interfaces.JobFilter{Type: models.JobTypeTraining})
	require.NoError(t, err)
	assert.Len(t, result.Jobs, 2)
	assert.Equal(t, 1, result.Counts[models.JobStatusQueued])
	assert.Equal(t, 1, result.Counts[models.JobStatusRunning])
}

func TestCancel_QueuedJobGoesTerminalWithClosingEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.service.Create(ctx, models.JobTypeTraining, "char-1", nil)
	require.NoError(t, err)

	require.NoError(t, f.service.Cancel(ctx, job.ID))

	cancelled, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	entries, err := f.bus.History(job.ID, 0)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, models.EventTrainingCancelled, last.Event)
}

func TestCancel_RunningJobSetsToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.service.Create(ctx, models.JobTypeTraining, "char-1", nil)
	require.NoError(t, err)
	_, err = f.store.Update(ctx, job.ID, func(j *models.Job) error {
		return j.MarkStarted()
	})
	require.NoError(t, err)

	token := f.cancels.Register(job.ID)
	defer f.cancels.Release(job.ID)

	require.NoError(t, f.service.Cancel(ctx, job.ID))
	assert.True(t, token.IsSet())

	cancelled, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	// The executor owns the terminal event for claimed jobs
	entries, err := f.bus.History(job.ID, 0)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotEqual(t, models.EventTrainingCancelled, entry.Event)
	}
}

func TestCancel_TerminalJobIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.service.Create(ctx, models.JobTypeTraining, "char-1", nil)
	require.NoError(t, err)
	require.NoError(t, f.service.Cancel(ctx, job.ID))

	before, err := f.bus.History(job.ID, 0)
	require.NoError(t, err)

	require.NoError(t, f.service.Cancel(ctx, job.ID))

	after, err := f.bus.History(job.ID, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestCancel_UnknownJob(t *testing.T) {
	f := newFixture(t)
	err := f.service.Cancel(context.Background(), "train-nothere000000")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}
