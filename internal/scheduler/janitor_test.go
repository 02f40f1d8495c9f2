package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/common"
	"github.com/isengard-ai/isengard/internal/events"
	"github.com/isengard-ai/isengard/internal/models"
	badgerstore "github.com/isengard-ai/isengard/internal/storage/badger"
)

func newTestJanitor(t *testing.T) (*Janitor, *badgerstore.JobStorage, *events.Bus) {
	t.Helper()

	cfg := common.DefaultConfig()
	cfg.VolumeRoot = t.TempDir()
	cfg.Logging.Dir = filepath.Join(cfg.VolumeRoot, "logs")
	cfg.Storage.Badger.Ephemeral = true
	cfg.Executor.StaleAfter = "100ms"

	logger := arbor.NewLogger()
	db, err := badgerstore.NewBadgerDB(logger, &cfg.Storage.Badger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := badgerstore.NewJobStorage(db, logger)
	bus := events.NewBus(filepath.Join(cfg.LogDir(), "jobs"), logger)

	return NewJanitor(cfg, store, bus, logger), store, bus
}

func startedJob(t *testing.T, store *badgerstore.JobStorage, id string, heartbeatAge time.Duration) {
	t.Helper()
	ctx := context.Background()

	job := models.NewJob(id, models.JobTypeTraining, "fe-abc123def456", "char-1", nil)
	require.NoError(t, store.Create(ctx, job))
	_, err := store.Update(ctx, id, func(j *models.Job) error {
		if err := j.MarkStarted(); err != nil {
			return err
		}
		stamp := models.Timestamp(time.Now().Add(-heartbeatAge))
		j.LastHeartbeat = &stamp
		return nil
	})
	require.NoError(t, err)
}

func TestSweep_FailsStaleRunningJobs(t *testing.T) {
	janitor, store, bus := newTestJanitor(t)
	ctx := context.Background()

	startedJob(t, store, "train-aaa111aaa111", time.Hour)

	janitor.Sweep()

	job, err := store.Get(ctx, "train-aaa111aaa111")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "worker.crash", job.ErrorType)
	assert.Equal(t, "worker heartbeat lost", job.ErrorMessage)

	entries, err := bus.History("train-aaa111aaa111", 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, models.EventTrainingFailed, last.Event)
	assert.Equal(t, "fe-abc123def456", last.CorrelationID)
}

func TestSweep_LeavesFreshAndQueuedJobsAlone(t *testing.T) {
	janitor, store, _ := newTestJanitor(t)
	ctx := context.Background()

	startedJob(t, store, "train-aaa111aaa111", 0)

	queued := models.NewJob("train-bbb222bbb222", models.JobTypeTraining, "fe-abc123def456", "char-1", nil)
	require.NoError(t, store.Create(ctx, queued))

	janitor.Sweep()

	fresh, err := store.Get(ctx, "train-aaa111aaa111")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, fresh.Status)

	still, err := store.Get(ctx, "train-bbb222bbb222")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, still.Status)
}

func TestSweep_Idempotent(t *testing.T) {
	janitor, store, bus := newTestJanitor(t)

	startedJob(t, store, "train-aaa111aaa111", time.Hour)

	janitor.Sweep()
	janitor.Sweep()

	job, err := store.Get(context.Background(), "train-aaa111aaa111")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)

	entries, err := bus.History("train-aaa111aaa111", 0)
	require.NoError(t, err)

	failures := 0
	for _, entry := range entries {
		if entry.Event == models.EventTrainingFailed {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}
