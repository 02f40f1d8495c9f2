// Package scheduler hosts the cron-driven janitor that sweeps jobs a crashed
// worker left in running state.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/common"
	"github.com/isengard-ai/isengard/internal/events"
	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
)

// Janitor periodically marks running jobs without a recent heartbeat as
// failed with error_type worker.crash and publishes their terminal event, so
// a crash never strands a job in running forever.
type Janitor struct {
	cfg    *common.Config
	store  interfaces.JobStore
	bus    interfaces.EventBus
	logger arbor.ILogger
	cron   *cron.Cron
}

// NewJanitor creates the stale-job sweeper
func NewJanitor(cfg *common.Config, store interfaces.JobStore, bus interfaces.EventBus, logger arbor.ILogger) *Janitor {
	return &Janitor{
		cfg:    cfg,
		store:  store,
		bus:    bus,
		logger: logger,
		cron:   cron.New(),
	}
}

// Start schedules the sweep
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.cfg.Executor.SweepSchedule, j.Sweep); err != nil {
		return err
	}
	j.cron.Start()

	j.logger.Info().
		Str("schedule", j.cfg.Executor.SweepSchedule).
		Dur("stale_after", j.cfg.Executor.StaleAfterDuration()).
		Msg("Stale job janitor started")

	return nil
}

// Stop halts the cron scheduler
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// Sweep finds and finalizes stale running jobs. Exported so tests and the
// startup path can trigger it directly.
func (j *Janitor) Sweep() {
	stale, err := j.store.GetStale(context.Background(), j.cfg.Executor.StaleAfterDuration())
	if err != nil {
		j.logger.Error().Err(err).Msg("Stale job query failed")
		return
	}

	for _, job := range stale {
		j.logger.Warn().
			Str("job_id", job.ID).
			Dur("heartbeat_age", job.HeartbeatAge(time.Now())).
			Msg("Marking stale running job as crashed")

		if _, err := j.store.Update(context.Background(), job.ID, func(record *models.Job) error {
			return record.MarkFailed("worker heartbeat lost", "worker.crash")
		}); err != nil {
			if !errors.Is(err, interfaces.ErrJobTerminal) {
				j.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to finalize crashed job")
			}
			continue
		}

		jl := events.NewJobLogger(j.bus, j.logger.WithCorrelationId(job.CorrelationID), "worker", job.ID, job.CorrelationID)
		jl.SetStatus(models.JobStatusRunning)
		jl.Failed("worker heartbeat lost", "worker.crash", "")
	}
}
