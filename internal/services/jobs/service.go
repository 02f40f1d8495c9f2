// Package jobs implements the job lifecycle service behind the HTTP handlers:
// create with backend validation, list with status counts, idempotent cancel.
package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/isengard-ai/isengard/internal/common"
	"github.com/isengard-ai/isengard/internal/correlation"
	"github.com/isengard-ai/isengard/internal/events"
	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
)

// Service owns job creation and lifecycle transitions driven from the API side
type Service struct {
	cfg     *common.Config
	store   interfaces.JobStore
	queue   interfaces.EnvelopeQueue
	bus     interfaces.EventBus
	plugins interfaces.PluginRegistry
	cancels interfaces.CancelRegistry
	logger  arbor.ILogger
}

// NewService creates the job service
func NewService(cfg *common.Config, store interfaces.JobStore, queue interfaces.EnvelopeQueue, bus interfaces.EventBus, plugins interfaces.PluginRegistry, cancels interfaces.CancelRegistry, logger arbor.ILogger) *Service {
	return &Service{
		cfg:     cfg,
		store:   store,
		queue:   queue,
		bus:     bus,
		plugins: plugins,
		cancels: cancels,
		logger:  logger,
	}
}

// ListResult is a page of jobs plus the global status counts
type ListResult struct {
	Jobs   []*models.Job            `json:"jobs"`
	Counts map[models.JobStatus]int `json:"counts"`
}

// Create validates the config against the backend's capabilities, persists the
// job, publishes its queued event, and enqueues it for the executor.
func (s *Service) Create(ctx context.Context, jobType models.JobType, characterID string, config map[string]interface{}) (*models.Job, error) {
	plugin, err := s.plugins.Get(jobType)
	if err != nil {
		return nil, err
	}
	if err := plugin.ValidateConfig(config); err != nil {
		return nil, err
	}

	correlationID := s.correlationID(ctx)
	job := models.NewJob(common.NewJobID(jobType.IDPrefix()), jobType, correlationID, characterID, config)

	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	jl := events.NewJobLogger(s.bus, s.logger.WithCorrelationId(correlationID), "api", job.ID, correlationID)
	jl.Info("Job accepted", models.EventJobQueued, map[string]interface{}{
		"type":    string(jobType),
		"backend": plugin.Name(),
	})

	if err := s.queue.Enqueue(ctx, models.Envelope{
		JobID:         job.ID,
		CorrelationID: correlationID,
		EnqueuedAt:    job.CreatedAt.Time(),
	}); err != nil {
		if _, markErr := s.store.Update(ctx, job.ID, func(record *models.Job) error {
			return record.MarkFailed("failed to enqueue job", "queue.enqueue_failed")
		}); markErr != nil {
			s.logger.Error().Err(markErr).Str("job_id", job.ID).Msg("Failed to mark unenqueued job as failed")
		}
		return nil, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("type", string(jobType)).
		Str("correlation_id", correlationID).
		Msg("Job created")

	return job, nil
}

// Get returns a job by ID
func (s *Service) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.store.Get(ctx, id)
}

// List returns jobs matching the filter, newest first, with status counts
// computed across all jobs of that type.
func (s *Service) List(ctx context.Context, filter interfaces.JobFilter) (*ListResult, error) {
	jobs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	return &ListResult{Jobs: jobs, Counts: counts}, nil
}

// Cancel requests cancellation. Queued jobs go terminal immediately and their
// envelope is discarded on delivery; running jobs get their cancel token set
// and the executor finalizes them. Cancelling a job that is already terminal
// is a no-op so clients can retry safely.
func (s *Service) Cancel(ctx context.Context, id string) error {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if job.IsTerminal() {
		return nil
	}

	jl := events.NewJobLogger(s.bus, s.logger.WithCorrelationId(job.CorrelationID), "api", job.ID, job.CorrelationID)
	jl.SetStatus(job.Status)
	jl.Info("Cancellation requested", models.EventJobCancelRequest, nil)

	wasQueued := job.Status == models.JobStatusQueued

	if _, err := s.store.Update(ctx, id, func(record *models.Job) error {
		return record.MarkCancelled()
	}); err != nil {
		// The job went terminal between the read and the update
		if errors.Is(err, interfaces.ErrJobTerminal) {
			return nil
		}
		return err
	}

	s.cancels.Cancel(id)

	// A job cancelled before any worker claimed it never reaches the
	// executor's terminal publish path, so close its stream here.
	if wasQueued {
		jl.Cancelled()
	}

	s.logger.Info().Str("job_id", id).Msg("Job cancelled")
	return nil
}

func (s *Service) correlationID(ctx context.Context) string {
	if id := correlation.Get(ctx); id != "" {
		return id
	}
	return correlation.Generate(correlation.PrefixAPI)
}
