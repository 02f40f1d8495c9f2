package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/isengard-ai/isengard/internal/models"
)

// ErrJobNotFound is returned when a job ID has no stored record
var ErrJobNotFound = errors.New("job not found")

// ErrJobTerminal is returned when an update attempts to transition a job that
// is already in a terminal state
var ErrJobTerminal = errors.New("job is already in a terminal state")

// JobFilter narrows List results
type JobFilter struct {
	Type   models.JobType
	Status models.JobStatus
	Limit  int
}

// JobStore persists Job records keyed by ID. Updates go through a patch
// function applied under the store's lock; a patch that moves an already
// terminal job to a different status fails with ErrJobTerminal.
type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	Update(ctx context.Context, id string, patch func(job *models.Job) error) (*models.Job, error)
	UpdateHeartbeat(ctx context.Context, id string) error
	GetStale(ctx context.Context, olderThan time.Duration) ([]*models.Job, error)
	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)
	Close() error
}
