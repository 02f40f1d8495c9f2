package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/isengard-ai/isengard/internal/interfaces"
	"github.com/isengard-ai/isengard/internal/models"
)

// JobRecord is the stored shape of a job. Config is kept as JSON bytes so the
// opaque map round-trips without gob type registration.
type JobRecord struct {
	ID            string `badgerhold:"key"`
	Type          string `badgerhold:"index"`
	Status        string `badgerhold:"index"`
	CorrelationID string
	CharacterID   string
	ConfigJSON    []byte
	ProgressPct   float64
	CurrentStep   int
	TotalSteps    int
	ErrorMessage  string
	ErrorType     string
	RetryCount    int
	ArtifactPath  string
	CreatedAt     time.Time
	StartedAt     *time.Time
	EndedAt       *time.Time
	LastHeartbeat *time.Time
}

// JobStorage is the Badger-backed JobStore. All writes are serialized through
// a single mutex; readers see whole records, never partial updates.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewJobStorage creates a job storage service
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) *JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// Create persists a new job record
func (s *JobStorage) Create(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := toRecord(job)
	if err != nil {
		return err
	}

	if err := s.db.Store().Insert(record.ID, record); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}

	s.logger.Debug().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Msg("Job record created")

	return nil
}

// Get fetches a job by ID
func (s *JobStorage) Get(ctx context.Context, id string) (*models.Job, error) {
	var record JobRecord
	if err := s.db.Store().Get(id, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, interfaces.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return toModel(&record)
}

// List returns jobs matching the filter, newest first
func (s *JobStorage) List(ctx context.Context, filter interfaces.JobFilter) ([]*models.Job, error) {
	var records []JobRecord

	var query *badgerhold.Query
	switch {
	case filter.Type != "" && filter.Status != "":
		query = badgerhold.Where("Type").Eq(string(filter.Type)).And("Status").Eq(string(filter.Status))
	case filter.Type != "":
		query = badgerhold.Where("Type").Eq(string(filter.Type))
	case filter.Status != "":
		query = badgerhold.Where("Status").Eq(string(filter.Status))
	}

	var err error
	if query != nil {
		err = s.db.Store().Find(&records, query)
	} else {
		err = s.db.Store().Find(&records, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}

	jobs := make([]*models.Job, 0, len(records))
	for i := range records {
		job, err := toModel(&records[i])
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", records[i].ID).Msg("Skipping unreadable job record")
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// Update applies a patch function to the job under the store lock. Status
// transitions out of a terminal state are rejected with ErrJobTerminal, which
// makes terminal writes idempotent for the executor. A patch that fails
// against an already terminal record reports ErrJobTerminal too, so callers
// can branch on it with errors.Is regardless of which transition lost the
// race.
func (s *JobStorage) Update(ctx context.Context, id string, patch func(job *models.Job) error) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var record JobRecord
	if err := s.db.Store().Get(id, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, interfaces.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}

	job, err := toModel(&record)
	if err != nil {
		return nil, err
	}

	wasTerminal := job.IsTerminal()
	priorStatus := job.Status

	if err := patch(job); err != nil {
		if wasTerminal {
			return nil, fmt.Errorf("job %s is %s: %w", id, priorStatus, interfaces.ErrJobTerminal)
		}
		return nil, err
	}

	if wasTerminal && job.Status != priorStatus {
		return nil, interfaces.ErrJobTerminal
	}

	updated, err := toRecord(job)
	if err != nil {
		return nil, err
	}

	if err := s.db.Store().Update(id, updated); err != nil {
		return nil, fmt.Errorf("failed to update job %s: %w", id, err)
	}

	return job, nil
}

// UpdateHeartbeat records executor liveness for a running job
func (s *JobStorage) UpdateHeartbeat(ctx context.Context, id string) error {
	_, err := s.Update(ctx, id, func(job *models.Job) error {
		job.Touch()
		return nil
	})
	return err
}

// GetStale returns running jobs whose heartbeat is older than the threshold.
// These are the jobs a crashed worker left behind.
func (s *JobStorage) GetStale(ctx context.Context, olderThan time.Duration) ([]*models.Job, error) {
	var records []JobRecord
	if err := s.db.Store().Find(&records, badgerhold.Where("Status").Eq(string(models.JobStatusRunning))); err != nil {
		return nil, fmt.Errorf("failed to query running jobs: %w", err)
	}

	now := time.Now()
	var stale []*models.Job
	for i := range records {
		job, err := toModel(&records[i])
		if err != nil {
			continue
		}
		if job.HeartbeatAge(now) > olderThan {
			stale = append(stale, job)
		}
	}

	return stale, nil
}

// CountByStatus returns job counts grouped by status
func (s *JobStorage) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	var records []JobRecord
	if err := s.db.Store().Find(&records, nil); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := make(map[models.JobStatus]int)
	for i := range records {
		counts[models.JobStatus(records[i].Status)]++
	}
	return counts, nil
}

// Close is a no-op; the connection is owned by the app
func (s *JobStorage) Close() error {
	return nil
}

func toRecord(job *models.Job) (*JobRecord, error) {
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job config: %w", err)
	}

	record := &JobRecord{
		ID:            job.ID,
		Type:          string(job.Type),
		Status:        string(job.Status),
		CorrelationID: job.CorrelationID,
		CharacterID:   job.CharacterID,
		ConfigJSON:    configJSON,
		ProgressPct:   job.ProgressPct,
		CurrentStep:   job.CurrentStep,
		TotalSteps:    job.TotalSteps,
		ErrorMessage:  job.ErrorMessage,
		ErrorType:     job.ErrorType,
		RetryCount:    job.RetryCount,
		ArtifactPath:  job.ArtifactPath,
		CreatedAt:     job.CreatedAt.Time(),
	}
	if job.StartedAt != nil {
		t := job.StartedAt.Time()
		record.StartedAt = &t
	}
	if job.EndedAt != nil {
		t := job.EndedAt.Time()
		record.EndedAt = &t
	}
	if job.LastHeartbeat != nil {
		t := job.LastHeartbeat.Time()
		record.LastHeartbeat = &t
	}

	return record, nil
}

func toModel(record *JobRecord) (*models.Job, error) {
	var config map[string]interface{}
	if len(record.ConfigJSON) > 0 {
		if err := json.Unmarshal(record.ConfigJSON, &config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config for job %s: %w", record.ID, err)
		}
	}

	job := &models.Job{
		ID:            record.ID,
		Type:          models.JobType(record.Type),
		Status:        models.JobStatus(record.Status),
		CorrelationID: record.CorrelationID,
		CharacterID:   record.CharacterID,
		Config:        config,
		ProgressPct:   record.ProgressPct,
		CurrentStep:   record.CurrentStep,
		TotalSteps:    record.TotalSteps,
		ErrorMessage:  record.ErrorMessage,
		ErrorType:     record.ErrorType,
		RetryCount:    record.RetryCount,
		ArtifactPath:  record.ArtifactPath,
		CreatedAt:     models.Timestamp(record.CreatedAt),
	}
	if record.StartedAt != nil {
		t := models.Timestamp(*record.StartedAt)
		job.StartedAt = &t
	}
	if record.EndedAt != nil {
		t := models.Timestamp(*record.EndedAt)
		job.EndedAt = &t
	}
	if record.LastHeartbeat != nil {
		t := models.Timestamp(*record.LastHeartbeat)
		job.LastHeartbeat = &t
	}

	return job, nil
}
