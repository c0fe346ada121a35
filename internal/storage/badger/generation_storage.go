package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/testgen/internal/interfaces"
	"github.com/ternarybob/testgen/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// GenerationStorage implements interfaces.GenerationStorage on Badger
type GenerationStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewGenerationStorage creates a new GenerationStorage instance
func NewGenerationStorage(db *BadgerDB, logger arbor.ILogger) interfaces.GenerationStorage {
	return &GenerationStorage{
		db:     db,
		logger: logger,
	}
}

func (s *GenerationStorage) SaveJob(ctx context.Context, job *models.GenerationJob) error {
	if job == nil {
		return fmt.Errorf("job is required")
	}
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *GenerationStorage) GetJob(ctx context.Context, jobID string) (*models.GenerationJob, error) {
	var job models.GenerationJob
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job not found: %s", jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *GenerationStorage) ListJobs(ctx context.Context, opts *interfaces.GenerationListOptions) ([]*models.GenerationJob, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.ProjectID != "" {
			query = query.And("ProjectID").Eq(opts.ProjectID)
		}
		if opts.Status != "" {
			query = query.And("Status").Eq(models.JobStatus(opts.Status))
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}
	query = query.SortBy("CreatedAt").Reverse()

	var jobs []models.GenerationJob
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.GenerationJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *GenerationStorage) CountJobs(ctx context.Context) (int, error) {
	count, err := s.db.Store().Count(&models.GenerationJob{}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

func (s *GenerationStorage) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.db.Store().Delete(jobID, &models.GenerationJob{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("job not found: %s", jobID)
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// DeleteTerminalJobsBefore removes completed and failed jobs last updated
// before the cutoff. Running jobs are never touched.
func (s *GenerationStorage) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var stale []models.GenerationJob
	query := badgerhold.Where("Status").In(models.JobStatusCompleted, models.JobStatusFailed).
		And("UpdatedAt").Lt(cutoff)
	if err := s.db.Store().Find(&stale, query); err != nil {
		return 0, fmt.Errorf("failed to find stale jobs: %w", err)
	}

	deleted := 0
	for i := range stale {
		if err := s.db.Store().Delete(stale[i].ID, &models.GenerationJob{}); err != nil {
			s.logger.Warn().Err(err).Str("job_id", stale[i].ID).Msg("Failed to delete stale job")
			continue
		}
		deleted++
	}
	return deleted, nil
}
