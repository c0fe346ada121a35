package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/testgen/internal/models"
)

// GenerationListOptions filters and pages job listings
type GenerationListOptions struct {
	ProjectID string
	Status    string
	Limit     int
	Offset    int
}

// GenerationStorage persists generation job records
type GenerationStorage interface {
	SaveJob(ctx context.Context, job *models.GenerationJob) error
	GetJob(ctx context.Context, jobID string) (*models.GenerationJob, error)
	ListJobs(ctx context.Context, opts *GenerationListOptions) ([]*models.GenerationJob, error)
	CountJobs(ctx context.Context) (int, error)
	DeleteJob(ctx context.Context, jobID string) error
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// GenerationService owns the generation job lifecycle
type GenerationService interface {
	// Create persists a pending job and starts its background execution
	Create(ctx context.Context, projectID, featureName string, config map[string]any) (*models.GenerationJob, error)

	// Get returns the current record for a job (the poll path)
	Get(ctx context.Context, jobID string) (*models.GenerationJob, error)

	// List returns jobs for a project, newest first
	List(ctx context.Context, opts *GenerationListOptions) ([]*models.GenerationJob, error)

	// Cancel requests termination of a running job. Terminal jobs are left as-is.
	Cancel(ctx context.Context, jobID string) error
}

// Generator produces test files for a feature. The real implementation calls
// an LLM; it is injected so the job lifecycle stays testable offline.
type Generator interface {
	Generate(ctx context.Context, job *models.GenerationJob) (map[string]string, error)
}
