// -----------------------------------------------------------------------
// Generation job - persisted record for one asynchronous test generation
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a generation job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsValid reports whether s is a recognized status value.
// Unknown values are rejected rather than passed through (fail closed).
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is a final state that can never be left
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Generation stages, in execution order. Stage names travel on the wire
// verbatim so the UI can label progress.
const (
	StageInitializing      = "initializing"
	StageExtractingContext = "extracting_context"
	StageGeneratingTests   = "generating_tests"
	StageSavingFiles       = "saving_files"
	StageCompleted         = "completed"
)

// GenerationJob is the authoritative server-side record of one generation.
// The REST poll endpoint returns it as-is; the stream carries incremental
// ProgressEvent frames derived from its transitions.
type GenerationJob struct {
	ID          string            `json:"id" badgerhold:"key"`
	ProjectID   string            `json:"project_id" badgerholdIndex:"ProjectID"`
	FeatureName string            `json:"feature_name"`
	Config      map[string]any    `json:"config"`
	Status      JobStatus         `json:"status"`
	Stage       string            `json:"stage,omitempty"`
	Progress    int               `json:"progress"`
	Files       map[string]string `json:"generated_files,omitempty"`
	Error       string            `json:"error_message,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NewGenerationJob creates a pending job for a project feature
func NewGenerationJob(projectID, featureName string, config map[string]any) *GenerationJob {
	if config == nil {
		config = make(map[string]any)
	}
	now := time.Now()
	return &GenerationJob{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		FeatureName: featureName,
		Config:      config,
		Status:      JobStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// MarkProcessing moves the job into a stage with the given progress percent
func (j *GenerationJob) MarkProcessing(stage string, progress int) {
	j.Status = JobStatusProcessing
	j.Stage = stage
	j.Progress = progress
	j.UpdatedAt = time.Now()
}

// MarkCompleted records the generated files and finishes the job.
// Files are set exactly once; completion is a terminal transition.
func (j *GenerationJob) MarkCompleted(files map[string]string) {
	j.Status = JobStatusCompleted
	j.Stage = StageCompleted
	j.Progress = 100
	j.Files = files
	j.UpdatedAt = time.Now()
}

// MarkFailed finishes the job with an error message
func (j *GenerationJob) MarkFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.Error = errorMsg
	j.UpdatedAt = time.Now()
}

// IsTerminal returns true if the job is in a terminal state
func (j *GenerationJob) IsTerminal() bool {
	return j.Status.IsTerminal()
}
