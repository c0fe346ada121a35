package generation

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/testgen/internal/interfaces"
	"github.com/ternarybob/testgen/internal/models"
)

// ProgressUpdate is the payload published on EventGenerationProgress.
// Field names match the wire format streamed to dashboard clients:
// status, stage, progress, error, files.
type ProgressUpdate struct {
	JobID    string            `json:"-"`
	Status   models.JobStatus  `json:"status"`
	Stage    string            `json:"stage,omitempty"`
	Progress int               `json:"progress,omitempty"`
	Error    string            `json:"error,omitempty"`
	Files    map[string]string `json:"files,omitempty"`
}

// Service owns generation job execution: it persists lifecycle transitions
// and publishes a progress event for each one. Events for one job are
// published synchronously so downstream consumers observe them in order.
type Service struct {
	storage    interfaces.GenerationStorage
	events     interfaces.EventService
	generator  interfaces.Generator
	logger     arbor.ILogger
	stageDelay time.Duration
	outputDir  string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	slots   chan struct{}
}

// Option configures the service
type Option func(*Service)

// WithStageDelay inserts a pause between lifecycle stages. Useful in
// development to make progress visible in the UI.
func WithStageDelay(d time.Duration) Option {
	return func(s *Service) { s.stageDelay = d }
}

// WithOutputDir sets the directory where completed generations are packaged
// as zip archives. Empty disables archiving.
func WithOutputDir(dir string) Option {
	return func(s *Service) { s.outputDir = dir }
}

// WithMaxInFlight bounds the number of concurrently running generations
func WithMaxInFlight(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.slots = make(chan struct{}, n)
		}
	}
}

// NewService creates a generation service
func NewService(storage interfaces.GenerationStorage, events interfaces.EventService, generator interfaces.Generator, logger arbor.ILogger, opts ...Option) *Service {
	s := &Service{
		storage:   storage,
		events:    events,
		generator: generator,
		logger:    logger,
		cancels:   make(map[string]context.CancelFunc),
		slots:     make(chan struct{}, 4),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create persists a pending job and starts its background execution
func (s *Service) Create(ctx context.Context, projectID, featureName string, config map[string]any) (*models.GenerationJob, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}
	if featureName == "" {
		return nil, fmt.Errorf("feature name is required")
	}

	job := models.NewGenerationJob(projectID, featureName, config)
	if err := s.storage.SaveJob(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("project_id", projectID).
		Str("feature", featureName).
		Msg("Generation job created")

	s.events.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventGenerationCreated,
		Payload: job,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[job.ID] = cancel
	s.mu.Unlock()

	go s.run(runCtx, job.ID)

	return job, nil
}

// Get returns the current record for a job (the poll path)
func (s *Service) Get(ctx context.Context, jobID string) (*models.GenerationJob, error) {
	return s.storage.GetJob(ctx, jobID)
}

// List returns jobs for a project, newest first
func (s *Service) List(ctx context.Context, opts *interfaces.GenerationListOptions) ([]*models.GenerationJob, error) {
	return s.storage.ListJobs(ctx, opts)
}

// Cancel requests termination of a running job. Cancelling a terminal or
// unknown job is an error; cancelling twice is not.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return fmt.Errorf("job already finished: %s", jobID)
	}

	s.mu.Lock()
	cancel, ok := s.cancels[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Shutdown cancels all running jobs
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
}

// run drives a job through its stage ladder. Each transition is persisted
// before the matching progress event is published, so a poll after any
// event can never observe older state than the stream did.
func (s *Service) run(ctx context.Context, jobID string) {
	defer func() {
		s.mu.Lock()
		delete(s.cancels, jobID)
		s.mu.Unlock()
	}()

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		s.fail(jobID, "generation cancelled before start")
		return
	}

	stages := []struct {
		name     string
		progress int
	}{
		{models.StageInitializing, 10},
		{models.StageExtractingContext, 30},
		{models.StageGeneratingTests, 60},
	}

	var job *models.GenerationJob
	for _, stage := range stages {
		if ctx.Err() != nil {
			s.fail(jobID, "generation cancelled")
			return
		}

		var err error
		job, err = s.storage.GetJob(ctx, jobID)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", jobID).Msg("Job disappeared during execution")
			return
		}

		job.MarkProcessing(stage.name, stage.progress)
		if err := s.storage.SaveJob(ctx, job); err != nil {
			s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to persist stage transition")
		}
		s.publishProgress(ctx, job, nil)

		if s.stageDelay > 0 {
			select {
			case <-time.After(s.stageDelay):
			case <-ctx.Done():
				s.fail(jobID, "generation cancelled")
				return
			}
		}
	}

	files, err := s.generator.Generate(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			s.fail(jobID, "generation cancelled")
		} else {
			s.fail(jobID, err.Error())
		}
		return
	}

	job.MarkProcessing(models.StageSavingFiles, 90)
	if err := s.storage.SaveJob(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to persist stage transition")
	}
	s.publishProgress(ctx, job, nil)

	job.MarkCompleted(files)
	if err := s.storage.SaveJob(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to persist completion")
	}
	s.publishProgress(ctx, job, files)

	if s.outputDir != "" {
		if err := s.writeArchive(job); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to write generation archive")
		}
	}

	s.logger.Info().
		Str("job_id", jobID).
		Int("files", len(files)).
		Msg("Generation job completed")
}

// fail marks the job failed and publishes the terminal event. Jobs that
// already reached a terminal state are left untouched.
func (s *Service) fail(jobID, errorMsg string) {
	ctx := context.Background()
	job, err := s.storage.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	if job.IsTerminal() {
		return
	}

	job.MarkFailed(errorMsg)
	if err := s.storage.SaveJob(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to persist failure")
	}

	s.logger.Warn().
		Str("job_id", jobID).
		Str("error", errorMsg).
		Msg("Generation job failed")

	s.publishProgress(ctx, job, nil)
}

func (s *Service) publishProgress(ctx context.Context, job *models.GenerationJob, files map[string]string) {
	update := &ProgressUpdate{
		JobID:    job.ID,
		Status:   job.Status,
		Stage:    job.Stage,
		Progress: job.Progress,
		Error:    job.Error,
		Files:    files,
	}

	// Synchronous publish keeps per-job event order intact on the stream
	if err := s.events.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventGenerationProgress,
		Payload: update,
	}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Progress event delivery failed")
	}
}

// writeArchive packages the job's generated files as a zip under the output
// directory, so finished generations survive a database reset
func (s *Service) writeArchive(job *models.GenerationJob) error {
	if err := os.MkdirAll(s.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range job.Files {
		f, err := zw.Create(name)
		if err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", name, err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			return fmt.Errorf("failed to write %s to archive: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}

	path := filepath.Join(s.outputDir, fmt.Sprintf("generation_%s.zip", job.ID))
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return nil
}
