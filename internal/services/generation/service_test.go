package generation

import (
	"archive/zip"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/testgen/internal/interfaces"
	"github.com/ternarybob/testgen/internal/models"
	"github.com/ternarybob/testgen/internal/services/events"
)

// memoryStorage is an in-memory GenerationStorage for service tests
type memoryStorage struct {
	mu   sync.Mutex
	jobs map[string]models.GenerationJob
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{jobs: make(map[string]models.GenerationJob)}
}

func (m *memoryStorage) SaveJob(_ context.Context, job *models.GenerationJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memoryStorage) GetJob(_ context.Context, jobID string) (*models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	out := job
	return &out, nil
}

func (m *memoryStorage) ListJobs(_ context.Context, opts *interfaces.GenerationListOptions) ([]*models.GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.GenerationJob
	for _, job := range m.jobs {
		if opts != nil && opts.ProjectID != "" && job.ProjectID != opts.ProjectID {
			continue
		}
		j := job
		out = append(out, &j)
	}
	return out, nil
}

func (m *memoryStorage) CountJobs(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs), nil
}

func (m *memoryStorage) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}

func (m *memoryStorage) DeleteTerminalJobsBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, job := range m.jobs {
		if job.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

// slowGenerator blocks until its context is cancelled, for cancel tests
type slowGenerator struct{}

func (slowGenerator) Generate(ctx context.Context, _ *models.GenerationJob) (map[string]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type progressRecorder struct {
	mu      sync.Mutex
	updates []ProgressUpdate
}

func (r *progressRecorder) attach(t *testing.T, svc interfaces.EventService) {
	t.Helper()
	err := svc.Subscribe(interfaces.EventGenerationProgress, func(_ context.Context, event interfaces.Event) error {
		update, ok := event.Payload.(*ProgressUpdate)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", event.Payload)
		}
		r.mu.Lock()
		r.updates = append(r.updates, *update)
		r.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
}

func (r *progressRecorder) snapshot() []ProgressUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProgressUpdate, len(r.updates))
	copy(out, r.updates)
	return out
}

func waitForStatus(t *testing.T, storage interfaces.GenerationStorage, jobID string, status models.JobStatus) *models.GenerationJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := storage.GetJob(context.Background(), jobID)
		if err == nil && job.Status == status {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, status)
	return nil
}

func TestServiceCreate_RunsToCompletion(t *testing.T) {
	storage := newMemoryStorage()
	eventService := events.NewService(arbor.NewLogger())
	recorder := &progressRecorder{}
	recorder.attach(t, eventService)

	service := NewService(storage, eventService, NewTemplateGenerator(), arbor.NewLogger())

	job, err := service.Create(context.Background(), "proj-1", "user login", nil)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.NotEmpty(t, job.ID)

	final := waitForStatus(t, storage, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 100, final.Progress)
	assert.NotEmpty(t, final.Files)

	updates := recorder.snapshot()
	require.GreaterOrEqual(t, len(updates), 5)

	// Stage ladder arrives in order and progress never goes backwards
	lastProgress := -1
	for _, update := range updates {
		assert.GreaterOrEqual(t, update.Progress, lastProgress,
			"progress went backwards at stage %s", update.Stage)
		lastProgress = update.Progress
	}

	last := updates[len(updates)-1]
	assert.Equal(t, models.JobStatusCompleted, last.Status)
	assert.Equal(t, 100, last.Progress)
	assert.NotEmpty(t, last.Files)
}

func TestServiceCreate_Validation(t *testing.T) {
	storage := newMemoryStorage()
	service := NewService(storage, events.NewService(arbor.NewLogger()), NewTemplateGenerator(), arbor.NewLogger())

	_, err := service.Create(context.Background(), "", "feature", nil)
	assert.Error(t, err)

	_, err = service.Create(context.Background(), "proj-1", "", nil)
	assert.Error(t, err)

	count, _ := storage.CountJobs(context.Background())
	assert.Zero(t, count, "rejected jobs must not be persisted")
}

func TestServiceCancel_MarksJobFailed(t *testing.T) {
	storage := newMemoryStorage()
	eventService := events.NewService(arbor.NewLogger())
	service := NewService(storage, eventService, slowGenerator{}, arbor.NewLogger())

	job, err := service.Create(context.Background(), "proj-1", "user login", nil)
	require.NoError(t, err)

	// Let the run loop get past the stage ladder into the generator
	waitForStatus(t, storage, job.ID, models.JobStatusProcessing)

	require.NoError(t, service.Cancel(context.Background(), job.ID))

	final := waitForStatus(t, storage, job.ID, models.JobStatusFailed)
	assert.Contains(t, final.Error, "cancelled")
}

func TestServiceCancel_UnknownJob(t *testing.T) {
	storage := newMemoryStorage()
	service := NewService(storage, events.NewService(arbor.NewLogger()), NewTemplateGenerator(), arbor.NewLogger())

	err := service.Cancel(context.Background(), "missing")
	assert.Error(t, err)
}

func TestServiceCancel_TerminalJob(t *testing.T) {
	storage := newMemoryStorage()
	service := NewService(storage, events.NewService(arbor.NewLogger()), NewTemplateGenerator(), arbor.NewLogger())

	job, err := service.Create(context.Background(), "proj-1", "user login", nil)
	require.NoError(t, err)
	waitForStatus(t, storage, job.ID, models.JobStatusCompleted)

	err = service.Cancel(context.Background(), job.ID)
	assert.Error(t, err)
}

func TestServiceCreate_MaxInFlight(t *testing.T) {
	storage := newMemoryStorage()
	eventService := events.NewService(arbor.NewLogger())
	service := NewService(storage, eventService, NewTemplateGenerator(), arbor.NewLogger(), WithMaxInFlight(1))

	first, err := service.Create(context.Background(), "proj-1", "feature one", nil)
	require.NoError(t, err)
	second, err := service.Create(context.Background(), "proj-1", "feature two", nil)
	require.NoError(t, err)

	waitForStatus(t, storage, first.ID, models.JobStatusCompleted)
	waitForStatus(t, storage, second.ID, models.JobStatusCompleted)
}

func TestServiceCreate_WritesArchiveToOutputDir(t *testing.T) {
	storage := newMemoryStorage()
	eventService := events.NewService(arbor.NewLogger())
	outputDir := t.TempDir()
	service := NewService(storage, eventService, NewTemplateGenerator(), arbor.NewLogger(),
		WithOutputDir(outputDir))

	job, err := service.Create(context.Background(), "proj-1", "Login Flow", nil)
	require.NoError(t, err)
	waitForStatus(t, storage, job.ID, models.JobStatusCompleted)

	archivePath := filepath.Join(outputDir, fmt.Sprintf("generation_%s.zip", job.ID))
	// The archive is written after the completion event, so allow a moment
	var zr *zip.ReadCloser
	deadline := time.Now().Add(2 * time.Second)
	for {
		zr, err = zip.OpenReader(archivePath)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err, "expected completed generation to be archived")
	defer zr.Close()

	final, err := storage.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, final.Files)
	assert.Len(t, zr.File, len(final.Files))
	for _, f := range zr.File {
		_, ok := final.Files[f.Name]
		assert.True(t, ok, "archive entry %s not among generated files", f.Name)
	}
}
