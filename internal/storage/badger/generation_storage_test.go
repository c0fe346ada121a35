package badger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/testgen/internal/common"
	"github.com/ternarybob/testgen/internal/interfaces"
	"github.com/ternarybob/testgen/internal/models"
)

func newTestStorage(t *testing.T) interfaces.GenerationStorage {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := NewBadgerDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "badger"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewGenerationStorage(db, logger)
}

func TestSaveAndGetJob(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := models.NewGenerationJob("proj-1", "user login", map[string]any{"test_types": []any{"functional"}})
	require.NoError(t, storage.SaveJob(ctx, job))

	loaded, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, loaded.ID)
	assert.Equal(t, "proj-1", loaded.ProjectID)
	assert.Equal(t, "user login", loaded.FeatureName)
	assert.Equal(t, models.JobStatusPending, loaded.Status)
}

func TestSaveJob_UpsertsExisting(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := models.NewGenerationJob("proj-1", "user login", nil)
	require.NoError(t, storage.SaveJob(ctx, job))

	job.MarkProcessing(models.StageGeneratingTests, 60)
	require.NoError(t, storage.SaveJob(ctx, job))

	loaded, err := storage.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, loaded.Status)
	assert.Equal(t, 60, loaded.Progress)
}

func TestSaveJob_Validation(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	assert.Error(t, storage.SaveJob(ctx, nil))
	assert.Error(t, storage.SaveJob(ctx, &models.GenerationJob{}))
}

func TestGetJob_NotFound(t *testing.T) {
	storage := newTestStorage(t)

	_, err := storage.GetJob(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestListJobs_FiltersAndSorts(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	for i, project := range []string{"proj-a", "proj-a", "proj-b"} {
		job := models.NewGenerationJob(project, "feature", nil)
		// Space creation times so the newest-first ordering is deterministic
		job.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		require.NoError(t, storage.SaveJob(ctx, job))
	}

	all, err := storage.ListJobs(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.True(t, all[0].CreatedAt.After(all[1].CreatedAt), "expected newest first")

	projA, err := storage.ListJobs(ctx, &interfaces.GenerationListOptions{ProjectID: "proj-a"})
	require.NoError(t, err)
	assert.Len(t, projA, 2)

	limited, err := storage.ListJobs(ctx, &interfaces.GenerationListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestListJobs_StatusFilter(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	running := models.NewGenerationJob("proj-a", "one", nil)
	require.NoError(t, storage.SaveJob(ctx, running))

	finished := models.NewGenerationJob("proj-a", "two", nil)
	finished.MarkCompleted(map[string]string{"a_test.md": "# A"})
	require.NoError(t, storage.SaveJob(ctx, finished))

	completed, err := storage.ListJobs(ctx, &interfaces.GenerationListOptions{Status: string(models.JobStatusCompleted)})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, finished.ID, completed[0].ID)
}

func TestCountAndDeleteJob(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := models.NewGenerationJob("proj-1", "feature", nil)
	require.NoError(t, storage.SaveJob(ctx, job))

	count, err := storage.CountJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, storage.DeleteJob(ctx, job.ID))

	count, err = storage.CountJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	assert.Error(t, storage.DeleteJob(ctx, job.ID))
}

func TestDeleteTerminalJobsBefore(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	oldDone := models.NewGenerationJob("proj-1", "old done", nil)
	oldDone.MarkCompleted(nil)
	oldDone.UpdatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, storage.SaveJob(ctx, oldDone))

	oldFailed := models.NewGenerationJob("proj-1", "old failed", nil)
	oldFailed.MarkFailed("boom")
	oldFailed.UpdatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, storage.SaveJob(ctx, oldFailed))

	oldRunning := models.NewGenerationJob("proj-1", "old running", nil)
	oldRunning.MarkProcessing(models.StageGeneratingTests, 60)
	oldRunning.UpdatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, storage.SaveJob(ctx, oldRunning))

	freshDone := models.NewGenerationJob("proj-1", "fresh done", nil)
	freshDone.MarkCompleted(nil)
	require.NoError(t, storage.SaveJob(ctx, freshDone))

	deleted, err := storage.DeleteTerminalJobsBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	// Running jobs survive regardless of age
	_, err = storage.GetJob(ctx, oldRunning.ID)
	assert.NoError(t, err)
	_, err = storage.GetJob(ctx, freshDone.ID)
	assert.NoError(t, err)
}
