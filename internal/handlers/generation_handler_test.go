package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/testgen/internal/interfaces"
	"github.com/ternarybob/testgen/internal/models"
)

// fakeGenerationService is a scriptable GenerationService for handler tests
type fakeGenerationService struct {
	jobs      map[string]*models.GenerationJob
	createErr error
	cancelErr error
}

func newFakeService() *fakeGenerationService {
	return &fakeGenerationService{jobs: make(map[string]*models.GenerationJob)}
}

func (f *fakeGenerationService) Create(_ context.Context, projectID, featureName string, config map[string]any) (*models.GenerationJob, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	job := models.NewGenerationJob(projectID, featureName, config)
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeGenerationService) Get(_ context.Context, jobID string) (*models.GenerationJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	return job, nil
}

func (f *fakeGenerationService) List(_ context.Context, _ *interfaces.GenerationListOptions) ([]*models.GenerationJob, error) {
	var out []*models.GenerationJob
	for _, job := range f.jobs {
		out = append(out, job)
	}
	return out, nil
}

func (f *fakeGenerationService) Cancel(_ context.Context, jobID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if _, ok := f.jobs[jobID]; !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	return nil
}

func newTestHandler() (*GenerationHandler, *fakeGenerationService) {
	service := newFakeService()
	return NewGenerationHandler(service, arbor.NewLogger()), service
}

func TestCreateHandler(t *testing.T) {
	handler, _ := newTestHandler()

	body := `{"project_id":"proj-1","feature_name":"user login","config":{"test_types":["functional"]}}`
	req := httptest.NewRequest(http.MethodPost, "/api/generations", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.CreateHandler(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var job models.GenerationJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.JobStatusPending, job.Status)
}

func TestCreateHandler_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing project", `{"feature_name":"login"}`},
		{"missing feature", `{"project_id":"proj-1"}`},
		{"feature too long", fmt.Sprintf(`{"project_id":"proj-1","feature_name":%q}`, strings.Repeat("x", 201))},
		{"malformed body", `{"project_id":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _ := newTestHandler()
			req := httptest.NewRequest(http.MethodPost, "/api/generations", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			handler.CreateHandler(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCreateHandler_MethodNotAllowed(t *testing.T) {
	handler, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/api/generations", nil)
	rec := httptest.NewRecorder()

	handler.CreateHandler(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGetHandler(t *testing.T) {
	handler, service := newTestHandler()
	job, _ := service.Create(context.Background(), "proj-1", "login", nil)
	job.MarkProcessing(models.StageGeneratingTests, 60)

	req := httptest.NewRequest(http.MethodGet, "/api/generations/"+job.ID, nil)
	rec := httptest.NewRecorder()

	handler.GetHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var loaded models.GenerationJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loaded))
	assert.Equal(t, job.ID, loaded.ID)
	assert.Equal(t, 60, loaded.Progress)
}

func TestGetHandler_NotFound(t *testing.T) {
	handler, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/api/generations/missing", nil)
	rec := httptest.NewRecorder()

	handler.GetHandler(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListHandler(t *testing.T) {
	handler, service := newTestHandler()
	service.Create(context.Background(), "proj-1", "one", nil)
	service.Create(context.Background(), "proj-1", "two", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/generations?project_id=proj-1", nil)
	rec := httptest.NewRecorder()

	handler.ListHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Generations []models.GenerationJob `json:"generations"`
		Limit       int                    `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Generations, 2)
	assert.Equal(t, 50, resp.Limit)
}

func TestCancelHandler(t *testing.T) {
	handler, service := newTestHandler()
	job, _ := service.Create(context.Background(), "proj-1", "login", nil)

	req := httptest.NewRequest(http.MethodPost, "/api/generations/"+job.ID+"/cancel", nil)
	rec := httptest.NewRecorder()

	handler.CancelHandler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCancelHandler_Conflict(t *testing.T) {
	handler, service := newTestHandler()
	job, _ := service.Create(context.Background(), "proj-1", "login", nil)
	service.cancelErr = fmt.Errorf("job already finished: %s", job.ID)

	req := httptest.NewRequest(http.MethodPost, "/api/generations/"+job.ID+"/cancel", nil)
	rec := httptest.NewRecorder()

	handler.CancelHandler(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDownloadHandler(t *testing.T) {
	handler, service := newTestHandler()
	job, _ := service.Create(context.Background(), "proj-1", "login", nil)
	job.MarkCompleted(map[string]string{
		"login_functional_test.md": "# Functional",
		"login_edge_test.md":       "# Edge",
	})

	req := httptest.NewRequest(http.MethodGet, "/api/generations/"+job.ID+"/download", nil)
	rec := httptest.NewRecorder()

	handler.DownloadHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))

	reader, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	require.Len(t, reader.File, 2)

	contents := make(map[string]string)
	for _, file := range reader.File {
		rc, err := file.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		contents[file.Name] = string(data)
	}
	assert.Equal(t, "# Functional", contents["login_functional_test.md"])
	assert.Equal(t, "# Edge", contents["login_edge_test.md"])
}

func TestDownloadHandler_NotFinished(t *testing.T) {
	handler, service := newTestHandler()
	job, _ := service.Create(context.Background(), "proj-1", "login", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/generations/"+job.ID+"/download", nil)
	rec := httptest.NewRecorder()

	handler.DownloadHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPathSegment(t *testing.T) {
	assert.Equal(t, "generations", pathSegment("/api/generations/abc", 1))
	assert.Equal(t, "abc", pathSegment("/api/generations/abc", 2))
	assert.Equal(t, "cancel", pathSegment("/api/generations/abc/cancel", 3))
	assert.Equal(t, "", pathSegment("/api/generations", 2))
}
