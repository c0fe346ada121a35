package handlers

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/testgen/internal/interfaces"
)

// GenerationHandler handles generation job API requests
type GenerationHandler struct {
	service  interfaces.GenerationService
	logger   arbor.ILogger
	validate *validator.Validate
}

// NewGenerationHandler creates a new generation handler
func NewGenerationHandler(service interfaces.GenerationService, logger arbor.ILogger) *GenerationHandler {
	return &GenerationHandler{
		service:  service,
		logger:   logger,
		validate: validator.New(),
	}
}

// CreateGenerationRequest is the POST body for starting a generation
type CreateGenerationRequest struct {
	ProjectID   string         `json:"project_id" validate:"required"`
	FeatureName string         `json:"feature_name" validate:"required,max=200"`
	Config      map[string]any `json:"config"`
}

// CreateHandler starts a new generation job
// POST /api/generations
func (h *GenerationHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req CreateGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
		return
	}

	job, err := h.service.Create(r.Context(), req.ProjectID, req.FeatureName, req.Config)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create generation job")
		WriteError(w, http.StatusInternalServerError, "Failed to create generation job")
		return
	}

	WriteJSON(w, http.StatusCreated, job)
}

// ListHandler returns a paginated list of generation jobs
// GET /api/generations?project_id=...&status=...&limit=50&offset=0
func (h *GenerationHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	limit := 50
	offset := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil {
			limit = parsed
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil {
			offset = parsed
		}
	}

	opts := &interfaces.GenerationListOptions{
		ProjectID: r.URL.Query().Get("project_id"),
		Status:    r.URL.Query().Get("status"),
		Limit:     limit,
		Offset:    offset,
	}

	jobs, err := h.service.List(r.Context(), opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list generation jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list generation jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"generations": jobs,
		"limit":       limit,
		"offset":      offset,
	})
}

// GetHandler returns a single generation job by ID. This is the poll
// endpoint clients reconcile against when the stream is unavailable.
// GET /api/generations/{id}
func (h *GenerationHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	jobID := pathSegment(r.URL.Path, 2)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Generation ID is required")
		return
	}

	job, err := h.service.Get(r.Context(), jobID)
	if err != nil {
		WriteError(w, http.StatusNotFound, "Generation not found")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// CancelHandler requests termination of a running generation
// POST /api/generations/{id}/cancel
func (h *GenerationHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	jobID := pathSegment(r.URL.Path, 2)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Generation ID is required")
		return
	}

	if err := h.service.Cancel(r.Context(), jobID); err != nil {
		WriteError(w, http.StatusConflict, err.Error())
		return
	}

	WriteSuccess(w, "Cancellation requested")
}

// DownloadHandler streams the generated files as a zip archive
// GET /api/generations/{id}/download
func (h *GenerationHandler) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	jobID := pathSegment(r.URL.Path, 2)
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Generation ID is required")
		return
	}

	job, err := h.service.Get(r.Context(), jobID)
	if err != nil {
		WriteError(w, http.StatusNotFound, "Generation not found")
		return
	}
	if !job.Status.IsTerminal() || len(job.Files) == 0 {
		WriteError(w, http.StatusBadRequest, "Generation not completed")
		return
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range job.Files {
		f, err := zw.Create(name)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "Failed to build archive")
			return
		}
		if _, err := f.Write([]byte(content)); err != nil {
			WriteError(w, http.StatusInternalServerError, "Failed to build archive")
			return
		}
	}
	if err := zw.Close(); err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to build archive")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.FeatureName+"_tests.zip"))
	w.Write(buf.Bytes())
}

// pathSegment returns the nth slash-separated segment of the path (0-indexed)
func pathSegment(path string, n int) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if n >= len(parts) {
		return ""
	}
	return parts[n]
}
