package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route - one stream per generation job
	mux.HandleFunc("/ws/generation/", s.app.StreamHandler.HandleStream)

	// API routes - Generations
	mux.HandleFunc("/api/generations", s.handleGenerationsRoute)
	mux.HandleFunc("/api/generations/", s.handleGenerationRoutes)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleGenerationsRoute dispatches /api/generations by method
func (s *Server) handleGenerationsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.GenerationHandler.ListHandler(w, r)
	case http.MethodPost:
		s.app.GenerationHandler.CreateHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleGenerationRoutes dispatches /api/generations/{id} and subpaths
func (s *Server) handleGenerationRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// POST /api/generations/{id}/cancel
	if r.Method == http.MethodPost && strings.HasSuffix(path, "/cancel") {
		s.app.GenerationHandler.CancelHandler(w, r)
		return
	}

	// GET /api/generations/{id}/download
	if r.Method == http.MethodGet && strings.HasSuffix(path, "/download") {
		s.app.GenerationHandler.DownloadHandler(w, r)
		return
	}

	// GET /api/generations/{id}
	if r.Method == http.MethodGet {
		s.app.GenerationHandler.GetHandler(w, r)
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}
