package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Job submission and snapshots per type
	mux.HandleFunc("/api/training", s.handleTrainingRoutes)
	mux.HandleFunc("/api/training/", s.handleTrainingRoutes)
	mux.HandleFunc("/api/generation", s.handleGenerationRoutes)
	mux.HandleFunc("/api/generation/", s.handleGenerationRoutes)

	// Per-job resources: record, cancel, stream, logs, artifacts, bundle
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes)

	// Service log tail for the dev UI
	mux.HandleFunc("/api/logs/ws", s.app.WSHandler.Serve)

	// System
	mux.HandleFunc("/api/health", s.app.APIHandler.Health)
	mux.HandleFunc("/api/ready", s.app.APIHandler.Ready)
	mux.HandleFunc("/api/info", s.app.APIHandler.Info)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFound)

	return mux
}

func (s *Server) handleTrainingRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/training")
	s.app.TrainingHandler.Route(w, r, strings.Trim(rest, "/"))
}

func (s *Server) handleGenerationRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/generation")
	s.app.GenerationHandler.Route(w, r, strings.Trim(rest, "/"))
}

func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	s.app.JobsHandler.Route(w, r, rest)
}
