package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route (job_updates / batch_completed stream)
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - batch submission
	mux.HandleFunc("/api/jobs/wire-reconstruction", s.app.SubmitHandler.SubmitWireReconstruction)
	mux.HandleFunc("/api/jobs/reconstruction", s.app.SubmitHandler.SubmitReconstruction)
	mux.HandleFunc("/api/jobs/peak-indexing", s.app.SubmitHandler.SubmitPeakIndexing)

	// API routes - job lifecycle
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // GET /{id}, POST /{id}/cancel

	// API routes - queue and worker observability
	mux.HandleFunc("/api/queue/stats", s.app.QueueHandler.StatsHandler)
	mux.HandleFunc("/api/queue/active", s.app.QueueHandler.ActiveHandler)
	mux.HandleFunc("/api/queue/status/", s.app.QueueHandler.EntryStatusHandler)
	mux.HandleFunc("/api/queue/cancel/", s.app.QueueHandler.CancelEntryHandler)
	mux.HandleFunc("/api/workers", s.app.QueueHandler.WorkersHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	return mux
}

// handleJobRoutes dispatches /api/jobs/{id} and /api/jobs/{id}/cancel.
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/cancel") {
		s.app.JobHandler.CancelJobHandler(w, r)
		return
	}
	s.app.JobHandler.GetJobStatusHandler(w, r)
}
