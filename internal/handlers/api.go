package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/beamline-tools/lauerun/internal/common"
	"github.com/beamline-tools/lauerun/internal/store"
)

// APIHandler serves version and health endpoints.
type APIHandler struct {
	db     *store.SQLiteDB
	logger arbor.ILogger
}

// NewAPIHandler creates an API handler.
func NewAPIHandler(db *store.SQLiteDB, logger arbor.ILogger) *APIHandler {
	return &APIHandler{db: db, logger: logger}
}

// VersionHandler handles GET /api/version.
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.Version,
		"build":   common.Build,
		"commit":  common.GitCommit,
	})
}

// HealthHandler handles GET /api/health. Degraded when the job store does not
// respond.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if err := h.db.Ping(r.Context()); err != nil {
		h.logger.Warn().Err(err).Msg("Health check failed")
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
