package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/beamline-tools/lauerun/internal/events"
	"github.com/beamline-tools/lauerun/internal/models"
	"github.com/beamline-tools/lauerun/internal/queue"
	"github.com/beamline-tools/lauerun/internal/store"
)

// JobHandler serves job status lookups and cancellation.
type JobHandler struct {
	store  *store.JobStore
	queue  *queue.Queue
	events *events.Service
	logger arbor.ILogger
}

// NewJobHandler creates a job handler.
func NewJobHandler(jobStore *store.JobStore, workQueue *queue.Queue, eventService *events.Service, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		store:  jobStore,
		queue:  workQueue,
		events: eventService,
		logger: logger,
	}
}

// jobStatusResponse is the GET /api/jobs/{id} payload.
type jobStatusResponse struct {
	Job     *models.Job     `json:"job"`
	SubJobs []models.SubJob `json:"subjobs"`
}

// GetJobStatusHandler handles GET /api/jobs/{id}: the job row plus all of its
// subjob rows.
func (h *JobHandler) GetJobStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	jobID, ok := h.jobIDFromPath(w, r, "")
	if !ok {
		return
	}

	job, err := h.store.ReadJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, models.ErrRowNotFound) {
			WriteError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error().Err(err).Int64("job_id", jobID).Msg("Failed to read job")
		WriteError(w, http.StatusInternalServerError, "failed to read job")
		return
	}

	subs, err := h.store.ListSubJobs(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Err(err).Int64("job_id", jobID).Msg("Failed to list subjobs")
		WriteError(w, http.StatusInternalServerError, "failed to read subjobs")
		return
	}

	WriteJSON(w, http.StatusOK, jobStatusResponse{Job: job, SubJobs: subs})
}

// CancelJobHandler handles POST /api/jobs/{id}/cancel. Queued work is removed
// outright; running work is signalled and finalizes cooperatively. The
// coordinator still runs and derives the batch's terminal status.
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	jobID, ok := h.jobIDFromPath(w, r, "/cancel")
	if !ok {
		return
	}

	if _, err := h.store.ReadJob(r.Context(), jobID); err != nil {
		if errors.Is(err, models.ErrRowNotFound) {
			WriteError(w, http.StatusNotFound, "job not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, "failed to read job")
		return
	}

	cancelled, err := h.queue.CancelJob(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Err(err).Int64("job_id", jobID).Msg("Failed to cancel queue entries")
		WriteError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}

	// Mirror the removal of not-yet-running work. Running rows finalize
	// through the worker when it observes the cancellation.
	subs, err := h.store.ListSubJobs(r.Context(), jobID)
	if err == nil {
		for i := range subs {
			if subs[i].Status != models.StatusQueued {
				continue
			}
			if _, err := h.store.UpdateSubJobStatus(r.Context(), subs[i].SubJobID, store.StatusUpdate{
				Status:        models.StatusCancelled,
				AppendMessage: "cancelled by user",
			}); err != nil {
				h.logger.Warn().Err(err).Int64("subjob_id", subs[i].SubJobID).Msg("Failed to mirror cancellation")
			}
		}
	}

	// A job that never started has no coordinator left to finalize it.
	if _, err := h.store.UpdateJobStatus(r.Context(), jobID, store.StatusUpdate{
		Status:        models.StatusCancelled,
		AppendMessage: "cancelled by user",
	}); err != nil && !errors.Is(err, models.ErrIllegalTransition) {
		h.logger.Warn().Err(err).Int64("job_id", jobID).Msg("Failed to mirror job cancellation")
	}

	h.events.PublishJobUpdate(r.Context(), jobID, models.StatusCancelled, "cancelled by user")

	h.logger.Info().
		Int64("job_id", jobID).
		Int("entries_cancelled", len(cancelled)).
		Msg("Job cancellation requested")

	WriteJSON(w, http.StatusOK, map[string]any{
		"job_id":            jobID,
		"entries_cancelled": len(cancelled),
	})
}

// jobIDFromPath extracts the numeric id from /api/jobs/{id}<suffix>.
func (h *JobHandler) jobIDFromPath(w http.ResponseWriter, r *http.Request, suffix string) (int64, bool) {
	path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if suffix != "" {
		path = strings.TrimSuffix(path, suffix)
	}
	path = strings.Trim(path, "/")

	jobID, err := strconv.ParseInt(path, 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return jobID, true
}
