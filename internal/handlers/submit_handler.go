package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/beamline-tools/lauerun/internal/dispatch"
	"github.com/beamline-tools/lauerun/internal/models"
	"github.com/beamline-tools/lauerun/internal/store"
)

// SubmitHandler accepts batch submissions. A submission creates the Job and
// SubJob rows and then hands the batch to the enqueuer; the response carries
// the new job id and the coordinator's queue id.
type SubmitHandler struct {
	store    *store.JobStore
	enqueuer *dispatch.Enqueuer
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewSubmitHandler creates a submit handler.
func NewSubmitHandler(jobStore *store.JobStore, enqueuer *dispatch.Enqueuer, logger arbor.ILogger) *SubmitHandler {
	return &SubmitHandler{
		store:    jobStore,
		enqueuer: enqueuer,
		validate: validator.New(),
		logger:   logger,
	}
}

// submission is the shared envelope of every batch submission.
type submission struct {
	ComputerName string `json:"computer_name" validate:"required"`
	Priority     int    `json:"priority"`
}

// submitResponse is the common response of all submission endpoints.
type submitResponse struct {
	JobID   int64  `json:"job_id"`
	QueueID string `json:"queue_id"`
	SubJobs int    `json:"subjobs"`
}

// WireReconSubmission is the request body for POST /api/jobs/wire-reconstruction.
type WireReconSubmission struct {
	submission
	InputFiles   []string `json:"input_files" validate:"required,min=1"`
	OutputFiles  []string `json:"output_files" validate:"required,min=1"`
	GeometryFile string   `json:"geometry_file" validate:"required"`
	DepthStart   float64  `json:"depth_start"`
	DepthEnd     float64  `json:"depth_end"`
	Resolution   float64  `json:"resolution" validate:"gt=0"`

	PercentBrightest float64 `json:"percent_brightest,omitempty"`
	WireEdge         string  `json:"wire_edge,omitempty" validate:"omitempty,oneof=leading trailing"`
	DetectorNumber   int     `json:"detector_number,omitempty"`
	TimeoutSeconds   int     `json:"timeout_seconds,omitempty"`
	AtFront          bool    `json:"at_front,omitempty"`
}

// ReconSubmission is the request body for POST /api/jobs/reconstruction.
type ReconSubmission struct {
	submission
	NumSubJobs     int            `json:"num_subjobs" validate:"required,min=1"`
	Config         map[string]any `json:"config" validate:"required"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	AtFront        bool           `json:"at_front,omitempty"`
}

// PeakIndexSubmission is the request body for POST /api/jobs/peak-indexing.
// One subjob is created per scan point.
type PeakIndexSubmission struct {
	submission
	NumScanPoints  int            `json:"num_scan_points" validate:"required,min=1"`
	Config         map[string]any `json:"config" validate:"required"`
	OutputDir      string         `json:"output_dir" validate:"required"`
	MergedFilename string         `json:"merged_filename" validate:"required"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	AtFront        bool           `json:"at_front,omitempty"`
}

// SubmitWireReconstruction handles POST /api/jobs/wire-reconstruction.
func (h *SubmitHandler) SubmitWireReconstruction(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var req WireReconSubmission
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.InputFiles) != len(req.OutputFiles) {
		WriteError(w, http.StatusBadRequest, "input_files and output_files must have the same length")
		return
	}

	jobID, err := h.createRows(r, req.submission, len(req.InputFiles))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create job rows")
		WriteError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	queueID, err := h.enqueuer.EnqueueWireReconstruction(r.Context(), dispatch.WireReconRequest{
		JobID:            jobID,
		InputFiles:       req.InputFiles,
		OutputFiles:      req.OutputFiles,
		GeometryFile:     req.GeometryFile,
		DepthStart:       req.DepthStart,
		DepthEnd:         req.DepthEnd,
		Resolution:       req.Resolution,
		PercentBrightest: req.PercentBrightest,
		WireEdge:         req.WireEdge,
		DetectorNumber:   req.DetectorNumber,
		TimeoutSeconds:   req.TimeoutSeconds,
		AtFront:          req.AtFront,
	})
	if err != nil {
		h.logger.Error().Err(err).Int64("job_id", jobID).Msg("Failed to enqueue wire reconstruction batch")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusAccepted, submitResponse{JobID: jobID, QueueID: queueID, SubJobs: len(req.InputFiles)})
}

// SubmitReconstruction handles POST /api/jobs/reconstruction.
func (h *SubmitHandler) SubmitReconstruction(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var req ReconSubmission
	if !h.decode(w, r, &req) {
		return
	}

	jobID, err := h.createRows(r, req.submission, req.NumSubJobs)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create job rows")
		WriteError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	queueID, err := h.enqueuer.EnqueueReconstruction(r.Context(), dispatch.ReconRequest{
		JobID:          jobID,
		Config:         req.Config,
		TimeoutSeconds: req.TimeoutSeconds,
		AtFront:        req.AtFront,
	})
	if err != nil {
		h.logger.Error().Err(err).Int64("job_id", jobID).Msg("Failed to enqueue reconstruction batch")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusAccepted, submitResponse{JobID: jobID, QueueID: queueID, SubJobs: req.NumSubJobs})
}

// SubmitPeakIndexing handles POST /api/jobs/peak-indexing.
func (h *SubmitHandler) SubmitPeakIndexing(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var req PeakIndexSubmission
	if !h.decode(w, r, &req) {
		return
	}

	jobID, err := h.createRows(r, req.submission, req.NumScanPoints)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create job rows")
		WriteError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	queueID, err := h.enqueuer.EnqueuePeakIndexing(r.Context(), dispatch.PeakIndexRequest{
		JobID:          jobID,
		Config:         req.Config,
		OutputDir:      req.OutputDir,
		MergedFilename: req.MergedFilename,
		TimeoutSeconds: req.TimeoutSeconds,
		AtFront:        req.AtFront,
	})
	if err != nil {
		h.logger.Error().Err(err).Int64("job_id", jobID).Msg("Failed to enqueue peak indexing batch")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	WriteJSON(w, http.StatusAccepted, submitResponse{JobID: jobID, QueueID: queueID, SubJobs: req.NumScanPoints})
}

// decode parses and validates a request body.
func (h *SubmitHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// createRows inserts the Job row plus its SubJob rows.
func (h *SubmitHandler) createRows(r *http.Request, sub submission, numSubjobs int) (int64, error) {
	now := time.Now()
	jobID, err := h.store.CreateJob(r.Context(), &models.Job{
		ComputerName: sub.ComputerName,
		Status:       models.StatusQueued,
		Priority:     sub.Priority,
		SubmitTime:   &now,
	})
	if err != nil {
		return 0, err
	}

	for i := 0; i < numSubjobs; i++ {
		if _, err := h.store.CreateSubJob(r.Context(), &models.SubJob{
			JobID:        jobID,
			ComputerName: sub.ComputerName,
			Status:       models.StatusQueued,
			Priority:     sub.Priority,
		}); err != nil {
			return 0, err
		}
	}
	return jobID, nil
}
