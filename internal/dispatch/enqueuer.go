package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/beamline-tools/lauerun/internal/analysis"
	"github.com/beamline-tools/lauerun/internal/events"
	"github.com/beamline-tools/lauerun/internal/models"
	"github.com/beamline-tools/lauerun/internal/queue"
	"github.com/beamline-tools/lauerun/internal/store"
)

// Enqueuer translates a user-level submission into a batch of parallel work
// items plus exactly one coordinator. Job and SubJob rows must exist before
// enqueue; the submission layer owns their creation.
type Enqueuer struct {
	store          *store.JobStore
	queue          *queue.Queue
	events         *events.Service
	defaultTimeout time.Duration
	logger         arbor.ILogger
}

// NewEnqueuer creates an enqueuer.
func NewEnqueuer(jobStore *store.JobStore, workQueue *queue.Queue, eventService *events.Service, defaultTimeout time.Duration, logger arbor.ILogger) *Enqueuer {
	return &Enqueuer{
		store:          jobStore,
		queue:          workQueue,
		events:         eventService,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// BatchRequest describes one fan-out enqueue.
type BatchRequest struct {
	JobID   int64
	JobType models.JobType

	// PerSubJobArgs holds one payload per subjob, in subjob_id order. Its
	// length must equal the subjob count. Leave nil and set ArgsFor when the
	// payload is derived rather than caller-supplied.
	PerSubJobArgs []json.RawMessage

	// ArgsFor derives the payload for the i-th subjob (ordered by subjob_id).
	ArgsFor func(i int, sub *models.SubJob) (json.RawMessage, error)

	CoordinatorArgs json.RawMessage
	Timeout         time.Duration // zero means the configured default
	AtFront         bool
}

// EnqueueBatch performs the fan-out: one work item per subjob, then one
// allow-failure coordinator over all of them, then every subjob row is marked
// Queued. The parent job row is not transitioned here; the first running
// subjob promotes it and the coordinator owns its terminal state. Returns the
// coordinator's queue id.
func (e *Enqueuer) EnqueueBatch(ctx context.Context, req BatchRequest) (string, error) {
	if !models.IsValidJobType(req.JobType) {
		return "", fmt.Errorf("invalid job type %q", req.JobType)
	}

	subs, err := e.store.ListSubJobs(ctx, req.JobID)
	if err != nil {
		return "", fmt.Errorf("failed to read subjobs for job %d: %w", req.JobID, err)
	}
	if len(subs) == 0 {
		return "", models.ErrNoSubjobs
	}
	if req.PerSubJobArgs != nil && len(req.PerSubJobArgs) != len(subs) {
		return "", models.ErrArityMismatch
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	queueIDs := make([]string, 0, len(subs))
	for i := range subs {
		sub := &subs[i]

		args := json.RawMessage(nil)
		switch {
		case req.PerSubJobArgs != nil:
			args = req.PerSubJobArgs[i]
		case req.ArgsFor != nil:
			args, err = req.ArgsFor(i, sub)
			if err != nil {
				return "", fmt.Errorf("failed to build args for subjob %d: %w", sub.SubJobID, err)
			}
		}

		item := &models.WorkItem{
			ID:       models.SubJobItemID(req.JobType, sub.SubJobID),
			Target:   models.TargetSubJob,
			TargetID: sub.SubJobID,
			JobID:    req.JobID,
			JobType:  req.JobType,
			Args:     args,
			Timeout:  timeout,
			AtFront:  req.AtFront,
		}
		queueID, err := e.queue.Enqueue(ctx, item)
		if err != nil {
			return "", fmt.Errorf("failed to enqueue subjob %d: %w", sub.SubJobID, err)
		}
		queueIDs = append(queueIDs, queueID)
	}

	coordinator := &models.WorkItem{
		ID:       models.CoordinatorItemID(req.JobType, req.JobID),
		Target:   models.TargetJob,
		TargetID: req.JobID,
		JobID:    req.JobID,
		JobType:  req.JobType,
		Args:     req.CoordinatorArgs,
		Timeout:  timeout,
		DependsOn: &models.Dependency{
			QueueIDs:     queueIDs,
			AllowFailure: true, // runs however the subjobs end
		},
		AtFront:     true,
		Coordinator: true,
	}
	coordinatorID, err := e.queue.Enqueue(ctx, coordinator)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue coordinator for job %d: %w", req.JobID, err)
	}

	for i := range subs {
		if _, err := e.store.UpdateSubJobStatus(ctx, subs[i].SubJobID, store.StatusUpdate{
			Status:   models.StatusQueued,
			Override: true, // administrative marking, not a lifecycle edge
		}); err != nil {
			e.logger.Error().
				Err(err).
				Int64("subjob_id", subs[i].SubJobID).
				Msg("Failed to mark subjob queued")
		}
	}

	e.logger.Info().
		Int64("job_id", req.JobID).
		Str("job_type", string(req.JobType)).
		Int("subjobs", len(subs)).
		Str("coordinator", coordinatorID).
		Bool("at_front", req.AtFront).
		Msg("Batch enqueued")

	return coordinatorID, nil
}

// WireReconRequest is the submission payload for a wire reconstruction batch.
// Input and output lists carry one entry per subjob; the remaining parameters
// are shared across the batch.
type WireReconRequest struct {
	JobID        int64    `json:"job_id" validate:"required"`
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

// EnqueueWireReconstruction fans a wire reconstruction submission out over
// the job's subjobs. The input and output lists must both match the subjob
// count.
func (e *Enqueuer) EnqueueWireReconstruction(ctx context.Context, req WireReconRequest) (string, error) {
	if len(req.InputFiles) != len(req.OutputFiles) {
		return "", models.ErrArityMismatch
	}

	perSubjob := make([]json.RawMessage, 0, len(req.InputFiles))
	for i := range req.InputFiles {
		args, err := analysis.EncodeArgs(analysis.WireReconArgs{
			InputFile:        req.InputFiles[i],
			OutputFile:       req.OutputFiles[i],
			GeometryFile:     req.GeometryFile,
			DepthStart:       req.DepthStart,
			DepthEnd:         req.DepthEnd,
			Resolution:       req.Resolution,
			PercentBrightest: req.PercentBrightest,
			WireEdge:         req.WireEdge,
			DetectorNumber:   req.DetectorNumber,
		})
		if err != nil {
			return "", err
		}
		perSubjob = append(perSubjob, args)
	}

	return e.EnqueueBatch(ctx, BatchRequest{
		JobID:         req.JobID,
		JobType:       models.JobTypeWireReconstruction,
		PerSubJobArgs: perSubjob,
		Timeout:       time.Duration(req.TimeoutSeconds) * time.Second,
		AtFront:       req.AtFront,
	})
}

// ReconRequest is the submission payload for a coded-aperture reconstruction
// batch. Every subjob receives the same configuration structure.
type ReconRequest struct {
	JobID          int64          `json:"job_id" validate:"required"`
	Config         map[string]any `json:"config" validate:"required"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	AtFront        bool           `json:"at_front,omitempty"`
}

// EnqueueReconstruction fans a coded-aperture reconstruction submission out
// over the job's subjobs.
func (e *Enqueuer) EnqueueReconstruction(ctx context.Context, req ReconRequest) (string, error) {
	return e.EnqueueBatch(ctx, BatchRequest{
		JobID:   req.JobID,
		JobType: models.JobTypeReconstruction,
		ArgsFor: func(i int, sub *models.SubJob) (json.RawMessage, error) {
			return analysis.EncodeArgs(analysis.ReconArgs{Config: req.Config})
		},
		Timeout: time.Duration(req.TimeoutSeconds) * time.Second,
		AtFront: req.AtFront,
	})
}

// PeakIndexRequest is the submission payload for a peak indexing batch. The
// coordinator merges the per-subjob XML artifacts from <output_dir>/xml into
// the merged filename (absolute paths used verbatim).
type PeakIndexRequest struct {
	JobID          int64          `json:"job_id" validate:"required"`
	Config         map[string]any `json:"config" validate:"required"`
	OutputDir      string         `json:"output_dir" validate:"required"`
	MergedFilename string         `json:"merged_filename" validate:"required"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	AtFront        bool           `json:"at_front,omitempty"`
}

// EnqueuePeakIndexing fans a peak indexing submission out over the job's
// subjobs and wires the coordinator to the XML-merging variant.
func (e *Enqueuer) EnqueuePeakIndexing(ctx context.Context, req PeakIndexRequest) (string, error) {
	coordArgs, err := analysis.EncodeArgs(analysis.CoordinatorArgs{
		OutputDir:      req.OutputDir,
		MergedFilename: req.MergedFilename,
	})
	if err != nil {
		return "", err
	}

	return e.EnqueueBatch(ctx, BatchRequest{
		JobID:   req.JobID,
		JobType: models.JobTypePeakIndexing,
		ArgsFor: func(i int, sub *models.SubJob) (json.RawMessage, error) {
			return analysis.EncodeArgs(analysis.PeakIndexArgs{
				Config:    req.Config,
				ScanPoint: i,
				OutputDir: req.OutputDir,
			})
		},
		CoordinatorArgs: coordArgs,
		Timeout:         time.Duration(req.TimeoutSeconds) * time.Second,
		AtFront:         req.AtFront,
	})
}
