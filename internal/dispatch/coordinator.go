package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/beamline-tools/lauerun/internal/analysis"
	"github.com/beamline-tools/lauerun/internal/events"
	"github.com/beamline-tools/lauerun/internal/models"
	"github.com/beamline-tools/lauerun/internal/store"
	"github.com/beamline-tools/lauerun/internal/xmlmerge"
)

// Coordinator executes the fan-in step of a batch: it runs after every subjob
// work item has reached a terminal state (its queue dependency allows
// failures), tallies the outcomes, and writes the parent job's terminal
// status. For peak indexing batches it also merges the per-subjob XML
// artifacts before finalizing.
type Coordinator struct {
	store  *store.JobStore
	events *events.Service
	merger *xmlmerge.Merger
	logger arbor.ILogger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(jobStore *store.JobStore, eventService *events.Service, merger *xmlmerge.Merger, logger arbor.ILogger) *Coordinator {
	return &Coordinator{
		store:  jobStore,
		events: eventService,
		merger: merger,
		logger: logger,
	}
}

// tally is the status census of a batch.
type tally struct {
	total       int
	finished    int
	failed      int
	cancelled   int
	nonTerminal int
}

func tallySubJobs(subs []models.SubJob) tally {
	t := tally{total: len(subs)}
	for i := range subs {
		switch subs[i].Status {
		case models.StatusFinished:
			t.finished++
		case models.StatusFailed:
			t.failed++
		case models.StatusCancelled:
			t.cancelled++
		default:
			t.nonTerminal++
		}
	}
	return t
}

// Run executes a coordinator work item. It reads the batch's subjob rows,
// optionally merges XML artifacts, then finalizes the parent job row exactly
// once with the derived terminal status. The job is never left Running: every
// path through here ends in a terminal write.
func (c *Coordinator) Run(ctx context.Context, item *models.WorkItem) (*analysis.Result, error) {
	subs, err := c.store.ListSubJobs(ctx, item.JobID)
	if err != nil {
		return nil, fmt.Errorf("coordinator failed to read subjobs for job %d: %w", item.JobID, err)
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("coordinator found no subjobs for job %d", item.JobID)
	}

	t := tallySubJobs(subs)

	var coordArgs analysis.CoordinatorArgs
	if len(item.Args) > 0 {
		if err := json.Unmarshal(item.Args, &coordArgs); err != nil {
			c.logger.Warn().
				Err(err).
				Int64("job_id", item.JobID).
				Msg("Coordinator args unreadable, skipping merge")
		}
	}

	// Merge only when at least one subjob produced artifacts. The merge
	// outcome goes into the job message either way.
	var mergeSummary string
	if item.JobType == models.JobTypePeakIndexing && coordArgs.MergedFilename != "" && t.finished > 0 {
		xmlDir := filepath.Join(coordArgs.OutputDir, "xml")
		outputPath := xmlmerge.ResolveOutput(coordArgs.OutputDir, coordArgs.MergedFilename)
		result := c.merger.Merge(xmlDir, outputPath)
		mergeSummary = result.Summary()
		if !result.Success {
			c.logger.Warn().
				Err(result.Err).
				Int64("job_id", item.JobID).
				Str("xml_dir", xmlDir).
				Msg("XML merge failed")
		}
	}

	status, message := c.finalState(item.JobID, t)
	if mergeSummary != "" {
		message = mergeSummary + "\n" + message
	}

	if _, err := c.store.UpdateJobStatus(ctx, item.JobID, store.StatusUpdate{
		Status:        status,
		AppendMessage: message,
		At:            time.Now(),
		Override:      true, // coordinator owns the parent's terminal state
	}); err != nil {
		return nil, fmt.Errorf("coordinator failed to finalize job %d: %w", item.JobID, err)
	}

	c.events.PublishJobUpdate(ctx, item.JobID, status, message)
	c.events.PublishBatchCompleted(ctx, item.JobID, status, message)

	c.logger.Info().
		Int64("job_id", item.JobID).
		Str("status", status.String()).
		Int("finished", t.finished).
		Int("failed", t.failed).
		Int("cancelled", t.cancelled).
		Msg("Batch finalized")

	// A failed batch is still a successful coordinator run.
	return &analysis.Result{Message: message}, nil
}

// finalState derives the parent job's terminal status and summary message
// from the subjob census.
func (c *Coordinator) finalState(jobID int64, t tally) (models.Status, string) {
	switch {
	case t.nonTerminal > 0:
		// The queue dependency guarantees all subjobs were terminal when this
		// ran, so a non-terminal row means the queue and the store disagree.
		c.logger.Error().
			Int64("job_id", jobID).
			Int("non_terminal", t.nonTerminal).
			Msg("Coordinator ran with non-terminal subjobs, store and queue out of sync")
		return models.StatusFailed, fmt.Sprintf(
			"coordinator error: %d of %d subjobs not terminal", t.nonTerminal, t.total)
	case t.finished == t.total:
		return models.StatusFinished, fmt.Sprintf(
			"All %d subjobs completed successfully", t.total)
	case t.failed > 0:
		return models.StatusFailed, fmt.Sprintf(
			"Batch failed: %d failed, %d succeeded out of %d subjobs", t.failed, t.finished, t.total)
	default:
		return models.StatusCancelled, fmt.Sprintf(
			"Batch cancelled: %d cancelled, %d succeeded out of %d subjobs", t.cancelled, t.finished, t.total)
	}
}
