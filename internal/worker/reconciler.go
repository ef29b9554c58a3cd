package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/beamline-tools/lauerun/internal/events"
	"github.com/beamline-tools/lauerun/internal/models"
	"github.com/beamline-tools/lauerun/internal/queue"
	"github.com/beamline-tools/lauerun/internal/store"
)

// Reconciler runs the periodic housekeeping sweep: expired claims are failed
// and mirrored, terminal queue entries past retention are purged, and store
// rows orphaned by dead workers are repaired. The sweep makes the queue and
// the job store converge after a crash.
type Reconciler struct {
	queue  *queue.Queue
	store  *store.JobStore
	events *events.Service
	logger arbor.ILogger

	resultRetention  time.Duration
	failureRetention time.Duration

	cron *cron.Cron
}

// NewReconciler creates a reconciler with the given retention windows.
func NewReconciler(workQueue *queue.Queue, jobStore *store.JobStore, eventService *events.Service, resultRetention, failureRetention time.Duration, logger arbor.ILogger) *Reconciler {
	return &Reconciler{
		queue:            workQueue,
		store:            jobStore,
		events:           eventService,
		logger:           logger,
		resultRetention:  resultRetention,
		failureRetention: failureRetention,
	}
}

// Start schedules the sweep on the given cron expression (six fields, with
// seconds) and runs one sweep immediately to repair state left over from the
// previous process.
func (r *Reconciler) Start(schedule string) error {
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(schedule, func() { r.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	r.cron = c
	c.Start()

	r.logger.Info().Str("schedule", schedule).Msg("Reconciliation sweep scheduled")

	go r.Sweep(context.Background())
	return nil
}

// Stop halts the sweep schedule and waits for a running sweep to finish.
func (r *Reconciler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Sweep runs one full housekeeping pass.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.reclaimExpired(ctx)
	r.reconcileSubJobs(ctx)
	r.reconcileJobs(ctx)

	purged, err := r.queue.PurgeTerminal(ctx, r.resultRetention, r.failureRetention)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Retention purge failed")
	} else if purged > 0 {
		r.logger.Info().Int("purged", purged).Msg("Terminal queue entries purged")
	}
}

// reclaimExpired fails queue entries whose claim deadline passed and mirrors
// the timeout into the job store. Timed-out items are reported failed, not
// re-run.
func (r *Reconciler) reclaimExpired(ctx context.Context) {
	expired, err := r.queue.ReclaimExpired(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Claim reclamation failed")
		return
	}

	for _, entry := range expired {
		msg := fmt.Sprintf("work item timed out after %s", entry.Item.Timeout)

		switch entry.Item.Target {
		case models.TargetSubJob:
			if _, err := r.store.UpdateSubJobStatus(ctx, entry.Item.TargetID, store.StatusUpdate{
				Status:        models.StatusFailed,
				AppendMessage: msg,
			}); err != nil {
				r.logger.Warn().Err(err).Int64("subjob_id", entry.Item.TargetID).Msg("Failed to mirror timeout")
			}
		case models.TargetJob:
			// A timed-out coordinator; the parent must not stay Running.
			if _, err := r.store.UpdateJobStatus(ctx, entry.Item.TargetID, store.StatusUpdate{
				Status:        models.StatusFailed,
				AppendMessage: "coordinator error: " + msg,
				Override:      true,
			}); err != nil {
				r.logger.Warn().Err(err).Int64("job_id", entry.Item.TargetID).Msg("Failed to mirror coordinator timeout")
			}
		}
		r.events.PublishJobUpdate(ctx, entry.Item.JobID, models.StatusFailed, msg)
	}
}

// reconcileSubJobs fails store rows marked Running that have no running queue
// entry behind them. This repairs mirrors lost to a crashed worker.
func (r *Reconciler) reconcileSubJobs(ctx context.Context) {
	runningRows, err := r.store.ListRunningSubJobs(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to list running subjobs")
		return
	}
	if len(runningRows) == 0 {
		return
	}

	claimed, err := r.queue.RunningSubJobs(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to list running queue entries")
		return
	}

	for _, subjobID := range runningRows {
		if claimed[subjobID] {
			continue
		}
		if _, err := r.store.UpdateSubJobStatus(ctx, subjobID, store.StatusUpdate{
			Status:        models.StatusFailed,
			AppendMessage: "no active claim found for running subjob",
		}); err != nil {
			r.logger.Warn().Err(err).Int64("subjob_id", subjobID).Msg("Failed to reconcile orphaned subjob")
			continue
		}
		r.logger.Warn().Int64("subjob_id", subjobID).Msg("Orphaned running subjob marked failed")
	}
}

// reconcileJobs fails job rows stuck in Running with no pending queue work.
// Normally the coordinator finalizes the parent; this path only fires when the
// coordinator itself was lost.
func (r *Reconciler) reconcileJobs(ctx context.Context) {
	runningJobs, err := r.store.ListRunningJobs(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to list running jobs")
		return
	}
	if len(runningJobs) == 0 {
		return
	}

	pending, err := r.queue.PendingJobs(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to list pending queue work")
		return
	}

	for _, jobID := range runningJobs {
		if pending[jobID] {
			continue
		}
		msg := "coordinator error: batch left running with no pending work"
		if _, err := r.store.UpdateJobStatus(ctx, jobID, store.StatusUpdate{
			Status:        models.StatusFailed,
			AppendMessage: msg,
			Override:      true,
		}); err != nil {
			r.logger.Warn().Err(err).Int64("job_id", jobID).Msg("Failed to reconcile orphaned job")
			continue
		}
		r.events.PublishJobUpdate(ctx, jobID, models.StatusFailed, msg)
		r.logger.Error().Int64("job_id", jobID).Msg("Running job had no pending work, marked failed")
	}
}
