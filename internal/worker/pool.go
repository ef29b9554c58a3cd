package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/beamline-tools/lauerun/internal/analysis"
	"github.com/beamline-tools/lauerun/internal/dispatch"
	"github.com/beamline-tools/lauerun/internal/events"
	"github.com/beamline-tools/lauerun/internal/models"
	"github.com/beamline-tools/lauerun/internal/queue"
	"github.com/beamline-tools/lauerun/internal/store"
)

// storeRetries bounds the best-effort retry of job store mirroring. The queue
// outcome is recorded regardless; a lost mirror is repaired by the
// reconciliation sweep.
const storeRetries = 3

// Pool manages a fixed set of workers that poll the queue, execute analysis
// functions, and mirror lifecycle transitions into the job store.
type Pool struct {
	queue       *queue.Queue
	store       *store.JobStore
	registry    *analysis.Registry
	coordinator *dispatch.Coordinator
	events      *events.Service
	logger      arbor.ILogger

	name         string
	concurrency  int
	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	workers []*workerState
	started time.Time
}

// workerState is one worker's heartbeat record.
type workerState struct {
	id        string
	successes atomic.Int64
	failures  atomic.Int64

	mu       sync.Mutex
	current  string
	lastSeen time.Time
}

// WorkerInfo is the externally visible heartbeat of one worker.
type WorkerInfo struct {
	WorkerID  string    `json:"worker_id"`
	Current   string    `json:"current_item,omitempty"`
	Successes int64     `json:"successes"`
	Failures  int64     `json:"failures"`
	LastSeen  time.Time `json:"last_seen"`
}

// NewPool creates a worker pool. Each worker gets a stable id of the form
// <name>-<uuid> for claim attribution.
func NewPool(workQueue *queue.Queue, jobStore *store.JobStore, registry *analysis.Registry, coordinator *dispatch.Coordinator, eventService *events.Service, name string, concurrency int, pollInterval time.Duration, logger arbor.ILogger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:        workQueue,
		store:        jobStore,
		registry:     registry,
		coordinator:  coordinator,
		events:       eventService,
		logger:       logger,
		name:         name,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() error {
	p.mu.Lock()
	p.started = time.Now()
	p.workers = make([]*workerState, p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		p.workers[i] = &workerState{
			id:       fmt.Sprintf("%s-%s", p.name, uuid.New().String()),
			lastSeen: time.Now(),
		}
	}
	p.mu.Unlock()

	p.logger.Info().
		Int("concurrency", p.concurrency).
		Dur("poll_interval", p.pollInterval).
		Msg("Starting worker pool")

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return nil
}

// Stop signals all workers and waits for in-flight items to finish or observe
// cancellation.
func (p *Pool) Stop() {
	p.logger.Info().Msg("Stopping worker pool")
	p.cancel()
	p.wg.Wait()
}

// WorkersInfo returns the heartbeat of every worker plus pool uptime.
func (p *Pool) WorkersInfo() (infos []WorkerInfo, uptime time.Duration) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, w := range p.workers {
		w.mu.Lock()
		infos = append(infos, WorkerInfo{
			WorkerID:  w.id,
			Current:   w.current,
			Successes: w.successes.Load(),
			Failures:  w.failures.Load(),
			LastSeen:  w.lastSeen,
		})
		w.mu.Unlock()
	}
	if !p.started.IsZero() {
		uptime = time.Since(p.started)
	}
	return infos, uptime
}

// worker is the main poll loop. Starts are staggered across the poll interval
// to spread claim contention.
func (p *Pool) worker(index int) {
	defer p.wg.Done()

	p.mu.RLock()
	state := p.workers[index]
	p.mu.RUnlock()

	stagger := (p.pollInterval / time.Duration(p.concurrency)) * time.Duration(index)
	if stagger > 0 {
		select {
		case <-time.After(stagger):
		case <-p.ctx.Done():
			return
		}
	}

	p.logger.Debug().
		Str("worker_id", state.id).
		Dur("stagger_delay", stagger).
		Msg("Worker started")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug().Str("worker_id", state.id).Msg("Worker stopped")
			return
		case <-ticker.C:
			state.mu.Lock()
			state.lastSeen = time.Now()
			state.mu.Unlock()

			// Drain everything dispatchable before sleeping again.
			for {
				item, err := p.queue.Claim(p.ctx, state.id)
				if err != nil {
					if !errors.Is(err, models.ErrNoItem) && !errors.Is(err, models.ErrQueueClosed) {
						p.logger.Warn().Err(err).Str("worker_id", state.id).Msg("Claim failed")
					}
					break
				}
				p.execute(state, item)
				if p.ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// execute runs one claimed work item end to end: lifecycle mirroring into the
// job store, the analysis function itself, and the queue completion.
func (p *Pool) execute(state *workerState, item *models.WorkItem) {
	state.mu.Lock()
	state.current = item.ID
	state.mu.Unlock()
	defer func() {
		state.mu.Lock()
		state.current = ""
		state.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	p.queue.RegisterCancel(item.ID, cancel)
	defer p.queue.UnregisterCancel(item.ID)

	start := time.Now()

	var err error
	if item.Coordinator {
		err = p.executeCoordinator(ctx, item)
	} else {
		err = p.executeSubJob(ctx, state, item)
	}

	if err != nil {
		state.failures.Add(1)
		p.logger.Error().
			Err(err).
			Str("queue_id", item.ID).
			Str("worker_id", state.id).
			Dur("duration", time.Since(start)).
			Msg("Work item failed")
		return
	}

	state.successes.Add(1)
	p.logger.Info().
		Str("queue_id", item.ID).
		Str("job_type", string(item.JobType)).
		Str("worker_id", state.id).
		Dur("duration", time.Since(start)).
		Msg("Work item completed")
}

// executeCoordinator runs a fan-in item. The coordinator owns all job store
// writes for the parent row; the worker only records the queue outcome.
func (p *Pool) executeCoordinator(ctx context.Context, item *models.WorkItem) error {
	_, err := p.coordinator.Run(ctx, item)
	if err != nil {
		if completeErr := p.queue.Complete(ctx, item.ID, models.ItemStateFailed, err.Error()); completeErr != nil {
			p.logger.Warn().Err(completeErr).Str("queue_id", item.ID).Msg("Failed to record coordinator outcome")
		}
		return err
	}
	return p.queue.Complete(ctx, item.ID, models.ItemStateFinished, "")
}

// executeSubJob runs a fan-out item: mark the subjob (and, if needed, its
// parent) Running, execute the analysis function with throttled progress
// publication, then mirror the outcome and complete the queue entry.
func (p *Pool) executeSubJob(ctx context.Context, state *workerState, item *models.WorkItem) error {
	if err := p.store.ClaimTransition(ctx, item.TargetID, time.Now()); err != nil {
		// The row is not in a runnable state (already cancelled or missing).
		msg := fmt.Sprintf("subjob %d not runnable: %v", item.TargetID, err)
		if completeErr := p.queue.Complete(ctx, item.ID, models.ItemStateFailed, msg); completeErr != nil {
			p.logger.Warn().Err(completeErr).Str("queue_id", item.ID).Msg("Failed to record claim outcome")
		}
		return fmt.Errorf("claim transition failed: %w", err)
	}
	p.events.PublishJobUpdate(ctx, item.JobID, models.StatusRunning, "")

	fn, err := p.registry.Lookup(item.JobType)
	if err != nil {
		p.mirrorSubJob(item.TargetID, store.StatusUpdate{
			Status:        models.StatusFailed,
			AppendMessage: err.Error(),
		})
		if completeErr := p.queue.Complete(ctx, item.ID, models.ItemStateFailed, err.Error()); completeErr != nil {
			p.logger.Warn().Err(completeErr).Str("queue_id", item.ID).Msg("Failed to record lookup outcome")
		}
		return err
	}

	// Progress updates are throttled so a chatty kernel cannot flood the
	// queue or the event bus.
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	progress := func(percent int, message string) {
		if percent < 100 && !limiter.Allow() {
			return
		}
		if err := p.queue.UpdateProgress(ctx, item.ID, percent, message); err != nil {
			p.logger.Debug().Err(err).Str("queue_id", item.ID).Msg("Progress update dropped")
		}
		p.events.PublishProgress(ctx, item.ID, percent, message)
	}

	result, runErr := fn(ctx, item.Args, progress)

	switch {
	case runErr != nil && ctx.Err() != nil:
		// Cancelled mid-flight, by user request or shutdown.
		upd := store.StatusUpdate{
			Status:        models.StatusCancelled,
			AppendMessage: "cancelled by user",
		}
		if result != nil && result.Command != "" {
			upd.Command = result.Command
		}
		p.mirrorSubJob(item.TargetID, upd)
		p.events.PublishJobUpdate(ctx, item.JobID, models.StatusCancelled, "cancelled by user")
		if err := p.queue.Complete(context.Background(), item.ID, models.ItemStateCancelled, "cancelled by user"); err != nil {
			p.logger.Warn().Err(err).Str("queue_id", item.ID).Msg("Failed to record cancellation")
		}
		return runErr

	case runErr != nil:
		upd := store.StatusUpdate{Status: models.StatusFailed, AppendMessage: runErr.Error()}
		if result != nil {
			if result.Message != "" {
				upd.AppendMessage = result.Message
			}
			upd.Command = result.Command
		}
		p.mirrorSubJob(item.TargetID, upd)
		p.events.PublishJobUpdate(ctx, item.JobID, models.StatusFailed, upd.AppendMessage)
		if err := p.queue.Complete(ctx, item.ID, models.ItemStateFailed, runErr.Error()); err != nil {
			p.logger.Warn().Err(err).Str("queue_id", item.ID).Msg("Failed to record failure")
		}
		return runErr

	default:
		upd := store.StatusUpdate{Status: models.StatusFinished}
		if result != nil {
			upd.AppendMessage = result.Message
			upd.Command = result.Command
		}
		p.mirrorSubJob(item.TargetID, upd)
		p.events.PublishJobUpdate(ctx, item.JobID, models.StatusFinished, upd.AppendMessage)
		return p.queue.Complete(ctx, item.ID, models.ItemStateFinished, "")
	}
}

// mirrorSubJob writes a subjob outcome to the job store with bounded retries.
// Failures are logged and left to the reconciliation sweep.
func (p *Pool) mirrorSubJob(subjobID int64, upd store.StatusUpdate) {
	var err error
	for attempt := 0; attempt < storeRetries; attempt++ {
		// Detached context: the outcome must be recorded even when the
		// item's context was cancelled.
		_, err = p.store.UpdateSubJobStatus(context.Background(), subjobID, upd)
		if err == nil || errors.Is(err, models.ErrRowNotFound) || errors.Is(err, models.ErrIllegalTransition) {
			return
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	p.logger.Error().
		Err(err).
		Int64("subjob_id", subjobID).
		Str("status", upd.Status.String()).
		Msg("Failed to mirror subjob outcome to job store")
}
