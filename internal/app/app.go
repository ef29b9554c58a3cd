package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/beamline-tools/lauerun/internal/analysis"
	"github.com/beamline-tools/lauerun/internal/common"
	"github.com/beamline-tools/lauerun/internal/dispatch"
	"github.com/beamline-tools/lauerun/internal/events"
	"github.com/beamline-tools/lauerun/internal/handlers"
	"github.com/beamline-tools/lauerun/internal/queue"
	"github.com/beamline-tools/lauerun/internal/store"
	"github.com/beamline-tools/lauerun/internal/worker"
	"github.com/beamline-tools/lauerun/internal/xmlmerge"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage
	DB       *store.SQLiteDB
	BadgerDB *badger.DB

	// Core services
	JobStore     *store.JobStore
	Queue        *queue.Queue
	EventService *events.Service
	Registry     *analysis.Registry
	Merger       *xmlmerge.Merger
	Enqueuer     *dispatch.Enqueuer
	Coordinator  *dispatch.Coordinator
	Pool         *worker.Pool
	Reconciler   *worker.Reconciler

	// HTTP handlers
	APIHandler    *handlers.APIHandler
	SubmitHandler *handlers.SubmitHandler
	JobHandler    *handlers.JobHandler
	QueueHandler  *handlers.QueueHandler
	WSHandler     *handlers.WebSocketHandler
}

// New creates the application: storage, services, workers, and handlers, in
// dependency order.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	// Job store (SQLite).
	db, err := store.NewSQLiteDB(logger, &cfg.Storage.SQLite)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	a.DB = db
	a.JobStore = store.NewJobStore(db, logger)

	// Work queue (Badger).
	if cfg.Storage.Badger.ResetOnStartup {
		logger.Warn().Str("path", cfg.Storage.Badger.Path).Msg("Resetting work queue storage")
		if err := os.RemoveAll(cfg.Storage.Badger.Path); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to reset queue storage: %w", err)
		}
	}
	opts := badger.DefaultOptions(cfg.Storage.Badger.Path).WithLogger(nil)
	badgerDB, err := badger.Open(opts)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open queue storage: %w", err)
	}
	a.BadgerDB = badgerDB

	a.Queue, err = queue.New(badgerDB, logger)
	if err != nil {
		a.closeStorage()
		return nil, err
	}

	// Services.
	a.EventService = events.NewService(logger)
	a.Merger = xmlmerge.NewMerger(logger)

	a.Registry = analysis.NewRegistry(logger)
	analysis.RegisterDefaultRunners(a.Registry, &cfg.Analysis, logger)

	a.Enqueuer = dispatch.NewEnqueuer(a.JobStore, a.Queue, a.EventService, cfg.DefaultTimeout(), logger)
	a.Coordinator = dispatch.NewCoordinator(a.JobStore, a.EventService, a.Merger, logger)

	pollInterval, err := cfg.PollInterval()
	if err != nil {
		a.closeStorage()
		return nil, err
	}
	a.Pool = worker.NewPool(a.Queue, a.JobStore, a.Registry, a.Coordinator, a.EventService,
		cfg.Worker.Name, cfg.Worker.Concurrency, pollInterval, logger)
	a.Reconciler = worker.NewReconciler(a.Queue, a.JobStore, a.EventService,
		cfg.ResultRetention(), cfg.FailureRetention(), logger)

	// HTTP handlers.
	a.APIHandler = handlers.NewAPIHandler(db, logger)
	a.SubmitHandler = handlers.NewSubmitHandler(a.JobStore, a.Enqueuer, logger)
	a.JobHandler = handlers.NewJobHandler(a.JobStore, a.Queue, a.EventService, logger)
	a.QueueHandler = handlers.NewQueueHandler(a.Queue, a.JobStore, a.Pool, logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, logger)

	return a, nil
}

// Start launches the worker pool and the reconciliation sweep.
func (a *App) Start() error {
	if err := a.Pool.Start(); err != nil {
		return err
	}
	return a.Reconciler.Start(a.Config.Worker.SweepSchedule)
}

// Shutdown stops workers and sweeps, then closes storage.
func (a *App) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.Reconciler.Stop()
		a.Pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		a.Logger.Warn().Msg("Shutdown deadline reached with workers still stopping")
	case <-time.After(30 * time.Second):
		a.Logger.Warn().Msg("Worker shutdown timed out")
	}

	a.Queue.Close()
	a.closeStorage()
	a.Logger.Info().Msg("Application stopped")
	return nil
}

func (a *App) closeStorage() {
	if a.BadgerDB != nil {
		if err := a.BadgerDB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close queue storage")
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close job store")
		}
	}
}
