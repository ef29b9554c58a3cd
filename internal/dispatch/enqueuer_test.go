package dispatch

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamline-tools/lauerun/internal/common"
	"github.com/beamline-tools/lauerun/internal/events"
	"github.com/beamline-tools/lauerun/internal/models"
	"github.com/beamline-tools/lauerun/internal/queue"
	"github.com/beamline-tools/lauerun/internal/store"
)

type testEnv struct {
	store    *store.JobStore
	queue    *queue.Queue
	events   *events.Service
	enqueuer *Enqueuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := common.GetLogger()

	cfg := &common.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")}
	db, err := store.NewSQLiteDB(logger, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	badgerDB, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { badgerDB.Close() })

	q, err := queue.New(badgerDB, logger)
	require.NoError(t, err)
	t.Cleanup(q.Close)

	jobStore := store.NewJobStore(db, logger)
	eventService := events.NewService(logger)

	return &testEnv{
		store:    jobStore,
		queue:    q,
		events:   eventService,
		enqueuer: NewEnqueuer(jobStore, q, eventService, 2*time.Hour, logger),
	}
}

func (e *testEnv) createJob(t *testing.T, numSubjobs int) (int64, []int64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	jobID, err := e.store.CreateJob(ctx, &models.Job{
		ComputerName: "beamline34",
		Status:       models.StatusQueued,
		SubmitTime:   &now,
	})
	require.NoError(t, err)

	var subIDs []int64
	for i := 0; i < numSubjobs; i++ {
		subID, err := e.store.CreateSubJob(ctx, &models.SubJob{
			JobID:  jobID,
			Status: models.StatusQueued,
		})
		require.NoError(t, err)
		subIDs = append(subIDs, subID)
	}
	return jobID, subIDs
}

func rawArgs(t *testing.T, n int) []json.RawMessage {
	t.Helper()
	args := make([]json.RawMessage, n)
	for i := range args {
		args[i] = json.RawMessage(`{}`)
	}
	return args
}

func TestEnqueueBatchFansOut(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	jobID, subIDs := env.createJob(t, 3)

	coordID, err := env.enqueuer.EnqueueBatch(ctx, BatchRequest{
		JobID:         jobID,
		JobType:       models.JobTypeWireReconstruction,
		PerSubJobArgs: rawArgs(t, 3),
	})
	require.NoError(t, err)
	assert.Equal(t, models.CoordinatorItemID(models.JobTypeWireReconstruction, jobID), coordID)

	// N subjob items plus one coordinator.
	stats, err := env.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Queued)

	// Subjob items dispatch in subjob order; the coordinator is held.
	for _, subID := range subIDs {
		item, err := env.queue.Claim(ctx, "w")
		require.NoError(t, err)
		assert.Equal(t, models.SubJobItemID(models.JobTypeWireReconstruction, subID), item.ID)
		assert.Equal(t, subID, item.TargetID)
		assert.Equal(t, models.TargetSubJob, item.Target)
		assert.False(t, item.Coordinator)
	}
	_, err = env.queue.Claim(ctx, "w")
	assert.ErrorIs(t, err, models.ErrNoItem)

	// The coordinator carries an allow-failure dependency over all N items.
	entry, err := env.queue.Get(ctx, coordID)
	require.NoError(t, err)
	assert.True(t, entry.Item.Coordinator)
	assert.True(t, entry.Item.AtFront)
	require.NotNil(t, entry.Item.DependsOn)
	assert.True(t, entry.Item.DependsOn.AllowFailure)
	assert.Len(t, entry.Item.DependsOn.QueueIDs, 3)
}

func TestEnqueueBatchNoSubjobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	jobID, _ := env.createJob(t, 0)

	_, err := env.enqueuer.EnqueueBatch(ctx, BatchRequest{
		JobID:   jobID,
		JobType: models.JobTypeWireReconstruction,
	})
	assert.ErrorIs(t, err, models.ErrNoSubjobs)

	stats, err := env.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Queued, "nothing enqueued on rejection")
}

func TestEnqueueBatchArityMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	jobID, _ := env.createJob(t, 3)

	_, err := env.enqueuer.EnqueueBatch(ctx, BatchRequest{
		JobID:         jobID,
		JobType:       models.JobTypeWireReconstruction,
		PerSubJobArgs: rawArgs(t, 2),
	})
	assert.ErrorIs(t, err, models.ErrArityMismatch)

	stats, err := env.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Queued, "nothing enqueued on rejection")
}

func TestEnqueueBatchLeavesParentQueued(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	jobID, subIDs := env.createJob(t, 2)

	_, err := env.enqueuer.EnqueueBatch(ctx, BatchRequest{
		JobID:         jobID,
		JobType:       models.JobTypeReconstruction,
		PerSubJobArgs: rawArgs(t, 2),
	})
	require.NoError(t, err)

	job, err := env.store.ReadJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status, "the first running subjob promotes the parent, not the enqueue")

	for _, subID := range subIDs {
		sub, err := env.store.ReadSubJob(ctx, subID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, sub.Status)
	}
}

func TestEnqueueWireReconstructionArity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	jobID, _ := env.createJob(t, 2)

	_, err := env.enqueuer.EnqueueWireReconstruction(ctx, WireReconRequest{
		JobID:        jobID,
		InputFiles:   []string{"a.h5", "b.h5"},
		OutputFiles:  []string{"a_out.h5"},
		GeometryFile: "geo.xml",
		Resolution:   1.0,
	})
	assert.ErrorIs(t, err, models.ErrArityMismatch)
}

func TestEnqueuePeakIndexingScanPoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	jobID, subIDs := env.createJob(t, 2)

	coordID, err := env.enqueuer.EnqueuePeakIndexing(ctx, PeakIndexRequest{
		JobID:          jobID,
		Config:         map[string]any{"boundary": 10},
		OutputDir:      "/data/out",
		MergedFilename: "merged.xml",
	})
	require.NoError(t, err)

	for i, subID := range subIDs {
		entry, err := env.queue.Get(ctx, models.SubJobItemID(models.JobTypePeakIndexing, subID))
		require.NoError(t, err)

		var args struct {
			ScanPoint int    `json:"scan_point"`
			OutputDir string `json:"output_dir"`
		}
		require.NoError(t, json.Unmarshal(entry.Item.Args, &args))
		assert.Equal(t, i, args.ScanPoint)
		assert.Equal(t, "/data/out", args.OutputDir)
	}

	coordEntry, err := env.queue.Get(ctx, coordID)
	require.NoError(t, err)
	var coordArgs struct {
		OutputDir      string `json:"output_dir"`
		MergedFilename string `json:"merged_filename"`
	}
	require.NoError(t, json.Unmarshal(coordEntry.Item.Args, &coordArgs))
	assert.Equal(t, "merged.xml", coordArgs.MergedFilename)
}
