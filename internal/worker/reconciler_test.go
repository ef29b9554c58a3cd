package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamline-tools/lauerun/internal/common"
	"github.com/beamline-tools/lauerun/internal/models"
)

func newTestReconciler(t *testing.T, env *poolEnv, resultRetention, failureRetention time.Duration) *Reconciler {
	t.Helper()
	return NewReconciler(env.queue, env.store, env.events, resultRetention, failureRetention, common.GetLogger())
}

func TestSweepReclaimsExpiredClaims(t *testing.T) {
	env := newPoolEnv(t)
	r := newTestReconciler(t, env, time.Hour, time.Hour)
	ctx := context.Background()

	now := time.Now()
	jobID, err := env.store.CreateJob(ctx, &models.Job{Status: models.StatusQueued, SubmitTime: &now})
	require.NoError(t, err)
	subID, err := env.store.CreateSubJob(ctx, &models.SubJob{JobID: jobID, Status: models.StatusQueued})
	require.NoError(t, err)

	_, err = env.queue.Enqueue(ctx, &models.WorkItem{
		ID:       models.SubJobItemID(models.JobTypeWireReconstruction, subID),
		Target:   models.TargetSubJob,
		TargetID: subID,
		JobID:    jobID,
		JobType:  models.JobTypeWireReconstruction,
		Timeout:  10 * time.Millisecond,
	})
	require.NoError(t, err)

	item, err := env.queue.Claim(ctx, "dead-worker")
	require.NoError(t, err)
	require.NoError(t, env.store.ClaimTransition(ctx, item.TargetID, time.Now()))

	time.Sleep(30 * time.Millisecond)
	r.Sweep(ctx)

	sub, err := env.store.ReadSubJob(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, sub.Status)
	assert.Contains(t, sub.Messages, "timed out")

	entry, err := env.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ItemStateFailed, entry.State)
}

func TestSweepRepairsOrphanedSubJobRows(t *testing.T) {
	env := newPoolEnv(t)
	r := newTestReconciler(t, env, time.Hour, time.Hour)
	ctx := context.Background()

	// A subjob row marked Running with no queue entry at all: the mirror
	// outlived a crashed process whose queue state was already purged.
	now := time.Now()
	jobID, err := env.store.CreateJob(ctx, &models.Job{Status: models.StatusQueued, SubmitTime: &now})
	require.NoError(t, err)
	subID, err := env.store.CreateSubJob(ctx, &models.SubJob{JobID: jobID, Status: models.StatusQueued})
	require.NoError(t, err)
	require.NoError(t, env.store.ClaimTransition(ctx, subID, time.Now()))

	r.Sweep(ctx)

	sub, err := env.store.ReadSubJob(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, sub.Status)
	assert.Contains(t, sub.Messages, "no active claim")

	// The parent had no pending queue work either, so it is repaired too.
	job, err := env.store.ReadJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Contains(t, job.Messages, "coordinator error")
}

func TestSweepLeavesHealthyWorkAlone(t *testing.T) {
	env := newPoolEnv(t)
	r := newTestReconciler(t, env, time.Hour, time.Hour)
	ctx := context.Background()

	_, subIDs := env.createAndEnqueue(t, 1, nil)

	item, err := env.queue.Claim(ctx, "live-worker")
	require.NoError(t, err)
	require.NoError(t, env.store.ClaimTransition(ctx, item.TargetID, time.Now()))

	r.Sweep(ctx)

	sub, err := env.store.ReadSubJob(ctx, subIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, sub.Status, "a live claim is untouched")
}

func TestSweepPurgesOldTerminalEntries(t *testing.T) {
	env := newPoolEnv(t)
	r := newTestReconciler(t, env, 10*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	_, err := env.queue.Enqueue(ctx, &models.WorkItem{
		ID:      "short-lived",
		Target:  models.TargetSubJob,
		JobID:   1,
		JobType: models.JobTypeWireReconstruction,
		Timeout: time.Minute,
	})
	require.NoError(t, err)
	_, err = env.queue.Claim(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, env.queue.Complete(ctx, "short-lived", models.ItemStateFinished, ""))

	time.Sleep(30 * time.Millisecond)
	r.Sweep(ctx)

	_, err = env.queue.Get(ctx, "short-lived")
	assert.ErrorIs(t, err, models.ErrItemNotFound)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	env := newPoolEnv(t)
	r := newTestReconciler(t, env, time.Hour, time.Hour)

	assert.Error(t, r.Start("not a cron expression"))
}
