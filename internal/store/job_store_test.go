package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamline-tools/lauerun/internal/common"
	"github.com/beamline-tools/lauerun/internal/models"
)

func newTestStore(t *testing.T) *JobStore {
	t.Helper()

	cfg := &common.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")}
	db, err := NewSQLiteDB(common.GetLogger(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewJobStore(db, common.GetLogger())
}

func createTestJob(t *testing.T, s *JobStore, numSubjobs int) (int64, []int64) {
	t.Helper()

	ctx := context.Background()
	now := time.Now()
	jobID, err := s.CreateJob(ctx, &models.Job{
		ComputerName: "beamline34",
		Status:       models.StatusQueued,
		SubmitTime:   &now,
	})
	require.NoError(t, err)

	var subIDs []int64
	for i := 0; i < numSubjobs; i++ {
		subID, err := s.CreateSubJob(ctx, &models.SubJob{
			JobID:        jobID,
			ComputerName: "beamline34",
			Status:       models.StatusQueued,
		})
		require.NoError(t, err)
		subIDs = append(subIDs, subID)
	}
	return jobID, subIDs
}

func TestCreateAndReadJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobID, subIDs := createTestJob(t, s, 3)

	job, err := s.ReadJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobID, job.JobID)
	assert.Equal(t, "beamline34", job.ComputerName)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.NotNil(t, job.SubmitTime)
	assert.Nil(t, job.StartTime)
	assert.Nil(t, job.FinishTime)

	subs, err := s.ListSubJobs(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, subs, 3)
	for i, sub := range subs {
		assert.Equal(t, subIDs[i], sub.SubJobID)
		assert.Equal(t, jobID, sub.JobID)
	}
}

func TestReadJobNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ReadJob(context.Background(), 9999)
	assert.ErrorIs(t, err, models.ErrRowNotFound)
}

func TestSubJobForeignKey(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateSubJob(context.Background(), &models.SubJob{
		JobID:  424242,
		Status: models.StatusQueued,
	})
	assert.Error(t, err, "subjob insert without a parent job must fail")
}

func TestUpdateStatusLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, subIDs := createTestJob(t, s, 1)
	subID := subIDs[0]

	sub, err := s.UpdateSubJobStatus(ctx, subID, StatusUpdate{Status: models.StatusRunning})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, sub.Status)
	require.NotNil(t, sub.StartTime)
	assert.Nil(t, sub.FinishTime)

	sub, err = s.UpdateSubJobStatus(ctx, subID, StatusUpdate{
		Status:        models.StatusFinished,
		AppendMessage: "analysis complete",
		Command:       "reconstructN -i in.h5 -o out.h5",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, sub.Status)
	require.NotNil(t, sub.FinishTime)
	assert.Equal(t, "analysis complete", sub.Messages)
	assert.Equal(t, "reconstructN -i in.h5 -o out.h5", sub.Command)
}

func TestUpdateStatusRejectsIllegalTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, subIDs := createTestJob(t, s, 1)
	subID := subIDs[0]

	// Queued -> Finished skips Running.
	_, err := s.UpdateSubJobStatus(ctx, subID, StatusUpdate{Status: models.StatusFinished})
	assert.ErrorIs(t, err, models.ErrIllegalTransition)

	// Terminal states are final.
	_, err = s.UpdateSubJobStatus(ctx, subID, StatusUpdate{Status: models.StatusRunning})
	require.NoError(t, err)
	_, err = s.UpdateSubJobStatus(ctx, subID, StatusUpdate{Status: models.StatusFailed})
	require.NoError(t, err)
	_, err = s.UpdateSubJobStatus(ctx, subID, StatusUpdate{Status: models.StatusRunning})
	assert.ErrorIs(t, err, models.ErrIllegalTransition)
}

func TestUpdateStatusOverrideSkipsGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobID, _ := createTestJob(t, s, 1)

	// Queued -> Finished is illegal, but the coordinator override applies it.
	job, err := s.UpdateJobStatus(ctx, jobID, StatusUpdate{
		Status:        models.StatusFinished,
		AppendMessage: "All 1 subjobs completed successfully",
		Override:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, job.Status)
	assert.NotNil(t, job.FinishTime)
}

func TestMessagesAppendNewlineSeparated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, subIDs := createTestJob(t, s, 1)
	subID := subIDs[0]

	_, err := s.UpdateSubJobStatus(ctx, subID, StatusUpdate{Status: models.StatusRunning, AppendMessage: "first"})
	require.NoError(t, err)
	sub, err := s.UpdateSubJobStatus(ctx, subID, StatusUpdate{Status: models.StatusFailed, AppendMessage: "second"})
	require.NoError(t, err)

	assert.Equal(t, "first\nsecond", sub.Messages)
}

func TestClaimTransitionPromotesParent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobID, subIDs := createTestJob(t, s, 2)
	at := time.Now()

	require.NoError(t, s.ClaimTransition(ctx, subIDs[0], at))

	sub, err := s.ReadSubJob(ctx, subIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, sub.Status)
	require.NotNil(t, sub.StartTime)

	job, err := s.ReadJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, job.Status)
	require.NotNil(t, job.StartTime)
	assert.Equal(t, sub.StartTime.Unix(), job.StartTime.Unix(), "job and subjob share the claim start time")

	// The second claim leaves the already-running parent untouched.
	require.NoError(t, s.ClaimTransition(ctx, subIDs[1], at.Add(time.Minute)))
	job2, err := s.ReadJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, job.StartTime.Unix(), job2.StartTime.Unix())
}

func TestClaimTransitionRejectsNonQueued(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, subIDs := createTestJob(t, s, 1)
	_, err := s.UpdateSubJobStatus(ctx, subIDs[0], StatusUpdate{Status: models.StatusCancelled})
	require.NoError(t, err)

	err = s.ClaimTransition(ctx, subIDs[0], time.Now())
	assert.ErrorIs(t, err, models.ErrIllegalTransition)

	err = s.ClaimTransition(ctx, 987654, time.Now())
	assert.ErrorIs(t, err, models.ErrRowNotFound)
}

func TestListRunningRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, subIDs := createTestJob(t, s, 2)
	require.NoError(t, s.ClaimTransition(ctx, subIDs[0], time.Now()))

	runningSubs, err := s.ListRunningSubJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{subIDs[0]}, runningSubs)

	runningJobs, err := s.ListRunningJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, runningJobs, 1)
}
