package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamline-tools/lauerun/internal/analysis"
	"github.com/beamline-tools/lauerun/internal/common"
	"github.com/beamline-tools/lauerun/internal/models"
	"github.com/beamline-tools/lauerun/internal/store"
	"github.com/beamline-tools/lauerun/internal/xmlmerge"
)

func newTestCoordinator(t *testing.T, env *testEnv) *Coordinator {
	t.Helper()
	logger := common.GetLogger()
	return NewCoordinator(env.store, env.events, xmlmerge.NewMerger(logger), logger)
}

// setSubJobStatuses forces subjob rows into the given states.
func setSubJobStatuses(t *testing.T, env *testEnv, subIDs []int64, statuses []models.Status) {
	t.Helper()
	require.Equal(t, len(subIDs), len(statuses))
	for i, subID := range subIDs {
		_, err := env.store.UpdateSubJobStatus(context.Background(), subID, store.StatusUpdate{
			Status:   statuses[i],
			Override: true,
		})
		require.NoError(t, err)
	}
}

func coordinatorItem(jobID int64, jobType models.JobType, args json.RawMessage) *models.WorkItem {
	return &models.WorkItem{
		ID:          models.CoordinatorItemID(jobType, jobID),
		Target:      models.TargetJob,
		TargetID:    jobID,
		JobID:       jobID,
		JobType:     jobType,
		Args:        args,
		Coordinator: true,
	}
}

func TestCoordinatorAllFinished(t *testing.T) {
	env := newTestEnv(t)
	coord := newTestCoordinator(t, env)
	ctx := context.Background()

	jobID, subIDs := env.createJob(t, 3)
	setSubJobStatuses(t, env, subIDs, []models.Status{
		models.StatusFinished, models.StatusFinished, models.StatusFinished,
	})

	_, err := coord.Run(ctx, coordinatorItem(jobID, models.JobTypeWireReconstruction, nil))
	require.NoError(t, err)

	job, err := env.store.ReadJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, job.Status)
	assert.NotNil(t, job.FinishTime)
	assert.Contains(t, job.Messages, "All 3 subjobs completed successfully")
}

func TestCoordinatorPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	coord := newTestCoordinator(t, env)
	ctx := context.Background()

	jobID, subIDs := env.createJob(t, 5)
	setSubJobStatuses(t, env, subIDs, []models.Status{
		models.StatusFinished, models.StatusFailed, models.StatusFinished,
		models.StatusFailed, models.StatusFinished,
	})

	_, err := coord.Run(ctx, coordinatorItem(jobID, models.JobTypeWireReconstruction, nil))
	require.NoError(t, err)

	job, err := env.store.ReadJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Contains(t, job.Messages, "Batch failed: 2 failed, 3 succeeded out of 5 subjobs")
}

func TestCoordinatorCancelledBatch(t *testing.T) {
	env := newTestEnv(t)
	coord := newTestCoordinator(t, env)
	ctx := context.Background()

	jobID, subIDs := env.createJob(t, 3)
	setSubJobStatuses(t, env, subIDs, []models.Status{
		models.StatusFinished, models.StatusCancelled, models.StatusCancelled,
	})

	_, err := coord.Run(ctx, coordinatorItem(jobID, models.JobTypeWireReconstruction, nil))
	require.NoError(t, err)

	job, err := env.store.ReadJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, job.Status)
	assert.Contains(t, job.Messages, "Batch cancelled: 2 cancelled, 1 succeeded out of 3 subjobs")
}

func TestCoordinatorNonTerminalSubjobsIsFailure(t *testing.T) {
	env := newTestEnv(t)
	coord := newTestCoordinator(t, env)
	ctx := context.Background()

	jobID, subIDs := env.createJob(t, 2)
	setSubJobStatuses(t, env, subIDs, []models.Status{
		models.StatusFinished, models.StatusRunning,
	})

	_, err := coord.Run(ctx, coordinatorItem(jobID, models.JobTypeWireReconstruction, nil))
	require.NoError(t, err)

	job, err := env.store.ReadJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status, "the job is never left running")
	assert.Contains(t, job.Messages, "coordinator error")
}

func writeAllSteps(t *testing.T, path string, steps ...string) {
	t.Helper()
	doc := "<?xml version=\"1.0\" ?>\n<AllSteps>\n"
	for _, s := range steps {
		doc += s + "\n"
	}
	doc += "</AllSteps>\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
}

func TestCoordinatorPeakIndexingMergesXML(t *testing.T) {
	env := newTestEnv(t)
	coord := newTestCoordinator(t, env)
	ctx := context.Background()

	outputDir := t.TempDir()
	xmlDir := filepath.Join(outputDir, "xml")
	require.NoError(t, os.MkdirAll(xmlDir, 0755))
	writeAllSteps(t, filepath.Join(xmlDir, "point_0.xml"), `<step xmlIndex="0"><detector>0</detector></step>`)
	writeAllSteps(t, filepath.Join(xmlDir, "point_1.xml"), `<step xmlIndex="1"><detector>1</detector></step>`)

	jobID, subIDs := env.createJob(t, 2)
	setSubJobStatuses(t, env, subIDs, []models.Status{
		models.StatusFinished, models.StatusFinished,
	})

	args, err := analysis.EncodeArgs(analysis.CoordinatorArgs{
		OutputDir:      outputDir,
		MergedFilename: "merged.xml",
	})
	require.NoError(t, err)

	_, err = coord.Run(ctx, coordinatorItem(jobID, models.JobTypePeakIndexing, args))
	require.NoError(t, err)

	job, err := env.store.ReadJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, job.Status)
	assert.Contains(t, job.Messages, "Merged 2 XML files")
	assert.Contains(t, job.Messages, "All 2 subjobs completed successfully")

	merged, err := os.ReadFile(filepath.Join(outputDir, "merged.xml"))
	require.NoError(t, err)
	assert.Contains(t, string(merged), `xmlIndex="0"`)
	assert.Contains(t, string(merged), `xmlIndex="1"`)
}

func TestCoordinatorSkipsMergeWithoutSuccesses(t *testing.T) {
	env := newTestEnv(t)
	coord := newTestCoordinator(t, env)
	ctx := context.Background()

	outputDir := t.TempDir()

	jobID, subIDs := env.createJob(t, 2)
	setSubJobStatuses(t, env, subIDs, []models.Status{
		models.StatusFailed, models.StatusFailed,
	})

	args, err := analysis.EncodeArgs(analysis.CoordinatorArgs{
		OutputDir:      outputDir,
		MergedFilename: "merged.xml",
	})
	require.NoError(t, err)

	_, err = coord.Run(ctx, coordinatorItem(jobID, models.JobTypePeakIndexing, args))
	require.NoError(t, err)

	job, err := env.store.ReadJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.NotContains(t, job.Messages, "Merged")

	_, statErr := os.Stat(filepath.Join(outputDir, "merged.xml"))
	assert.True(t, os.IsNotExist(statErr), "no merge output without successful subjobs")
}

func TestCoordinatorMergeFailureStillFinalizes(t *testing.T) {
	env := newTestEnv(t)
	coord := newTestCoordinator(t, env)
	ctx := context.Background()

	// No xml directory exists, so the merge fails.
	outputDir := filepath.Join(t.TempDir(), "missing")

	jobID, subIDs := env.createJob(t, 1)
	setSubJobStatuses(t, env, subIDs, []models.Status{models.StatusFinished})

	args, err := analysis.EncodeArgs(analysis.CoordinatorArgs{
		OutputDir:      outputDir,
		MergedFilename: "merged.xml",
	})
	require.NoError(t, err)

	_, err = coord.Run(ctx, coordinatorItem(jobID, models.JobTypePeakIndexing, args))
	require.NoError(t, err)

	job, err := env.store.ReadJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFinished, job.Status, "merge outcome does not change the batch status")
	assert.Contains(t, job.Messages, "XML merge failed")
}
