package dao

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utrading/utrading-trade-engine/internal/models"
)

func seedJobRun(t *testing.T, name, runID, outcome string, startedAt time.Time, retries int) {
	require.NoError(t, JobRun().Create(&models.JobRun{
		JobName:     name,
		RunID:       runID,
		ScheduledAt: startedAt,
		StartedAt:   startedAt,
		Outcome:     outcome,
		RetryCount:  retries,
	}))
}

func TestJobRunDAO_Finish(t *testing.T) {
	setupTestDB(t)
	seedJobRun(t, "sweep", "sweep-1", models.JobRunStarted, time.Now(), 0)

	require.NoError(t, JobRun().Finish("sweep-1", models.JobRunFailed, "boom"))

	run, err := JobRun().GetByRunID("sweep-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, models.JobRunFailed, run.Outcome)
	assert.Equal(t, "boom", run.ErrorDetail)
	assert.NotNil(t, run.FinishedAt)
}

func TestJobRunDAO_StaleStarted(t *testing.T) {
	setupTestDB(t)
	now := time.Now()

	// 崩溃遗留：started 且超过宽限期
	seedJobRun(t, "stop_loss_batch", "stale-1", models.JobRunStarted, now.Add(-30*time.Minute), 0)
	// 刚启动的不算
	seedJobRun(t, "stop_loss_batch", "fresh-1", models.JobRunStarted, now.Add(-1*time.Minute), 0)
	// 已终态的不算
	seedJobRun(t, "stop_loss_batch", "done-1", models.JobRunSuccess, now.Add(-30*time.Minute), 0)
	// 重试预算耗尽的不再捞
	seedJobRun(t, "stop_loss_batch", "spent-1", models.JobRunStarted, now.Add(-30*time.Minute), 3)

	stale, err := JobRun().StaleStarted(10*time.Minute, 3)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "stale-1", stale[0].RunID)
}

func TestJobRunDAO_IncRetry(t *testing.T) {
	setupTestDB(t)
	seedJobRun(t, "sweep", "sweep-1", models.JobRunStarted, time.Now(), 0)

	require.NoError(t, JobRun().IncRetry("sweep-1"))
	require.NoError(t, JobRun().IncRetry("sweep-1"))

	run, err := JobRun().GetByRunID("sweep-1")
	require.NoError(t, err)
	assert.Equal(t, 2, run.RetryCount)
}

func TestJobRunDAO_LastRun(t *testing.T) {
	setupTestDB(t)
	now := time.Now()
	seedJobRun(t, "daily_signals", "sig-1", models.JobRunSuccess, now.Add(-2*time.Hour), 0)
	seedJobRun(t, "daily_signals", "sig-2", models.JobRunSuccess, now.Add(-1*time.Hour), 0)

	run, err := JobRun().LastRun("daily_signals")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "sig-2", run.RunID)

	// 没跑过的任务返回 nil 而非错误
	run, err = JobRun().LastRun("unknown_job")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestJobRunDAO_DeleteBefore(t *testing.T) {
	setupTestDB(t)
	now := time.Now()
	seedJobRun(t, "sweep", "old-done", models.JobRunSuccess, now.Add(-48*time.Hour), 0)
	// started 行留给清扫任务裁决，保留期外也不删
	seedJobRun(t, "sweep", "old-started", models.JobRunStarted, now.Add(-48*time.Hour), 0)
	seedJobRun(t, "sweep", "recent", models.JobRunSuccess, now, 0)

	deleted, err := JobRun().DeleteBefore(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	run, err := JobRun().GetByRunID("old-started")
	require.NoError(t, err)
	assert.NotNil(t, run)
}
