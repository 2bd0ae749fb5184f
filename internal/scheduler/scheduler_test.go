package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/utrading/utrading-trade-engine/internal/dao"
	"github.com/utrading/utrading-trade-engine/internal/models"
)

func setupTestDB(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.JobRun{}))
	dao.InitDAO(db)
}

func TestRegister_Validation(t *testing.T) {
	s, err := New(Options{})
	require.NoError(t, err)
	defer s.pool.Release()

	fn := func(ctx context.Context, runID string) error { return nil }

	assert.Error(t, s.Register(&Job{Name: "", Fn: fn, Interval: time.Minute}))
	assert.Error(t, s.Register(&Job{Name: "no-fn", Interval: time.Minute}))
	assert.Error(t, s.Register(&Job{Name: "no-trigger", Fn: fn}))
	assert.Error(t, s.Register(&Job{Name: "bad-time", Fn: fn, DailyAt: "25:99"}))

	require.NoError(t, s.Register(&Job{Name: "ok", Fn: fn, Interval: time.Minute}))
	assert.Error(t, s.Register(&Job{Name: "ok", Fn: fn, Interval: time.Minute}), "duplicate name rejected")
}

func TestRunNow_ExecutesAndRecords(t *testing.T) {
	setupTestDB(t)
	s, err := New(Options{WorkerPoolSize: 2, DefaultTimeout: 5 * time.Second})
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, s.Register(&Job{
		Name:     "probe",
		Interval: time.Hour,
		Fn: func(ctx context.Context, runID string) error {
			calls.Add(1)
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.NoError(t, s.RunNow("probe"))
	assert.Error(t, s.RunNow("missing"))

	assert.Eventually(t, func() bool {
		return calls.Load() == 1
	}, 3*time.Second, 20*time.Millisecond)

	// 运行行落库并回写终态
	assert.Eventually(t, func() bool {
		last, err := dao.JobRun().LastRun("probe")
		return err == nil && last != nil && last.Outcome == models.JobRunSuccess
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRun_FailureRecorded(t *testing.T) {
	setupTestDB(t)
	s, err := New(Options{WorkerPoolSize: 2, DefaultTimeout: 5 * time.Second})
	require.NoError(t, err)

	require.NoError(t, s.Register(&Job{
		Name:     "broken",
		Interval: time.Hour,
		Fn: func(ctx context.Context, runID string) error {
			return errors.New("exchange unreachable")
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	require.NoError(t, s.RunNow("broken"))

	assert.Eventually(t, func() bool {
		last, err := dao.JobRun().LastRun("broken")
		return err == nil && last != nil &&
			last.Outcome == models.JobRunFailed &&
			last.ErrorDetail == "exchange unreachable"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestPause_SkipsTrigger(t *testing.T) {
	setupTestDB(t)
	s, err := New(Options{WorkerPoolSize: 2})
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, s.Register(&Job{
		Name:     "ticker",
		Interval: 30 * time.Millisecond,
		Fn: func(ctx context.Context, runID string) error {
			calls.Add(1)
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Pause("ticker", true))
	s.Start(ctx)
	defer s.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load(), "paused job must not fire")

	require.NoError(t, s.Pause("ticker", false))
	assert.Eventually(t, func() bool {
		return calls.Load() > 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestJobsStatus(t *testing.T) {
	setupTestDB(t)
	s, err := New(Options{})
	require.NoError(t, err)
	defer s.pool.Release()

	fn := func(ctx context.Context, runID string) error { return nil }
	require.NoError(t, s.Register(&Job{Name: "daily", Fn: fn, DailyAt: "00:15"}))
	require.NoError(t, s.Register(&Job{Name: "periodic", Fn: fn, Interval: 4 * time.Hour}))

	status := s.JobsStatus()
	require.Len(t, status, 2)
	assert.Equal(t, "daily", status[0]["name"])
	assert.Equal(t, "00:15", status[0]["daily_at"])
	assert.Equal(t, "4h0m0s", status[1]["interval"])
}

func TestParseDailyAt(t *testing.T) {
	next, err := parseDailyAt("00:15")
	require.NoError(t, err)
	assert.Equal(t, 0, next.Hour())
	assert.Equal(t, 15, next.Minute())
	assert.Equal(t, time.UTC, next.Location())
	assert.True(t, next.After(time.Now().UTC()))
	assert.True(t, time.Until(next) <= 24*time.Hour)

	_, err = parseDailyAt("7pm")
	assert.Error(t, err)
}
