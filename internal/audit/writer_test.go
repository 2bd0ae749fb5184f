package audit

import (
	"fmt"
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
	require.NoError(t, db.AutoMigrate(&models.Activity{}))
	dao.InitDAO(db)
}

func countActivities(t *testing.T) int64 {
	var count int64
	require.NoError(t, dao.DB().Model(&models.Activity{}).Count(&count).Error)
	return count
}

func TestWriter_StartStop(t *testing.T) {
	setupTestDB(t)
	w := NewWriter(&WriterConfig{BatchSize: 10, FlushInterval: 50 * time.Millisecond, MaxQueueSize: 100})
	w.Start()
	w.Stop()
}

func TestWriter_FlushOnBatchSize(t *testing.T) {
	setupTestDB(t)
	w := NewWriter(&WriterConfig{BatchSize: 5, FlushInterval: time.Hour, MaxQueueSize: 100})
	w.Start()
	defer w.Stop()

	for i := 0; i < 5; i++ {
		w.Event(models.ActivityStopLossPlaced, 1, uint(i+1), 95, "order placed %d", i)
	}

	assert.Eventually(t, func() bool {
		return countActivities(t) == 5
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWriter_FlushOnInterval(t *testing.T) {
	setupTestDB(t)
	w := NewWriter(&WriterConfig{BatchSize: 100, FlushInterval: 50 * time.Millisecond, MaxQueueSize: 100})
	w.Start()
	defer w.Stop()

	w.Event(models.ActivityPositionOpened, 1, 1, 100, "position opened")

	assert.Eventually(t, func() bool {
		return countActivities(t) == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWriter_StopDrainsQueue(t *testing.T) {
	setupTestDB(t)
	w := NewWriter(&WriterConfig{BatchSize: 1000, FlushInterval: time.Hour, MaxQueueSize: 1000})
	w.Start()

	for i := 0; i < 37; i++ {
		w.Event(models.ActivityStopLossFailed, 1, 1, 0, "attempt %d", i)
	}
	w.Stop()

	assert.Equal(t, int64(37), countActivities(t))
}

func TestWriter_SetsExpiry(t *testing.T) {
	setupTestDB(t)
	retention := 24 * time.Hour
	w := NewWriter(&WriterConfig{BatchSize: 1, FlushInterval: time.Hour, MaxQueueSize: 10, Retention: retention})
	w.Start()

	w.Event(models.ActivityManualReview, 2, 3, 0, "budget exhausted")
	w.Stop()

	acts, err := dao.Activity().ListByPosition(3, 10)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, uint(2), acts[0].BotID)
	assert.Equal(t, "budget exhausted", acts[0].Description)

	wantExpiry := time.Now().Add(retention)
	assert.WithinDuration(t, wantExpiry, acts[0].ExpiredAt, time.Minute)
}

func TestWriter_QueueFullFallsBackToSync(t *testing.T) {
	setupTestDB(t)
	// 不启动消费协程，队列立即打满
	w := NewWriter(&WriterConfig{BatchSize: 10, FlushInterval: time.Hour, MaxQueueSize: 2})

	for i := 0; i < 5; i++ {
		w.Record(&models.Activity{
			Type:        models.ActivityStopLossPlaced,
			Description: fmt.Sprintf("row %d", i),
		})
	}

	// 溢出的 3 条同步落库
	assert.Equal(t, int64(3), countActivities(t))
}
