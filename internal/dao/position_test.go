package dao

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/utrading/utrading-trade-engine/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	d, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = d.AutoMigrate(
		&models.ExchangeConnection{},
		&models.Bot{},
		&models.Position{},
		&models.Trade{},
		&models.JobRun{},
		&models.Activity{},
	)
	require.NoError(t, err)

	InitDAO(d)
	return d
}

func newOpenPosition(botID uint) *models.Position {
	return &models.Position{
		UserID:       1,
		BotID:        botID,
		ConnectionID: 1,
		Symbol:       "BTC/USDT",
		TradeType:    models.TradeTypeSpot,
		Side:         models.DirectionLong,
		Quantity:     1,
		EntryPrice:   100,
		IsOpen:       true,
	}
}

func TestPositionDAO_ProtectiveOrderLifecycle(t *testing.T) {
	setupTestDB(t)
	pos := newOpenPosition(1)
	require.NoError(t, Position().Create(pos))

	// 确认在场
	require.NoError(t, Position().SetProtectiveOrder(pos.ID, "ord-1", 95))
	got, err := Position().GetByID(pos.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ProtectiveOrderID)
	assert.Equal(t, "ord-1", *got.ProtectiveOrderID)
	assert.Equal(t, 95.0, got.ProtectiveStop)
	assert.Equal(t, models.ProtectionProtected, got.ProtectionState)

	// 清除引用
	require.NoError(t, Position().ClearProtectiveOrder(pos.ID, models.ProtectionNone))
	got, err = Position().GetByID(pos.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ProtectiveOrderID)
	assert.Equal(t, 0.0, got.ProtectiveStop)
	assert.Equal(t, models.ProtectionNone, got.ProtectionState)
}

func TestPositionDAO_RecordFailure(t *testing.T) {
	setupTestDB(t)
	pos := newOpenPosition(1)
	require.NoError(t, Position().Create(pos))

	// 预算内：计数递增，不标记人工复核
	require.NoError(t, Position().RecordFailure(pos.ID, "boom", 3))
	require.NoError(t, Position().RecordFailure(pos.ID, "boom again", 3))
	got, err := Position().GetByID(pos.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ReconcileRetryCount)
	assert.False(t, got.NeedsManualReview)
	assert.Equal(t, models.ProtectionFailed, got.ProtectionState)
	assert.Equal(t, "boom again", got.LastReconcileError)

	// 第三次达到上限 → 人工复核
	require.NoError(t, Position().RecordFailure(pos.ID, "final", 3))
	got, err = Position().GetByID(pos.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ReconcileRetryCount)
	assert.True(t, got.NeedsManualReview)

	// 成功后清零
	require.NoError(t, Position().ResetRetries(pos.ID))
	got, err = Position().GetByID(pos.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ReconcileRetryCount)
	assert.Empty(t, got.LastReconcileError)
}

func TestPositionDAO_ListFailedExcludesManualReview(t *testing.T) {
	setupTestDB(t)

	retryable := newOpenPosition(1)
	require.NoError(t, Position().Create(retryable))
	require.NoError(t, Position().RecordFailure(retryable.ID, "transient", 5))

	exhausted := newOpenPosition(1)
	require.NoError(t, Position().Create(exhausted))
	require.NoError(t, Position().RecordFailure(exhausted.ID, "fatal", 1))

	closed := newOpenPosition(1)
	require.NoError(t, Position().Create(closed))
	require.NoError(t, Position().RecordFailure(closed.ID, "x", 5))
	require.NoError(t, Position().Close(closed.ID, 0))

	failed, err := Position().ListFailed()
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, retryable.ID, failed[0].ID)
}

func TestPositionDAO_Close(t *testing.T) {
	setupTestDB(t)
	pos := newOpenPosition(1)
	require.NoError(t, Position().Create(pos))
	require.NoError(t, Position().SetProtectiveOrder(pos.ID, "ord-1", 95))

	require.NoError(t, Position().Close(pos.ID, -2.5))

	got, err := Position().GetByID(pos.ID)
	require.NoError(t, err)
	assert.False(t, got.IsOpen)
	assert.NotNil(t, got.ClosedAt)
	assert.Equal(t, -2.5, got.RealizedPnl)
	assert.Nil(t, got.ProtectiveOrderID)

	open, err := Position().ListOpen()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPositionDAO_ListOpenByBot(t *testing.T) {
	setupTestDB(t)
	require.NoError(t, Position().Create(newOpenPosition(1)))
	require.NoError(t, Position().Create(newOpenPosition(1)))
	require.NoError(t, Position().Create(newOpenPosition(2)))

	mine, err := Position().ListOpenByBot(1)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	all, err := Position().ListOpen()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestTradeDAO_CountForBotSince(t *testing.T) {
	setupTestDB(t)
	midnight := time.Now().UTC().Truncate(24 * time.Hour)

	require.NoError(t, Trade().Append(&models.Trade{
		UserID: 1, BotID: 1, ConnectionID: 1, Symbol: "BTC/USDT",
		TradeType: models.TradeTypeSpot, OrderType: models.OrderTypeMarket,
		Side: "buy", Quantity: 1, Status: models.OrderStatusFilled,
	}))
	// 保护单不计入日内限额
	require.NoError(t, Trade().Append(&models.Trade{
		UserID: 1, BotID: 1, ConnectionID: 1, Symbol: "BTC/USDT",
		TradeType: models.TradeTypeSpot, OrderType: models.OrderTypeStop,
		Side: "sell", Quantity: 1, Status: models.OrderStatusOpen,
		IsProtective: true,
	}))

	count, err := Trade().CountForBotSince(1, midnight)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
