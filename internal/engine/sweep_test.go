package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/utrading/utrading-trade-engine/internal/cache"
	"github.com/utrading/utrading-trade-engine/internal/dao"
	"github.com/utrading/utrading-trade-engine/internal/exchange"
	"github.com/utrading/utrading-trade-engine/internal/models"
	"github.com/utrading/utrading-trade-engine/internal/reconciler"
)

func setupTestDB(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.ExchangeConnection{},
		&models.Bot{},
		&models.Position{},
		&models.Trade{},
		&models.JobRun{},
		&models.Activity{},
	))
	dao.InitDAO(db)
}

// nopConnector 所有方法为空实现，测试连接器在其上覆写所需方法
type nopConnector struct{}

func (nopConnector) Name() string { return "fake" }
func (nopConnector) Ticker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	return &exchange.Ticker{Symbol: symbol, Last: 100}, nil
}
func (nopConnector) OrderBook(ctx context.Context, symbol string, depth int) (*exchange.OrderBook, error) {
	return nil, nil
}
func (nopConnector) Klines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error) {
	return nil, nil
}
func (nopConnector) Balances(ctx context.Context, currency string) ([]exchange.Balance, error) {
	return nil, nil
}
func (nopConnector) Positions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	return nil, nil
}
func (nopConnector) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (nopConnector) CreateOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.Order, error) {
	return nil, nil
}
func (nopConnector) GetOrder(ctx context.Context, orderID, symbol string) (*exchange.Order, error) {
	return nil, exchange.ErrOrderNotFound
}
func (nopConnector) CancelOrder(ctx context.Context, orderID, symbol string) error { return nil }
func (nopConnector) OpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	return nil, nil
}
func (nopConnector) Trades(ctx context.Context, symbol string, limit int) ([]exchange.Fill, error) {
	return nil, nil
}
func (nopConnector) Symbols(ctx context.Context) ([]exchange.SymbolInfo, error) { return nil, nil }
func (nopConnector) TestConnection(ctx context.Context) error                   { return nil }
func (nopConnector) Close() error                                               { return nil }

// recoveringConnector 撤换失败后的重试场景：行情正常、下单成功
type recoveringConnector struct {
	nopConnector
	klines      []exchange.Kline
	createCalls int
}

func (r *recoveringConnector) Klines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error) {
	return r.klines, nil
}

func (r *recoveringConnector) CreateOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.Order, error) {
	r.createCalls++
	return &exchange.Order{
		ID:            fmt.Sprintf("ord-%d", r.createCalls),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		StopPrice:     req.StopPrice,
		Status:        models.OrderStatusOpen,
	}, nil
}

type staticResolver struct {
	connector exchange.Connector
}

func (r *staticResolver) Resolve(ctx context.Context, conn *models.ExchangeConnection) (exchange.Connector, error) {
	return r.connector, nil
}

// recordingDispatcher 记录清扫重派的任务名
type recordingDispatcher struct {
	dispatched []string
}

func (d *recordingDispatcher) RunNow(name string) error {
	d.dispatched = append(d.dispatched, name)
	return nil
}

func newSweepService(connector exchange.Connector) *Service {
	resolver := &staticResolver{connector: connector}
	manager := reconciler.NewManager(
		resolver,
		cache.NewReplaceDedupCache(time.Minute, 0.001),
		nil, nil,
		reconciler.Options{LockWaitTimeout: 100 * time.Millisecond, MaxAttempts: 3, KlineLimit: 100},
	)
	return NewService(resolver, manager, nil, nil, cache.NewPriceCache(), 100)
}

func seedStaleRun(t *testing.T, name, runID string, age time.Duration, retries int) {
	started := time.Now().Add(-age)
	require.NoError(t, dao.JobRun().Create(&models.JobRun{
		JobName:     name,
		RunID:       runID,
		ScheduledAt: started,
		StartedAt:   started,
		Outcome:     models.JobRunStarted,
		RetryCount:  retries,
	}))
}

// 崩溃遗留的 started 行：恰好重派一次并落终态
func TestSweep_RetriesStaleRunOnce(t *testing.T) {
	setupTestDB(t)
	svc := newSweepService(&recoveringConnector{})
	dispatcher := &recordingDispatcher{}

	seedStaleRun(t, "stop_loss_batch", "stale-1", 30*time.Minute, 0)
	seedStaleRun(t, "position_sync", "fresh-1", time.Minute, 0)

	opts := SweepOptions{GracePeriod: 10 * time.Minute, MaxRetries: 3}
	require.NoError(t, svc.Sweep(context.Background(), "sweep-1", dispatcher, opts))

	assert.Equal(t, []string{"stop_loss_batch"}, dispatcher.dispatched)

	// 旧行已终态且计数 +1，第二次清扫不再重派
	run, err := dao.JobRun().GetByRunID("stale-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobRunFailed, run.Outcome)
	assert.Equal(t, 1, run.RetryCount)

	require.NoError(t, svc.Sweep(context.Background(), "sweep-2", dispatcher, opts))
	assert.Len(t, dispatcher.dispatched, 1, "stale run retried exactly once")
}

// 重试预算耗尽的 started 行不再重派
func TestSweep_RespectsRetryBudget(t *testing.T) {
	setupTestDB(t)
	svc := newSweepService(&recoveringConnector{})
	dispatcher := &recordingDispatcher{}

	seedStaleRun(t, "stop_loss_batch", "spent-1", time.Hour, 3)

	opts := SweepOptions{GracePeriod: 10 * time.Minute, MaxRetries: 3}
	require.NoError(t, svc.Sweep(context.Background(), "sweep-1", dispatcher, opts))
	assert.Empty(t, dispatcher.dispatched)
}

// failed 持仓在预算内重走调节并恢复保护
func TestSweep_ReconcilesFailedPositions(t *testing.T) {
	setupTestDB(t)
	entry := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	conn := &models.ExchangeConnection{UserID: 1, Exchange: "fake", APIKey: "k", APISecret: "s"}
	require.NoError(t, dao.Connection().Create(conn))
	bot := &models.Bot{
		UserID: 1, ConnectionID: conn.ID, Name: "b", StrategyName: "manual",
		TradeType: models.TradeTypeSpot, Direction: models.DirectionLong,
		TradingPairs: "BTC/USDT",
		StopLossType: models.StopLossFixedPercentage, StopLossPercentage: 5,
		StopLossTimeframe: "1h", IsActive: true,
	}
	require.NoError(t, dao.Bot().Create(bot))

	pos := &models.Position{
		UserID: 1, BotID: bot.ID, ConnectionID: conn.ID,
		Symbol: "BTC/USDT", TradeType: models.TradeTypeSpot,
		Side: models.DirectionLong, Quantity: 1, EntryPrice: 100,
		IsOpen: true,
	}
	require.NoError(t, dao.Position().Create(pos))
	require.NoError(t, dao.DB().Model(pos).Update("opened_at", entry).Error)
	require.NoError(t, dao.Position().RecordFailure(pos.ID, "exchange was down", 3))

	fake := &recoveringConnector{klines: []exchange.Kline{
		{OpenTime: entry, Open: 100, High: 101, Low: 99, Close: 100, CloseTime: entry.Add(time.Hour)},
	}}
	svc := newSweepService(fake)

	require.NoError(t, svc.Sweep(context.Background(), "sweep-1", &recordingDispatcher{},
		SweepOptions{GracePeriod: 10 * time.Minute, MaxRetries: 3}))

	updated, err := dao.Position().GetByID(pos.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProtectionProtected, updated.ProtectionState)
	require.NotNil(t, updated.ProtectiveOrderID)
	assert.InDelta(t, 95.0, updated.ProtectiveStop, 1e-9)
	assert.Equal(t, 0, updated.ReconcileRetryCount, "success resets the retry budget")
	assert.Equal(t, 1, fake.createCalls)
}
