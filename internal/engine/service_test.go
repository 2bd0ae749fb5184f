package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utrading/utrading-trade-engine/internal/dao"
	"github.com/utrading/utrading-trade-engine/internal/exchange"
	"github.com/utrading/utrading-trade-engine/internal/models"
)

func TestValidateStopLossConfig(t *testing.T) {
	cases := []struct {
		name    string
		bot     models.Bot
		wantErr bool
	}{
		{"fixed ok", models.Bot{StopLossType: models.StopLossFixedPercentage, StopLossPercentage: 5}, false},
		{"fixed zero pct", models.Bot{StopLossType: models.StopLossFixedPercentage}, true},
		{"fixed pct too big", models.Bot{StopLossType: models.StopLossFixedPercentage, StopLossPercentage: 100}, true},
		{"trailing ok", models.Bot{StopLossType: models.StopLossTrailing, StopLossPercentage: 2}, false},
		{"ema ok", models.Bot{StopLossType: models.StopLossEMABased, StopLossEMAPeriod: 7}, false},
		{"ema bad period", models.Bot{StopLossType: models.StopLossEMABased}, true},
		{"atr ok", models.Bot{StopLossType: models.StopLossATRBased, StopLossATRPeriod: 14, StopLossATRMultiplier: 2}, false},
		{"atr no multiplier", models.Bot{StopLossType: models.StopLossATRBased, StopLossATRPeriod: 14}, true},
		{"support ok", models.Bot{StopLossType: models.StopLossSupportLevel, StopLossSupportLookback: 20}, false},
		{"unknown type", models.Bot{StopLossType: "martingale"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateStopLossConfig(&tc.bot)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// balanceConnector 脚本化余额与行情
type balanceConnector struct {
	nopConnector
	free float64
	last float64
}

func (b *balanceConnector) Balances(ctx context.Context, currency string) ([]exchange.Balance, error) {
	return []exchange.Balance{{Currency: "USDT", Free: b.free}}, nil
}

func (b *balanceConnector) Ticker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	return &exchange.Ticker{Symbol: symbol, Last: b.last}, nil
}

func riskBot() *models.Bot {
	return &models.Bot{
		ID:                     1,
		UserID:                 1,
		MaxTradesPerDay:        2,
		MinBalanceThreshold:    100,
		MaxPositionSizePercent: 10,
		MaxDailyLoss:           50,
	}
}

func TestCheckRiskLimits_DailyTradeCap(t *testing.T) {
	setupTestDB(t)
	svc := newSweepService(nopConnector{})
	bot := riskBot()

	for i := 0; i < 2; i++ {
		require.NoError(t, dao.Trade().Append(&models.Trade{
			UserID: 1, BotID: bot.ID, ConnectionID: 1, Symbol: "BTC/USDT",
			TradeType: models.TradeTypeSpot, OrderType: models.OrderTypeMarket,
			Side: "buy", Quantity: 1, Status: models.OrderStatusFilled,
		}))
	}

	err := svc.checkRiskLimits(context.Background(), &balanceConnector{free: 10000, last: 10}, bot, "BTC/USDT", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max trades per day")
}

func TestCheckRiskLimits_BalanceThreshold(t *testing.T) {
	setupTestDB(t)
	svc := newSweepService(nopConnector{})

	err := svc.checkRiskLimits(context.Background(), &balanceConnector{free: 50, last: 10}, riskBot(), "BTC/USDT", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below threshold")
}

func TestCheckRiskLimits_PositionSize(t *testing.T) {
	setupTestDB(t)
	svc := newSweepService(nopConnector{})

	// 名义价值 10*200 = 2000 > 10000 的 10%
	err := svc.checkRiskLimits(context.Background(), &balanceConnector{free: 10000, last: 200}, riskBot(), "BTC/USDT", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")

	// 名义价值 1*200 = 200 < 1000 放行
	err = svc.checkRiskLimits(context.Background(), &balanceConnector{free: 10000, last: 200}, riskBot(), "BTC/USDT", 1)
	assert.NoError(t, err)
}

func TestCheckRiskLimits_MaxDailyLoss(t *testing.T) {
	setupTestDB(t)
	svc := newSweepService(nopConnector{})
	bot := riskBot()

	pos := &models.Position{
		UserID: 1, BotID: bot.ID, ConnectionID: 1,
		Symbol: "ETH/USDT", TradeType: models.TradeTypeSpot,
		Side: models.DirectionLong, Quantity: 1, EntryPrice: 100,
		IsOpen: true,
	}
	require.NoError(t, dao.Position().Create(pos))
	require.NoError(t, dao.Position().UpdateMarket(pos.ID, 1, 100, 40, -60, 1))

	err := svc.checkRiskLimits(context.Background(), &balanceConnector{free: 10000, last: 10}, bot, "BTC/USDT", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max daily loss")
}

// 开仓走完整链路：市价单、持仓落库、立即挂保护单
func TestOpenPosition_PlacesInitialProtection(t *testing.T) {
	setupTestDB(t)
	entry := time.Now().UTC().Add(-time.Hour)

	conn := &models.ExchangeConnection{UserID: 1, Exchange: "fake", APIKey: "k", APISecret: "s"}
	require.NoError(t, dao.Connection().Create(conn))
	bot := &models.Bot{
		UserID: 1, ConnectionID: conn.ID, Name: "b", StrategyName: "manual",
		TradeType: models.TradeTypeSpot, Direction: models.DirectionLong,
		TradingPairs: "BTC/USDT",
		StopLossType: models.StopLossFixedPercentage, StopLossPercentage: 5,
		StopLossTimeframe: "1h",
		IsActive:          true,
	}
	require.NoError(t, dao.Bot().Create(bot))

	fake := &openingConnector{recoveringConnector: recoveringConnector{
		klines: []exchange.Kline{
			{OpenTime: entry, Open: 100, High: 101, Low: 99, Close: 100, CloseTime: entry.Add(time.Hour)},
		},
	}}
	svc := newSweepService(fake)

	pos, err := svc.OpenPosition(context.Background(), bot, "BTC/USDT", models.DirectionLong, 0.5)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 100.0, pos.EntryPrice)

	updated, err := dao.Position().GetByID(pos.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProtectionProtected, updated.ProtectionState)
	require.NotNil(t, updated.ProtectiveOrderID)
	assert.InDelta(t, 95.0, updated.ProtectiveStop, 1e-9)

	// 市价单 + 保护单各一条执行记录
	trades, err := dao.Trade().ListByPosition(pos.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

// openingConnector 市价单按 100 成交
type openingConnector struct {
	recoveringConnector
}

func (o *openingConnector) CreateOrder(ctx context.Context, req *exchange.OrderRequest) (*exchange.Order, error) {
	order, err := o.recoveringConnector.CreateOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.Type == exchange.TypeMarket {
		order.Status = models.OrderStatusFilled
		order.AvgFillPrice = 100
	}
	return order, nil
}

// 手动平仓：撤保护单、市价出场、账本落终态
func TestClosePosition_CancelsProtectionAndSettles(t *testing.T) {
	setupTestDB(t)
	entry := time.Now().UTC().Add(-time.Hour)

	conn := &models.ExchangeConnection{UserID: 1, Exchange: "fake", APIKey: "k", APISecret: "s"}
	require.NoError(t, dao.Connection().Create(conn))
	bot := &models.Bot{
		UserID: 1, ConnectionID: conn.ID, Name: "b", StrategyName: "manual",
		TradeType: models.TradeTypeSpot, Direction: models.DirectionLong,
		TradingPairs: "BTC/USDT",
		StopLossType: models.StopLossFixedPercentage, StopLossPercentage: 5,
		StopLossTimeframe: "1h",
		IsActive:          true,
	}
	require.NoError(t, dao.Bot().Create(bot))

	fake := &openingConnector{recoveringConnector: recoveringConnector{
		klines: []exchange.Kline{
			{OpenTime: entry, Open: 100, High: 101, Low: 99, Close: 100, CloseTime: entry.Add(time.Hour)},
		},
	}}
	svc := newSweepService(fake)

	pos, err := svc.OpenPosition(context.Background(), bot, "BTC/USDT", models.DirectionLong, 0.5)
	require.NoError(t, err)

	require.NoError(t, svc.ClosePosition(context.Background(), pos.ID))

	closed, err := dao.Position().GetByID(pos.ID)
	require.NoError(t, err)
	assert.False(t, closed.IsOpen)
	assert.Nil(t, closed.ProtectiveOrderID)
	assert.InDelta(t, 0.0, closed.RealizedPnl, 1e-9)

	// 开仓市价单、保护单、平仓市价单各一条
	trades, err := dao.Trade().ListByPosition(pos.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 3)

	// 已平仓持仓再平报错
	err = svc.ClosePosition(context.Background(), pos.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already closed")
}
