package stoploss

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/utrading/utrading-trade-engine/internal/exchange"
	"github.com/utrading/utrading-trade-engine/internal/models"
)

// makeKlines 构造收盘价序列对应的 K 线，间隔 1 小时
func makeKlines(start time.Time, bars ...[4]float64) []exchange.Kline {
	klines := make([]exchange.Kline, 0, len(bars))
	for i, b := range bars {
		openTime := start.Add(time.Duration(i) * time.Hour)
		klines = append(klines, exchange.Kline{
			OpenTime:  openTime,
			Open:      b[0],
			High:      b[1],
			Low:       b[2],
			Close:     b[3],
			CloseTime: openTime.Add(time.Hour),
		})
	}
	return klines
}

func TestComputeTarget_FixedPercentage(t *testing.T) {
	cfg := Config{Type: models.StopLossFixedPercentage, Percentage: 5}

	// 多头：入场 100，5% 止损 → 95
	target, err := ComputeTarget(cfg, models.DirectionLong, 100, time.Now(), nil)
	assert.NoError(t, err)
	assert.InDelta(t, 95.0, target, 1e-9)

	// 空头：入场 100 → 105
	target, err = ComputeTarget(cfg, models.DirectionShort, 100, time.Now(), nil)
	assert.NoError(t, err)
	assert.InDelta(t, 105.0, target, 1e-9)
}

func TestComputeTarget_InvalidInput(t *testing.T) {
	cfg := Config{Type: models.StopLossFixedPercentage, Percentage: 5}

	_, err := ComputeTarget(cfg, models.DirectionLong, 0, time.Now(), nil)
	assert.Error(t, err)

	_, err = ComputeTarget(cfg, "sideways", 100, time.Now(), nil)
	assert.Error(t, err)

	_, err = ComputeTarget(Config{Type: "unknown"}, models.DirectionLong, 100, time.Now(), nil)
	assert.Error(t, err)
}

func TestComputeTarget_Trailing(t *testing.T) {
	entry := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Type: models.StopLossTrailing, Percentage: 2}

	// 入场后最高价 105 → 止损 105*0.98 = 102.9
	klines := makeKlines(entry,
		[4]float64{100, 100, 99, 100},
		[4]float64{100, 105, 100, 104},
		[4]float64{104, 103, 101, 103},
	)
	target, err := ComputeTarget(cfg, models.DirectionLong, 100, entry, klines)
	assert.NoError(t, err)
	assert.InDelta(t, 102.9, target, 1e-9)

	// 随后价格回落到 101：窗口最高价不变，目标价不变
	klines = append(klines, makeKlines(entry.Add(3*time.Hour), [4]float64{103, 103, 100, 101})...)
	target, err = ComputeTarget(cfg, models.DirectionLong, 100, entry, klines)
	assert.NoError(t, err)
	assert.InDelta(t, 102.9, target, 1e-9)
}

func TestComputeTarget_Trailing_Short(t *testing.T) {
	entry := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Type: models.StopLossTrailing, Percentage: 2}

	// 空头：入场以来最低价 95 → 止损 95*1.02 = 96.9
	klines := makeKlines(entry,
		[4]float64{100, 101, 98, 99},
		[4]float64{99, 100, 95, 96},
	)
	target, err := ComputeTarget(cfg, models.DirectionShort, 100, entry, klines)
	assert.NoError(t, err)
	assert.InDelta(t, 96.9, target, 1e-9)
}

func TestComputeTarget_Trailing_IgnoresBarsBeforeEntry(t *testing.T) {
	entry := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg := Config{Type: models.StopLossTrailing, Percentage: 2}

	// 入场前的 110 高点不参与窗口
	klines := makeKlines(entry.Add(-2*time.Hour),
		[4]float64{108, 110, 107, 109}, // 入场前
		[4]float64{109, 109, 105, 106}, // 入场前
		[4]float64{100, 102, 99, 101},  // 入场后
	)
	target, err := ComputeTarget(cfg, models.DirectionLong, 100, entry, klines)
	assert.NoError(t, err)
	assert.InDelta(t, 102*0.98, target, 1e-9)
}

func TestComputeTarget_Trailing_NoBarsSinceEntry(t *testing.T) {
	entry := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Type: models.StopLossTrailing, Percentage: 2}

	klines := makeKlines(entry.Add(-3*time.Hour), [4]float64{100, 101, 99, 100})
	_, err := ComputeTarget(cfg, models.DirectionLong, 100, entry, klines)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestComputeTarget_EMA(t *testing.T) {
	entry := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Type: models.StopLossEMABased, Percentage: 1, EMAPeriod: 3}

	klines := makeKlines(entry,
		[4]float64{100, 100, 100, 100},
		[4]float64{102, 102, 102, 102},
		[4]float64{104, 104, 104, 104},
	)
	// alpha = 2/(3+1) = 0.5: 100 → 101 → 102.5
	target, err := ComputeTarget(cfg, models.DirectionLong, 100, entry, klines)
	assert.NoError(t, err)
	assert.InDelta(t, 102.5*0.99, target, 1e-9)

	// 数据不足
	_, err = ComputeTarget(cfg, models.DirectionLong, 100, entry, klines[:2])
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestComputeTarget_ATR(t *testing.T) {
	entry := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Type: models.StopLossATRBased, ATRPeriod: 2, ATRMultiplier: 2}

	// TR1 = max(106-102, |106-104|, |102-104|) = 4
	// TR2 = max(107-103, |107-105|, |103-105|) = 4
	// ATR = 4；止损 = 106 - 2*4 = 98
	klines := makeKlines(entry,
		[4]float64{103, 105, 101, 104},
		[4]float64{104, 106, 102, 105},
		[4]float64{105, 107, 103, 106},
	)
	target, err := ComputeTarget(cfg, models.DirectionLong, 104, entry, klines)
	assert.NoError(t, err)
	assert.InDelta(t, 98.0, target, 1e-9)

	// 空头：106 + 8 = 114
	target, err = ComputeTarget(cfg, models.DirectionShort, 104, entry, klines)
	assert.NoError(t, err)
	assert.InDelta(t, 114.0, target, 1e-9)

	// period+1 根才够
	_, err = ComputeTarget(cfg, models.DirectionLong, 104, entry, klines[:2])
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestComputeTarget_SupportLevel(t *testing.T) {
	entry := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Type: models.StopLossSupportLevel, SupportLookback: 3}

	// maxHigh=110 minLow=90 lastClose=100 → pivot=100
	// S1 = 2*100-110 = 90, S2 = 100-20 = 80 → 多头取较高的 90
	klines := makeKlines(entry,
		[4]float64{95, 110, 94, 96},
		[4]float64{96, 98, 90, 97},
		[4]float64{97, 101, 95, 100},
	)
	target, err := ComputeTarget(cfg, models.DirectionLong, 100, entry, klines)
	assert.NoError(t, err)
	assert.InDelta(t, 90.0, target, 1e-9)

	// R1 = 2*100-90 = 110, R2 = 100+20 = 120 → 空头取较低的 110
	target, err = ComputeTarget(cfg, models.DirectionShort, 100, entry, klines)
	assert.NoError(t, err)
	assert.InDelta(t, 110.0, target, 1e-9)

	_, err = ComputeTarget(cfg, models.DirectionLong, 100, entry, klines[:2])
	assert.ErrorIs(t, err, ErrInsufficientData)
}

// 相同输入多次计算必须得到完全相同的结果
func TestComputeTarget_Deterministic(t *testing.T) {
	entry := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	klines := makeKlines(entry,
		[4]float64{100, 104, 98, 103},
		[4]float64{103, 108, 102, 107},
		[4]float64{107, 109, 104, 105},
		[4]float64{105, 106, 101, 102},
	)

	configs := []Config{
		{Type: models.StopLossFixedPercentage, Percentage: 3},
		{Type: models.StopLossTrailing, Percentage: 2},
		{Type: models.StopLossEMABased, Percentage: 1, EMAPeriod: 3},
		{Type: models.StopLossATRBased, ATRPeriod: 2, ATRMultiplier: 1.5},
		{Type: models.StopLossSupportLevel, SupportLookback: 4},
	}
	for _, cfg := range configs {
		first, err := ComputeTarget(cfg, models.DirectionLong, 100, entry, klines)
		assert.NoError(t, err, cfg.Type)
		for i := 0; i < 10; i++ {
			again, err := ComputeTarget(cfg, models.DirectionLong, 100, entry, klines)
			assert.NoError(t, err, cfg.Type)
			assert.Equal(t, first, again, cfg.Type)
		}
		assert.False(t, math.IsNaN(first), cfg.Type)
	}
}

func TestConfigFromBot(t *testing.T) {
	bot := &models.Bot{
		StopLossType:            models.StopLossATRBased,
		StopLossPercentage:      3,
		StopLossTimeframe:       "1h",
		StopLossEMAPeriod:       9,
		StopLossATRPeriod:       14,
		StopLossATRMultiplier:   2.5,
		StopLossSupportLookback: 30,
	}
	cfg := ConfigFromBot(bot)
	assert.Equal(t, models.StopLossATRBased, cfg.Type)
	assert.Equal(t, 14, cfg.ATRPeriod)
	assert.Equal(t, 2.5, cfg.ATRMultiplier)
	assert.Equal(t, "1h", cfg.Timeframe)
}
