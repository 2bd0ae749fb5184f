package stoploss

import (
	"errors"
	"fmt"
	"time"

	"github.com/utrading/utrading-trade-engine/internal/exchange"
	"github.com/utrading/utrading-trade-engine/internal/models"
)

// ErrInsufficientData 历史数据不足以计算该策略
// 调用方本轮跳过该持仓，下一轮重试；绝不在短窗口上凑合计算
var ErrInsufficientData = errors.New("insufficient market data for stop-loss policy")

// Config 止损策略配置，一次只激活一个变体
type Config struct {
	Type            string
	Percentage      float64
	Timeframe       string
	EMAPeriod       int
	ATRPeriod       int
	ATRMultiplier   float64
	SupportLookback int
}

// ConfigFromBot 从 Bot 的内嵌止损列构造策略配置
func ConfigFromBot(bot *models.Bot) Config {
	return Config{
		Type:            bot.StopLossType,
		Percentage:      bot.StopLossPercentage,
		Timeframe:       bot.StopLossTimeframe,
		EMAPeriod:       bot.StopLossEMAPeriod,
		ATRPeriod:       bot.StopLossATRPeriod,
		ATRMultiplier:   bot.StopLossATRMultiplier,
		SupportLookback: bot.StopLossSupportLookback,
	}
}

// ComputeTarget 计算目标止损价
// 纯函数：相同输入必然得到相同输出
// side: long/short；entryTime 用于跟踪止损的窗口起点
func ComputeTarget(cfg Config, side string, entry float64, entryTime time.Time, klines []exchange.Kline) (float64, error) {
	if entry <= 0 {
		return 0, fmt.Errorf("invalid entry price %f", entry)
	}
	if side != models.DirectionLong && side != models.DirectionShort {
		return 0, fmt.Errorf("invalid position side %q", side)
	}

	switch cfg.Type {
	case models.StopLossFixedPercentage:
		return fixedPercentage(cfg, side, entry), nil
	case models.StopLossTrailing:
		return trailing(cfg, side, entryTime, klines)
	case models.StopLossEMABased:
		return emaBased(cfg, side, klines)
	case models.StopLossATRBased:
		return atrBased(cfg, side, klines)
	case models.StopLossSupportLevel:
		return supportLevel(cfg, side, klines)
	}
	return 0, fmt.Errorf("unknown stop-loss type %q", cfg.Type)
}

// fixedPercentage 入场价固定偏移，永不移动
func fixedPercentage(cfg Config, side string, entry float64) float64 {
	if side == models.DirectionLong {
		return entry * (1 - cfg.Percentage/100)
	}
	return entry * (1 + cfg.Percentage/100)
}

// trailing 入场以来最高/最低价偏移
func trailing(cfg Config, side string, entryTime time.Time, klines []exchange.Kline) (float64, error) {
	var window []exchange.Kline
	for _, k := range klines {
		if !k.OpenTime.Before(entryTime) {
			window = append(window, k)
		}
	}
	if len(window) == 0 {
		return 0, fmt.Errorf("trailing: no bars since entry: %w", ErrInsufficientData)
	}
	if side == models.DirectionLong {
		maxHigh := window[0].High
		for _, k := range window[1:] {
			if k.High > maxHigh {
				maxHigh = k.High
			}
		}
		return maxHigh * (1 - cfg.Percentage/100), nil
	}
	minLow := window[0].Low
	for _, k := range window[1:] {
		if k.Low < minLow {
			minLow = k.Low
		}
	}
	return minLow * (1 + cfg.Percentage/100), nil
}

// emaBased 收盘价 EMA 偏移
func emaBased(cfg Config, side string, klines []exchange.Kline) (float64, error) {
	if cfg.EMAPeriod <= 0 {
		return 0, fmt.Errorf("ema: invalid period %d", cfg.EMAPeriod)
	}
	if len(klines) < cfg.EMAPeriod {
		return 0, fmt.Errorf("ema: %d bars < period %d: %w", len(klines), cfg.EMAPeriod, ErrInsufficientData)
	}
	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}
	ema := EMA(closes, cfg.EMAPeriod)
	if side == models.DirectionLong {
		return ema * (1 - cfg.Percentage/100), nil
	}
	return ema * (1 + cfg.Percentage/100), nil
}

// atrBased 最新收盘价 ∓ multiplier×ATR
func atrBased(cfg Config, side string, klines []exchange.Kline) (float64, error) {
	if cfg.ATRPeriod <= 0 {
		return 0, fmt.Errorf("atr: invalid period %d", cfg.ATRPeriod)
	}
	if len(klines) < cfg.ATRPeriod+1 {
		return 0, fmt.Errorf("atr: %d bars < period+1 %d: %w", len(klines), cfg.ATRPeriod+1, ErrInsufficientData)
	}
	atr := ATR(klines, cfg.ATRPeriod)
	lastClose := klines[len(klines)-1].Close
	if side == models.DirectionLong {
		return lastClose - atr*cfg.ATRMultiplier, nil
	}
	return lastClose + atr*cfg.ATRMultiplier, nil
}

// supportLevel 枢轴点支撑（多头）/ 阻力（空头）
func supportLevel(cfg Config, side string, klines []exchange.Kline) (float64, error) {
	if cfg.SupportLookback <= 0 {
		return 0, fmt.Errorf("support: invalid lookback %d", cfg.SupportLookback)
	}
	if len(klines) < cfg.SupportLookback {
		return 0, fmt.Errorf("support: %d bars < lookback %d: %w", len(klines), cfg.SupportLookback, ErrInsufficientData)
	}
	window := klines[len(klines)-cfg.SupportLookback:]
	levels := Pivots(window)
	if side == models.DirectionLong {
		// 取较高的支撑位
		if levels.Support1 > levels.Support2 {
			return levels.Support1, nil
		}
		return levels.Support2, nil
	}
	// 空头取较低的阻力位
	if levels.Resistance1 < levels.Resistance2 {
		return levels.Resistance1, nil
	}
	return levels.Resistance2, nil
}
