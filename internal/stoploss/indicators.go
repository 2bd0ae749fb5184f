package stoploss

import "github.com/utrading/utrading-trade-engine/internal/exchange"

// EMA 指数移动平均（span 语义：alpha = 2/(period+1)），返回末值
func EMA(closes []float64, period int) float64 {
	if len(closes) == 0 || period <= 0 {
		return 0
	}
	alpha := 2.0 / (float64(period) + 1)
	ema := closes[0]
	for _, c := range closes[1:] {
		ema = alpha*c + (1-alpha)*ema
	}
	return ema
}

// SMA 简单移动平均，取末 period 根
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// ATR 平均真实波幅：TR 的 period 期简单均值
// 至少需要 period+1 根 K 线（首根无前收，不产生 TR）
func ATR(klines []exchange.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 0
	}
	trs := make([]float64, 0, len(klines)-1)
	for i := 1; i < len(klines); i++ {
		tr := klines[i].High - klines[i].Low
		if hc := abs(klines[i].High - klines[i-1].Close); hc > tr {
			tr = hc
		}
		if lc := abs(klines[i].Low - klines[i-1].Close); lc > tr {
			tr = lc
		}
		trs = append(trs, tr)
	}
	return SMA(trs, period)
}

// PivotLevels 经典枢轴点支撑/阻力
// pivot = (maxHigh + minLow + lastClose) / 3
type PivotLevels struct {
	Pivot       float64
	Support1    float64
	Support2    float64
	Resistance1 float64
	Resistance2 float64
}

func Pivots(klines []exchange.Kline) PivotLevels {
	if len(klines) == 0 {
		return PivotLevels{}
	}
	maxHigh := klines[0].High
	minLow := klines[0].Low
	for _, k := range klines[1:] {
		if k.High > maxHigh {
			maxHigh = k.High
		}
		if k.Low < minLow {
			minLow = k.Low
		}
	}
	lastClose := klines[len(klines)-1].Close
	pivot := (maxHigh + minLow + lastClose) / 3
	rng := maxHigh - minLow
	return PivotLevels{
		Pivot:       pivot,
		Support1:    2*pivot - maxHigh,
		Support2:    pivot - rng,
		Resistance1: 2*pivot - minLow,
		Resistance2: pivot + rng,
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
