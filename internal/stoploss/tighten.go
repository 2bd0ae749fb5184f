package stoploss

import "github.com/utrading/utrading-trade-engine/internal/models"

// Tightens 判断候选止损价是否严格优于当前在场止损价
// 多头：更高的止损价保护更多利润；空头相反
// 严格改进才换单：相等的目标价不触发撤换，避免无意义的交易所往返
// 固定百分比策略从不移动，恒为 false（首次挂单除外，由调用方处理）
func Tightens(policyType, side string, candidate, current float64) bool {
	if current <= 0 {
		// 尚无在场止损，任何有效目标都算改进
		return candidate > 0
	}
	if policyType == models.StopLossFixedPercentage {
		return false
	}
	if side == models.DirectionLong {
		return candidate > current
	}
	return candidate < current
}

// Triggered 判断当前价是否已触及止损位（多头跌破 / 空头突破）
func Triggered(side string, current, stop float64) bool {
	if stop <= 0 {
		return false
	}
	if side == models.DirectionLong {
		return current <= stop
	}
	return current >= stop
}
