package nats

import (
	"encoding/json"

	"github.com/utrading/utrading-trade-engine/pkg/logger"
)

const (
	TopicStopLossEvent = "trade_engine.stop_loss"
	TopicPositionEvent = "trade_engine.position"
	TopicSignalEvent   = "trade_engine.signal"
)

// 止损事件类型
const (
	StopLossPlaced       = "placed"
	StopLossReplaced     = "replaced"
	StopLossRejected     = "rejected"
	StopLossFailed       = "failed"
	StopLossManualReview = "manual_review"
)

// StopLossEvent 止损事件消息
type StopLossEvent struct {
	Type       string  `json:"type"`        // placed/replaced/rejected/failed/manual_review
	PositionID uint    `json:"position_id"` // 持仓ID
	BotID      uint    `json:"bot_id"`      // Bot ID
	Symbol     string  `json:"symbol"`      // 交易对
	Side       string  `json:"side"`        // long/short
	StopPrice  float64 `json:"stop_price"`  // 新止损价
	PrevStop   float64 `json:"prev_stop"`   // 原止损价（换单时）
	OrderID    string  `json:"order_id"`    // 交易所订单ID
	RunID      string  `json:"run_id"`      // 调度运行ID
	Reason     string  `json:"reason"`      // 失败/拒绝原因
	Timestamp  int64   `json:"timestamp"`   // 时间戳
}

// Marshal 序列化事件
func (e *StopLossEvent) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		logger.Error().Err(err).Msg("marshal stop-loss event failed")
		return nil, err
	}
	return data, nil
}

// 持仓事件类型
const (
	PositionOpened = "opened"
	PositionClosed = "closed"
	PositionSynced = "synced"
)

// PositionEvent 持仓事件消息
type PositionEvent struct {
	Type        string  `json:"type"` // opened/closed/synced
	PositionID  uint    `json:"position_id"`
	BotID       uint    `json:"bot_id"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Quantity    float64 `json:"quantity"`
	EntryPrice  float64 `json:"entry_price"`
	RealizedPnl float64 `json:"realized_pnl"` // 平仓时
	Timestamp   int64   `json:"timestamp"`
}

// Marshal 序列化事件
func (e *PositionEvent) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		logger.Error().Err(err).Msg("marshal position event failed")
		return nil, err
	}
	return data, nil
}

// SignalEvent 每日趋势信号消息
type SignalEvent struct {
	BotID     uint    `json:"bot_id"`
	Symbol    string  `json:"symbol"`
	Trend     string  `json:"trend"` // bullish/bearish/neutral
	FastEMA   float64 `json:"fast_ema"`
	SlowEMA   float64 `json:"slow_ema"`
	LastClose float64 `json:"last_close"`
	Timestamp int64   `json:"timestamp"`
}

// Marshal 序列化事件
func (e *SignalEvent) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		logger.Error().Err(err).Msg("marshal signal event failed")
		return nil, err
	}
	return data, nil
}
