package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// 止损策略类型
const (
	StopLossFixedPercentage = "fixed_percentage"
	StopLossTrailing        = "trailing_max_price"
	StopLossEMABased        = "ema_based"
	StopLossATRBased        = "atr_based"
	StopLossSupportLevel    = "support_level"
)

// 交易类型 / 方向
const (
	TradeTypeSpot    = "spot"
	TradeTypeFutures = "futures"

	DirectionLong  = "long"
	DirectionShort = "short"
	DirectionBoth  = "both"
)

// Bot 交易机器人配置表
type Bot struct {
	ID           uint `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       uint `gorm:"not null;index:idx_bot_user;comment:用户ID" json:"user_id"`
	ConnectionID uint `gorm:"not null;index;comment:交易所连接ID" json:"connection_id"`

	Name         string `gorm:"type:varchar(128);not null" json:"name"`
	StrategyName string `gorm:"type:varchar(128);not null;comment:策略标识" json:"strategy_name"`

	// 核心交易配置
	TradeType    string `gorm:"type:varchar(10);not null;default:spot;comment:spot/futures" json:"trade_type"`
	Direction    string `gorm:"type:varchar(10);not null;default:long;comment:long/short/both" json:"direction"`
	Leverage     int    `gorm:"not null;default:1" json:"leverage"`
	TradingPairs string `gorm:"type:text;comment:交易对列表 逗号分隔" json:"trading_pairs"`

	// 止损配置（同一时刻仅一个变体生效）
	StopLossType            string  `gorm:"type:varchar(50);not null;default:fixed_percentage;comment:止损类型" json:"stop_loss_type"`
	StopLossPercentage      float64 `gorm:"type:decimal(10,4);not null;default:5;comment:止损百分比" json:"stop_loss_percentage"`
	StopLossTimeframe       string  `gorm:"type:varchar(10);not null;default:4h;comment:跟踪止损时间窗口" json:"stop_loss_timeframe"`
	StopLossEMAPeriod       int     `gorm:"not null;default:7" json:"stop_loss_ema_period"`
	StopLossATRPeriod       int     `gorm:"not null;default:14" json:"stop_loss_atr_period"`
	StopLossATRMultiplier   float64 `gorm:"type:decimal(10,4);not null;default:2" json:"stop_loss_atr_multiplier"`
	StopLossSupportLookback int     `gorm:"not null;default:20" json:"stop_loss_support_lookback"`

	// 风控限制
	MaxPositionSizePercent float64 `gorm:"type:decimal(10,4);not null;default:10;comment:单仓最大余额占比" json:"max_position_size_percent"`
	MaxTradesPerDay        int     `gorm:"not null;default:10" json:"max_trades_per_day"`
	MinBalanceThreshold    float64 `gorm:"type:decimal(28,12);not null;default:100;comment:最低余额阈值" json:"min_balance_threshold"`
	MaxDailyLoss           float64 `gorm:"type:decimal(28,12);not null;default:50;comment:最大日亏损" json:"max_daily_loss"`

	// 状态：停止为软禁用，删除为硬删除（级联自身活动日志）
	IsActive bool `gorm:"type:tinyint(1);not null;default:0;index:idx_bot_active" json:"is_active"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Bot) TableName() string {
	return "bots"
}

// Pairs 解析交易对列表
func (b *Bot) Pairs() []string {
	if b.TradingPairs == "" {
		return nil
	}
	parts := strings.Split(b.TradingPairs, ",")
	pairs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			pairs = append(pairs, p)
		}
	}
	return pairs
}
