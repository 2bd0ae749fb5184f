package models

import "time"

// 订单状态
const (
	OrderStatusPending         = "pending"
	OrderStatusOpen            = "open"
	OrderStatusFilled          = "filled"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusCancelled       = "cancelled"
	OrderStatusRejected        = "rejected"
)

// 订单类型 / 买卖方向
const (
	OrderTypeMarket    = "market"
	OrderTypeLimit     = "limit"
	OrderTypeStop      = "stop"
	OrderTypeStopLimit = "stop_limit"

	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)

// Trade 成交/订单执行记录表
// 只追加：终态后不再原地修改，纠正以新行表达
type Trade struct {
	ID           uint  `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       uint  `gorm:"not null;index:idx_trade_user" json:"user_id"`
	BotID        uint  `gorm:"index:idx_trade_bot" json:"bot_id"`
	PositionID   uint  `gorm:"index:idx_trade_position;comment:关联持仓" json:"position_id"`
	ConnectionID uint  `gorm:"not null;index" json:"connection_id"`

	Symbol    string `gorm:"type:varchar(24);not null;index" json:"symbol"`
	TradeType string `gorm:"type:varchar(10);not null;default:spot" json:"trade_type"`
	OrderType string `gorm:"type:varchar(15);not null" json:"order_type"`
	Side      string `gorm:"type:varchar(4);not null;comment:buy/sell" json:"side"`

	Quantity      float64 `gorm:"type:decimal(28,12);not null" json:"quantity"`
	Price         float64 `gorm:"type:decimal(28,12);not null;comment:委托价(市价单为0)" json:"price"`
	ExecutedPrice float64 `gorm:"type:decimal(28,12);not null;default:0;comment:实际成交价" json:"executed_price"`
	Fee           float64 `gorm:"type:decimal(28,12);not null;default:0" json:"fee"`
	FeeCurrency   string  `gorm:"type:varchar(10);not null;default:USDT" json:"fee_currency"`

	Status          string `gorm:"type:varchar(20);not null;default:pending;index:idx_trade_status" json:"status"`
	ExchangeOrderID string `gorm:"type:varchar(255);index;comment:交易所订单ID" json:"exchange_order_id"`
	ClientOrderID   string `gorm:"type:varchar(255);index;comment:幂等客户端订单ID" json:"client_order_id"`

	// 保护单重试跟踪
	IsProtective         bool       `gorm:"type:tinyint(1);not null;default:0;index;comment:是否保护单" json:"is_protective"`
	StopPrice            float64    `gorm:"type:decimal(28,12);not null;default:0;comment:止损触发价" json:"stop_price"`
	StopLossRetryCount   int        `gorm:"not null;default:0" json:"stop_loss_retry_count"`
	StopLossLastAttempt  *time.Time `json:"stop_loss_last_attempt"`
	StopLossFailed       bool       `gorm:"type:tinyint(1);not null;default:0" json:"stop_loss_failed"`
	ErrorMessage         string     `gorm:"type:text" json:"error_message"`

	CreatedAt  time.Time  `gorm:"autoCreateTime;index:idx_trade_created" json:"created_at"`
	ExecutedAt *time.Time `json:"executed_at"`
}

func (Trade) TableName() string {
	return "trades"
}

// IsTerminal 是否处于终态
func (t *Trade) IsTerminal() bool {
	switch t.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}
