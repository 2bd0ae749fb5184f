package models

import "time"

// 保护单状态机（每个持仓一条状态）
const (
	ProtectionNone           = "no_protection"
	ProtectionPendingPlace   = "pending_place"
	ProtectionProtected      = "protected"
	ProtectionPendingReplace = "pending_replace"
	ProtectionFailed         = "failed"
)

// Position 持仓表，敞口的权威记录
// 不变式：任一时刻一个未平仓持仓最多持有一个在场保护单
type Position struct {
	ID           uint `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       uint `gorm:"not null;index:idx_pos_user" json:"user_id"`
	BotID        uint `gorm:"not null;index:idx_pos_bot;comment:所属Bot" json:"bot_id"`
	ConnectionID uint `gorm:"not null;index;comment:交易所连接ID" json:"connection_id"`

	Symbol    string `gorm:"type:varchar(24);not null;index:idx_pos_symbol" json:"symbol"`
	TradeType string `gorm:"type:varchar(10);not null;default:spot" json:"trade_type"`
	Side      string `gorm:"type:varchar(8);not null;comment:long/short" json:"side"`

	Quantity   float64 `gorm:"type:decimal(28,12);not null" json:"quantity"`
	EntryPrice float64 `gorm:"type:decimal(28,12);not null" json:"entry_price"`
	Leverage   int     `gorm:"not null;default:1" json:"leverage"`

	CurrentPrice     float64 `gorm:"type:decimal(28,12);not null;default:0" json:"current_price"`
	UnrealizedPnl    float64 `gorm:"type:decimal(28,12);not null;default:0" json:"unrealized_pnl"`
	RealizedPnl      float64 `gorm:"type:decimal(28,12);not null;default:0" json:"realized_pnl"`
	LiquidationPrice float64 `gorm:"type:decimal(28,12);not null;default:0;comment:强平价(合约)" json:"liquidation_price"`

	// 保护单跟踪：nil 表示当前没有已确认在场的保护单
	ProtectiveOrderID *string `gorm:"type:varchar(255);comment:当前保护单交易所订单ID" json:"protective_order_id"`
	ProtectiveStop    float64 `gorm:"type:decimal(28,12);not null;default:0;comment:当前保护单触发价" json:"protective_stop"`
	ProtectionState   string  `gorm:"type:varchar(20);not null;default:no_protection;index:idx_pos_protection" json:"protection_state"`

	// 失败重试跟踪（耗尽后标记人工复核）
	ReconcileRetryCount int    `gorm:"not null;default:0" json:"reconcile_retry_count"`
	NeedsManualReview   bool   `gorm:"type:tinyint(1);not null;default:0;index" json:"needs_manual_review"`
	LastReconcileError  string `gorm:"type:text" json:"last_reconcile_error"`

	IsOpen   bool       `gorm:"type:tinyint(1);not null;default:1;index:idx_pos_open" json:"is_open"`
	OpenedAt time.Time  `gorm:"autoCreateTime" json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at"`

	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Position) TableName() string {
	return "positions"
}
