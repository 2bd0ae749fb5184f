package models

import "time"

// 连接状态
const (
	ConnStatusPending  = "pending"
	ConnStatusVerified = "verified"
	ConnStatusFailed   = "failed"
)

// ExchangeConnection 用户交易所连接（凭证）表
// 创建后不可变，仅支持轮换；有 Bot 引用时禁止删除
type ExchangeConnection struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID   uint   `gorm:"not null;index:idx_conn_user;comment:用户ID" json:"user_id"`
	Exchange string `gorm:"type:varchar(32);not null;index;comment:交易所标识 binance/gateio/kucoin" json:"exchange"`

	// 凭证（加密存储由上层负责）
	APIKey     string `gorm:"type:varchar(255);not null" json:"-"`
	APISecret  string `gorm:"type:varchar(255);not null" json:"-"`
	Passphrase string `gorm:"type:varchar(255);default:''" json:"-"`

	IsTestnet bool `gorm:"type:tinyint(1);not null;default:1;comment:是否测试网" json:"is_testnet"`

	// 验证状态
	Status       string     `gorm:"type:varchar(20);not null;default:pending;comment:连接状态" json:"status"`
	LastVerified *time.Time `gorm:"comment:最近一次验证时间" json:"last_verified"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ExchangeConnection) TableName() string {
	return "exchange_connections"
}
