package models

import "time"

// 活动类型
const (
	ActivityStopLossPlaced    = "stop_loss_placed"
	ActivityStopLossReplaced  = "stop_loss_replaced"
	ActivityStopLossRejected  = "stop_loss_rejected"
	ActivityStopLossFailed    = "stop_loss_failed"
	ActivityStopLossSkipped   = "stop_loss_skipped"
	ActivityPositionOpened    = "position_opened"
	ActivityPositionClosed    = "position_closed"
	ActivityPositionSynced    = "position_synced"
	ActivityManualReview      = "manual_review_required"
	ActivityConnectionError   = "connection_error"
	ActivitySignalGenerated   = "signal_generated"
)

// Activity 审计活动表
// 错误处理准则：任何错误至少落一行审计记录
type Activity struct {
	ID         uint `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     uint `gorm:"index:idx_act_user" json:"user_id"`
	BotID      uint `gorm:"index:idx_act_bot" json:"bot_id"`
	PositionID uint `gorm:"index:idx_act_position" json:"position_id"`

	Type        string  `gorm:"type:varchar(48);not null;index:idx_act_type" json:"type"`
	Description string  `gorm:"type:text;not null" json:"description"`
	Amount      float64 `gorm:"type:decimal(28,12);not null;default:0;comment:相关金额/价格" json:"amount"`

	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_act_created" json:"created_at"`
	ExpiredAt time.Time `gorm:"not null;index;comment:过期时间(清理用)" json:"expired_at"`
}

func (Activity) TableName() string {
	return "activities"
}
