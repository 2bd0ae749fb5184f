package dao

import (
	"time"

	"gorm.io/gorm"

	"github.com/utrading/utrading-trade-engine/internal/models"
)

type TradeDAO struct{}

var _trade = &TradeDAO{}

// Trade 获取 TradeDAO 单例
func Trade() *TradeDAO {
	return _trade
}

// Append 追加一条执行记录；只追加，终态后不回写
func (d *TradeDAO) Append(trade *models.Trade) error {
	return db.Create(trade).Error
}

func (d *TradeDAO) GetByID(id uint) (*models.Trade, error) {
	var trade models.Trade
	if err := db.First(&trade, id).Error; err != nil {
		return nil, err
	}
	return &trade, nil
}

// GetByClientOrderID 按幂等客户端订单 ID 查找
func (d *TradeDAO) GetByClientOrderID(clientOrderID string) (*models.Trade, error) {
	var trade models.Trade
	err := db.Where("client_order_id = ?", clientOrderID).First(&trade).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

// ListByPosition 按持仓列出执行记录，时间正序
func (d *TradeDAO) ListByPosition(positionID uint) ([]*models.Trade, error) {
	var trades []*models.Trade
	if err := db.Where("position_id = ?", positionID).
		Order("created_at ASC").
		Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// CountForBotSince 统计 Bot 自指定时间起的非保护单成交数（日内限额用）
func (d *TradeDAO) CountForBotSince(botID uint, since time.Time) (int64, error) {
	var count int64
	err := db.Model(&models.Trade{}).
		Where("bot_id = ? AND is_protective = ? AND created_at >= ?", botID, false, since).
		Count(&count).Error
	return count, err
}

// UpdateStatus 非终态订单状态推进
func (d *TradeDAO) UpdateStatus(id uint, status string, executedPrice float64) error {
	updates := map[string]interface{}{
		"status": status,
	}
	if executedPrice > 0 {
		updates["executed_price"] = executedPrice
	}
	if status == models.OrderStatusFilled {
		now := time.Now()
		updates["executed_at"] = &now
	}
	return db.Model(&models.Trade{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// MarkStopLossAttempt 保护单重试跟踪
func (d *TradeDAO) MarkStopLossAttempt(id uint, failed bool, errMsg string) error {
	now := time.Now()
	return db.Model(&models.Trade{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"stop_loss_retry_count":  gorm.Expr("stop_loss_retry_count + ?", 1),
			"stop_loss_last_attempt": &now,
			"stop_loss_failed":       failed,
			"error_message":          errMsg,
		}).Error
}
