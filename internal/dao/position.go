package dao

import (
	"time"

	"gorm.io/gorm"

	"github.com/utrading/utrading-trade-engine/internal/models"
)

type PositionDAO struct{}

var _position = &PositionDAO{}

// Position 获取 PositionDAO 单例
func Position() *PositionDAO {
	return _position
}

func (d *PositionDAO) GetByID(id uint) (*models.Position, error) {
	var pos models.Position
	if err := db.First(&pos, id).Error; err != nil {
		return nil, err
	}
	return &pos, nil
}

func (d *PositionDAO) Create(pos *models.Position) error {
	return db.Create(pos).Error
}

// ListOpen 获取全部未平仓持仓
func (d *PositionDAO) ListOpen() ([]*models.Position, error) {
	var positions []*models.Position
	if err := db.Where("is_open = ?", true).Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// ListOpenByBot 获取指定 Bot 的未平仓持仓
func (d *PositionDAO) ListOpenByBot(botID uint) ([]*models.Position, error) {
	var positions []*models.Position
	if err := db.Where("bot_id = ? AND is_open = ?", botID, true).
		Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// ListFailed 获取标记失败待清扫重试的持仓
func (d *PositionDAO) ListFailed() ([]*models.Position, error) {
	var positions []*models.Position
	if err := db.Where("is_open = ? AND protection_state = ? AND needs_manual_review = ?",
		true, models.ProtectionFailed, false).
		Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// UpdateMarket 同步交易所侧行情字段
func (d *PositionDAO) UpdateMarket(id uint, qty, entry, current, unrealized float64, leverage int) error {
	return db.Model(&models.Position{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"quantity":       qty,
			"entry_price":    entry,
			"current_price":  current,
			"unrealized_pnl": unrealized,
			"leverage":       leverage,
		}).Error
}

// SetProtectiveOrder 在场保护单确认后写入订单引用
// 与 ClearProtectiveOrder 配对，保证任一时刻至多一个非空引用
func (d *PositionDAO) SetProtectiveOrder(id uint, orderID string, stopPrice float64) error {
	return db.Model(&models.Position{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"protective_order_id": orderID,
			"protective_stop":     stopPrice,
			"protection_state":    models.ProtectionProtected,
		}).Error
}

// ClearProtectiveOrder 清除保护单引用并落状态
func (d *PositionDAO) ClearProtectiveOrder(id uint, state string) error {
	return db.Model(&models.Position{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"protective_order_id": nil,
			"protective_stop":     0,
			"protection_state":    state,
		}).Error
}

// SetProtectionState 仅更新状态机状态
func (d *PositionDAO) SetProtectionState(id uint, state string) error {
	return db.Model(&models.Position{}).
		Where("id = ?", id).
		Update("protection_state", state).Error
}

// RecordFailure 记录一次失败；达到上限时标记人工复核
func (d *PositionDAO) RecordFailure(id uint, errMsg string, maxAttempts int) error {
	updates := map[string]interface{}{
		"reconcile_retry_count": gorm.Expr("reconcile_retry_count + ?", 1),
		"protection_state":      models.ProtectionFailed,
		"last_reconcile_error":  errMsg,
	}
	if err := db.Model(&models.Position{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return err
	}
	return db.Model(&models.Position{}).
		Where("id = ? AND reconcile_retry_count >= ?", id, maxAttempts).
		Update("needs_manual_review", true).Error
}

// ResetRetries 成功后清零重试计数
func (d *PositionDAO) ResetRetries(id uint) error {
	return db.Model(&models.Position{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"reconcile_retry_count": 0,
			"last_reconcile_error":  "",
		}).Error
}

// Close 平仓
func (d *PositionDAO) Close(id uint, realizedPnl float64) error {
	now := time.Now()
	return db.Model(&models.Position{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_open":             false,
			"closed_at":           &now,
			"realized_pnl":        realizedPnl,
			"protective_order_id": nil,
			"protection_state":    models.ProtectionNone,
		}).Error
}
