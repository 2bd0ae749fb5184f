package dao

import (
	"time"

	"github.com/utrading/utrading-trade-engine/internal/models"
)

type ActivityDAO struct{}

var _activity = &ActivityDAO{}

// Activity 获取 ActivityDAO 单例
func Activity() *ActivityDAO {
	return _activity
}

func (d *ActivityDAO) Insert(act *models.Activity) error {
	return db.Create(act).Error
}

// BatchInsert 批量落审计记录（批量写入器刷盘用）
func (d *ActivityDAO) BatchInsert(acts []*models.Activity) error {
	if len(acts) == 0 {
		return nil
	}
	return db.CreateInBatches(acts, 200).Error
}

// ListByPosition 按持仓列出审计轨迹
func (d *ActivityDAO) ListByPosition(positionID uint, limit int) ([]*models.Activity, error) {
	var acts []*models.Activity
	if err := db.Where("position_id = ?", positionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&acts).Error; err != nil {
		return nil, err
	}
	return acts, nil
}

// ListByBot 按 Bot 列出最近活动
func (d *ActivityDAO) ListByBot(botID uint, limit int) ([]*models.Activity, error) {
	var acts []*models.Activity
	if err := db.Where("bot_id = ?", botID).
		Order("created_at DESC").
		Limit(limit).
		Find(&acts).Error; err != nil {
		return nil, err
	}
	return acts, nil
}

// DeleteExpired 删除已过期的审计记录，返回删除行数
func (d *ActivityDAO) DeleteExpired(now time.Time, batchSize int) (int64, error) {
	result := db.Where("expired_at < ?", now).
		Limit(batchSize).
		Delete(&models.Activity{})
	return result.RowsAffected, result.Error
}
