package dao

import (
	"github.com/utrading/utrading-trade-engine/internal/models"
)

type BotDAO struct{}

var _bot = &BotDAO{}

// Bot 获取 BotDAO 单例
func Bot() *BotDAO {
	return _bot
}

func (d *BotDAO) GetByID(id uint) (*models.Bot, error) {
	var bot models.Bot
	if err := db.First(&bot, id).Error; err != nil {
		return nil, err
	}
	return &bot, nil
}

// ListActive 获取全部启用中的 Bot
func (d *BotDAO) ListActive() ([]*models.Bot, error) {
	var bots []*models.Bot
	if err := db.Where("is_active = ?", true).Find(&bots).Error; err != nil {
		return nil, err
	}
	return bots, nil
}

func (d *BotDAO) Create(bot *models.Bot) error {
	return db.Create(bot).Error
}

// Update 更新配置字段（不触达状态位）
func (d *BotDAO) Update(bot *models.Bot) error {
	return db.Save(bot).Error
}

// SetActive 启停 Bot，停止为软禁用
func (d *BotDAO) SetActive(id uint, active bool) error {
	return db.Model(&models.Bot{}).
		Where("id = ?", id).
		Update("is_active", active).Error
}

// Delete 硬删除 Bot，并级联清理其活动日志
// 已下到交易所的订单不受影响
func (d *BotDAO) Delete(id uint) error {
	if err := db.Where("bot_id = ?", id).Delete(&models.Activity{}).Error; err != nil {
		return err
	}
	return db.Unscoped().Delete(&models.Bot{}, id).Error
}
