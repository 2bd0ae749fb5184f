package dao

import (
	"errors"
	"time"

	"github.com/utrading/utrading-trade-engine/internal/models"
)

// ErrConnectionInUse 连接仍被 Bot 引用，禁止删除
var ErrConnectionInUse = errors.New("exchange connection still referenced by bots")

type ConnectionDAO struct{}

var _connection = &ConnectionDAO{}

// Connection 获取 ConnectionDAO 单例
func Connection() *ConnectionDAO {
	return _connection
}

func (d *ConnectionDAO) GetByID(id uint) (*models.ExchangeConnection, error) {
	var conn models.ExchangeConnection
	if err := db.First(&conn, id).Error; err != nil {
		return nil, err
	}
	return &conn, nil
}

// MarkVerified 记录验证结果
func (d *ConnectionDAO) MarkVerified(id uint, ok bool) error {
	status := models.ConnStatusVerified
	if !ok {
		status = models.ConnStatusFailed
	}
	now := time.Now()
	return db.Model(&models.ExchangeConnection{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        status,
			"last_verified": &now,
		}).Error
}

// Delete 删除连接：仍有 Bot 引用时拒绝
func (d *ConnectionDAO) Delete(id uint) error {
	var count int64
	if err := db.Model(&models.Bot{}).
		Where("connection_id = ?", id).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrConnectionInUse
	}
	return db.Delete(&models.ExchangeConnection{}, id).Error
}

// Create 创建连接
func (d *ConnectionDAO) Create(conn *models.ExchangeConnection) error {
	return db.Create(conn).Error
}
