package dao

import (
	"gorm.io/gorm"
)

var db *gorm.DB

// InitDAO 初始化所有 DAO（应用启动时调用）
func InitDAO(d *gorm.DB) {
	db = d
}

// DB 返回底层句柄（测试用）
func DB() *gorm.DB {
	return db
}
