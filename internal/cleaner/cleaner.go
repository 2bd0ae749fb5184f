package cleaner

import (
	"time"

	"github.com/utrading/utrading-trade-engine/internal/dao"
	"github.com/utrading/utrading-trade-engine/pkg/logger"
)

// Cleaner 数据清理器，定时清理历史数据
type Cleaner struct {
	interval     time.Duration // 清理间隔
	jobRetention time.Duration // 任务运行行保留期
	done         chan struct{} // 停止信号
}

// NewCleaner 创建清理器
func NewCleaner() *Cleaner {
	return &Cleaner{
		interval:     1 * time.Hour, // 固定 1 小时
		jobRetention: 30 * 24 * time.Hour,
		done:         make(chan struct{}),
	}
}

// Start 启动清理任务
func (c *Cleaner) Start() {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		logger.Info().Msg("cleaner started")

		// 启动时立即执行一次
		c.clean()

		for {
			select {
			case <-ticker.C:
				c.clean()
			case <-c.done:
				logger.Info().Msg("cleaner stopped")
				return
			}
		}
	}()
}

// Stop 停止清理器
func (c *Cleaner) Stop() {
	close(c.done)
}

// clean 执行清理任务
func (c *Cleaner) clean() {
	logger.Debug().Msg("running cleanup task")

	// 审计记录按行内到期时间清理
	if err := c.cleanActivities(); err != nil {
		logger.Error().Err(err).Msg("clean activities failed")
	}

	// 任务运行行保留 30 天
	if err := c.cleanJobRuns(); err != nil {
		logger.Error().Err(err).Msg("clean job runs failed")
	}
}

// cleanActivities 分批删除到期审计记录，单批 5000 防止大事务锁表
func (c *Cleaner) cleanActivities() error {
	const batchSize = 5000
	var total int64
	for {
		deleted, err := dao.Activity().DeleteExpired(time.Now(), batchSize)
		if err != nil {
			return err
		}
		total += deleted
		if deleted < int64(batchSize) {
			break
		}
	}

	if total > 0 {
		logger.Info().Int64("deleted", total).Msg("cleaned expired activities")
	}
	return nil
}

// cleanJobRuns 清理保留期外的任务运行行（started 行留给清扫任务处理）
func (c *Cleaner) cleanJobRuns() error {
	cutoff := time.Now().Add(-c.jobRetention)
	deleted, err := dao.JobRun().DeleteBefore(cutoff)
	if err != nil {
		return err
	}

	if deleted > 0 {
		logger.Info().
			Int64("deleted", deleted).
			Time("cutoff", cutoff).
			Msg("cleaned old job runs")
	}
	return nil
}
