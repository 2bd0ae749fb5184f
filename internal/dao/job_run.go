package dao

import (
	"time"

	"gorm.io/gorm"

	"github.com/utrading/utrading-trade-engine/internal/models"
)

type JobRunDAO struct{}

var _jobRun = &JobRunDAO{}

// JobRun 获取 JobRunDAO 单例
func JobRun() *JobRunDAO {
	return _jobRun
}

// Create 触发即落行；runID 唯一键冲突表示重复派发
func (d *JobRunDAO) Create(run *models.JobRun) error {
	return db.Create(run).Error
}

// GetByRunID 按运行标识查找
func (d *JobRunDAO) GetByRunID(runID string) (*models.JobRun, error) {
	var run models.JobRun
	err := db.Where("run_id = ?", runID).First(&run).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// Finish 回写任务结果
func (d *JobRunDAO) Finish(runID, outcome, errDetail string) error {
	now := time.Now()
	return db.Model(&models.JobRun{}).
		Where("run_id = ?", runID).
		Updates(map[string]interface{}{
			"outcome":      outcome,
			"error_detail": errDetail,
			"finished_at":  &now,
		}).Error
}

// StaleStarted 列出宽限期外仍停留在 started 的运行行（崩溃恢复清扫用）
func (d *JobRunDAO) StaleStarted(grace time.Duration, maxRetries int) ([]*models.JobRun, error) {
	cutoff := time.Now().Add(-grace)
	var runs []*models.JobRun
	if err := db.Where("outcome = ? AND started_at < ? AND retry_count < ?",
		models.JobRunStarted, cutoff, maxRetries).
		Order("started_at ASC").
		Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// IncRetry 清扫重试计数自增
func (d *JobRunDAO) IncRetry(runID string) error {
	return db.Model(&models.JobRun{}).
		Where("run_id = ?", runID).
		Update("retry_count", gorm.Expr("retry_count + ?", 1)).Error
}

// LastRun 指定任务最近一次运行
func (d *JobRunDAO) LastRun(jobName string) (*models.JobRun, error) {
	var run models.JobRun
	err := db.Where("job_name = ?", jobName).
		Order("started_at DESC").
		First(&run).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// DeleteBefore 按保留期删除历史运行行
func (d *JobRunDAO) DeleteBefore(cutoff time.Time) (int64, error) {
	result := db.Where("started_at < ? AND outcome <> ?", cutoff, models.JobRunStarted).
		Delete(&models.JobRun{})
	return result.RowsAffected, result.Error
}
