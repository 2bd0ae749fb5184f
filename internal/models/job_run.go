package models

import "time"

// 任务运行结果
const (
	JobRunStarted = "started"
	JobRunSuccess = "success"
	JobRunFailed  = "failed"
	JobRunSkipped = "skipped"
)

// JobRun 调度任务运行审计表
// 每次触发先落一行再派发；进程崩溃留下的 started 行由清扫任务在宽限期后重试
type JobRun struct {
	ID      uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	JobName string `gorm:"type:varchar(64);not null;index:idx_jobrun_name;comment:任务名" json:"job_name"`
	RunID   string `gorm:"type:varchar(64);not null;uniqueIndex:uidx_jobrun_runid;comment:运行唯一标识" json:"run_id"`

	ScheduledAt time.Time  `gorm:"not null;comment:计划触发时间" json:"scheduled_at"`
	StartedAt   time.Time  `gorm:"not null;index:idx_jobrun_started" json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`

	Outcome     string `gorm:"type:varchar(20);not null;default:started;index:idx_jobrun_outcome" json:"outcome"`
	ErrorDetail string `gorm:"type:text" json:"error_detail"`
	RetryCount  int    `gorm:"not null;default:0;comment:清扫重试次数" json:"retry_count"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (JobRun) TableName() string {
	return "scheduled_job_runs"
}
