package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/utrading/utrading-trade-engine/internal/dao"
	"github.com/utrading/utrading-trade-engine/internal/models"
	"github.com/utrading/utrading-trade-engine/internal/monitor"
	"github.com/utrading/utrading-trade-engine/pkg/goplus"
	"github.com/utrading/utrading-trade-engine/pkg/logger"
)

// JobFunc 任务执行体，runID 贯穿幂等键与审计
type JobFunc func(ctx context.Context, runID string) error

// Job 调度任务定义：UTC 定点（每日）或固定间隔，二选一
type Job struct {
	Name     string
	DailyAt  string        // "HH:MM"（UTC），每日定点
	Interval time.Duration // 固定间隔
	Timeout  time.Duration // 单次运行墙钟上限
	Fn       JobFunc

	mu     sync.RWMutex
	paused bool
}

func (j *Job) setPaused(p bool) {
	j.mu.Lock()
	j.paused = p
	j.mu.Unlock()
}

func (j *Job) isPaused() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.paused
}

// Options 调度器参数
type Options struct {
	WorkerPoolSize int
	QueueSize      int
	DefaultTimeout time.Duration
}

type dispatch struct {
	job         *Job
	scheduledAt time.Time
}

// Scheduler 调度器/派发器
// 定时生产者把任务写入共享队列，ants 协程池消费并行执行
// 每次触发先落一行 JobRun 再执行，崩溃留下的 started 行由清扫任务处理
type Scheduler struct {
	opts  Options
	jobs  []*Job
	byName map[string]*Job

	queue chan dispatch
	pool  *ants.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     *goplus.WaitGroup
	once   sync.Once
}

// New 创建调度器
func New(opts Options) (*Scheduler, error) {
	if opts.WorkerPoolSize <= 0 {
		opts.WorkerPoolSize = 30
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 2 * time.Minute
	}
	pool, err := ants.NewPool(opts.WorkerPoolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Scheduler{
		opts:   opts,
		byName: make(map[string]*Job),
		queue:  make(chan dispatch, opts.QueueSize),
		pool:   pool,
		wg:     goplus.NewWaitGroup(),
	}, nil
}

// Register 注册任务；必须在 Start 之前调用
func (s *Scheduler) Register(job *Job) error {
	if job.Name == "" || job.Fn == nil {
		return fmt.Errorf("job requires a name and a func")
	}
	if job.DailyAt == "" && job.Interval <= 0 {
		return fmt.Errorf("job %s requires daily_at or interval", job.Name)
	}
	if job.DailyAt != "" {
		if _, err := parseDailyAt(job.DailyAt); err != nil {
			return fmt.Errorf("job %s: %w", job.Name, err)
		}
	}
	if job.Timeout <= 0 {
		job.Timeout = s.opts.DefaultTimeout
	}
	if _, dup := s.byName[job.Name]; dup {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.jobs = append(s.jobs, job)
	s.byName[job.Name] = job
	return nil
}

// Start 启动生产者与消费者
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, job := range s.jobs {
		job := job
		s.wg.Go(func() {
			s.produce(job)
		})
	}
	s.wg.Go(func() {
		s.consume()
	})

	logger.Info().
		Int("jobs", len(s.jobs)).
		Int("workers", s.opts.WorkerPoolSize).
		Msg("scheduler started")
}

// produce 单个任务的定时生产者
func (s *Scheduler) produce(job *Job) {
	var timer *time.Timer
	if job.DailyAt != "" {
		next, _ := parseDailyAt(job.DailyAt)
		timer = time.NewTimer(time.Until(next))
	} else {
		timer = time.NewTimer(job.Interval)
	}
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-timer.C:
			if !job.isPaused() {
				s.enqueue(job, now)
			}
			if job.DailyAt != "" {
				next, _ := parseDailyAt(job.DailyAt)
				timer.Reset(time.Until(next))
			} else {
				timer.Reset(job.Interval)
			}
		}
	}
}

func (s *Scheduler) enqueue(job *Job, scheduledAt time.Time) {
	select {
	case s.queue <- dispatch{job: job, scheduledAt: scheduledAt}:
		monitor.SetQueueDepth(len(s.queue))
	default:
		logger.Error().Str("job", job.Name).Msg("dispatch queue full, trigger dropped")
		monitor.IncJobRun(job.Name, "dropped")
	}
}

// consume 队列消费者，任务提交到协程池执行
func (s *Scheduler) consume() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case d := <-s.queue:
			monitor.SetQueueDepth(len(s.queue))
			if err := s.pool.Submit(func() {
				defer goplus.Recover()
				s.run(d.job, d.scheduledAt)
			}); err != nil {
				logger.Error().Err(err).Str("job", d.job.Name).Msg("submit job to pool failed")
			}
		}
	}
}

// run 执行一次任务：先落 JobRun 行，结束回写终态
func (s *Scheduler) run(job *Job, scheduledAt time.Time) {
	runID := fmt.Sprintf("%s-%d", job.Name, time.Now().UnixNano())
	now := time.Now()
	if err := dao.JobRun().Create(&models.JobRun{
		JobName:     job.Name,
		RunID:       runID,
		ScheduledAt: scheduledAt,
		StartedAt:   now,
		Outcome:     models.JobRunStarted,
	}); err != nil {
		logger.Error().Err(err).Str("job", job.Name).Msg("create job run row failed")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout)
	defer cancel()

	err := job.Fn(ctx, runID)
	elapsed := time.Since(now)
	monitor.GetMetrics().ObserveJobDuration(elapsed.Seconds())

	outcome := models.JobRunSuccess
	detail := ""
	if err != nil {
		outcome = models.JobRunFailed
		detail = err.Error()
		logger.Error().Err(err).Str("job", job.Name).Str("run_id", runID).
			Dur("elapsed", elapsed).Msg("job run failed")
	} else {
		logger.Info().Str("job", job.Name).Str("run_id", runID).
			Dur("elapsed", elapsed).Msg("job run finished")
	}
	monitor.IncJobRun(job.Name, outcome)

	if err := dao.JobRun().Finish(runID, outcome, detail); err != nil {
		logger.Error().Err(err).Str("run_id", runID).Msg("finalize job run row failed")
	}
}

// RunNow 立即触发指定任务（控制面）
func (s *Scheduler) RunNow(name string) error {
	job, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	s.enqueue(job, time.Now())
	return nil
}

// Pause 暂停/恢复指定任务（控制面）
func (s *Scheduler) Pause(name string, paused bool) error {
	job, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	job.setPaused(paused)
	logger.Info().Str("job", name).Bool("paused", paused).Msg("job pause state changed")
	return nil
}

// QueueDepth 当前派发队列深度
func (s *Scheduler) QueueDepth() int {
	return len(s.queue)
}

// JobsStatus 任务列表与最近一次运行（控制面）
func (s *Scheduler) JobsStatus() []map[string]any {
	out := make([]map[string]any, 0, len(s.jobs))
	for _, job := range s.jobs {
		entry := map[string]any{
			"name":   job.Name,
			"paused": job.isPaused(),
		}
		if job.DailyAt != "" {
			entry["daily_at"] = job.DailyAt
		} else {
			entry["interval"] = job.Interval.String()
		}
		if last, err := dao.JobRun().LastRun(job.Name); err == nil && last != nil {
			entry["last_run_id"] = last.RunID
			entry["last_outcome"] = last.Outcome
			entry["last_started_at"] = last.StartedAt
		}
		out = append(out, entry)
	}
	return out
}

// Stop 停止调度器并等待在途任务
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.pool.Release()
		logger.Info().Msg("scheduler stopped")
	})
}

// parseDailyAt 解析 "HH:MM"，返回下一个 UTC 触发时刻
func parseDailyAt(at string) (time.Time, error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid daily_at %q: %w", at, err)
	}
	now := time.Now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next, nil
}
