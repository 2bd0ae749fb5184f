package engine

import (
	"context"
	"fmt"

	"github.com/utrading/utrading-trade-engine/config"
	"github.com/utrading/utrading-trade-engine/internal/scheduler"
)

// RegisterJobs 挂载四个周期任务
func (s *Service) RegisterJobs(sched *scheduler.Scheduler, cfg config.Scheduler) error {
	jobs := []*scheduler.Job{
		{
			Name:    "daily_signals",
			DailyAt: cfg.SignalJobAt,
			Fn: func(ctx context.Context, runID string) error {
				return s.DailySignals(ctx, runID)
			},
		},
		{
			Name:    "stop_loss_batch",
			DailyAt: cfg.StopLossJobAt,
			Fn: func(ctx context.Context, runID string) error {
				return s.StopLossBatch(ctx, runID)
			},
		},
		{
			Name:     "position_sync",
			Interval: cfg.PositionSyncInterval,
			Fn: func(ctx context.Context, runID string) error {
				return s.SyncPositions(ctx, runID)
			},
		},
		{
			Name:     "sweep",
			Interval: cfg.SweepInterval,
			Fn: func(ctx context.Context, runID string) error {
				return s.Sweep(ctx, runID, sched, SweepOptions{
					GracePeriod: cfg.SweepGracePeriod,
					MaxRetries:  cfg.MaxRetries,
				})
			},
		},
	}
	for _, job := range jobs {
		if err := sched.Register(job); err != nil {
			return fmt.Errorf("register job %s: %w", job.Name, err)
		}
	}
	return nil
}
