package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/utrading/utrading-trade-engine/internal/dao"
	"github.com/utrading/utrading-trade-engine/internal/models"
	"github.com/utrading/utrading-trade-engine/internal/reconciler"
	"github.com/utrading/utrading-trade-engine/pkg/logger"
)

// Dispatcher 清扫任务重新派发的最小面
type Dispatcher interface {
	RunNow(name string) error
}

// SweepOptions 清扫参数
type SweepOptions struct {
	GracePeriod time.Duration // started 行超过宽限期视为崩溃遗留
	MaxRetries  int           // 每个运行行的清扫重试预算
}

// Sweep 周期清扫
// 1. 崩溃遗留：停留在 started 的 JobRun 行，宽限期后重派一次并给旧行写终态
// 2. 失败持仓：在重试预算内的 failed 持仓重走一遍调节
func (s *Service) Sweep(ctx context.Context, runID string, dispatcher Dispatcher, opts SweepOptions) error {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 10 * time.Minute
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}

	stale, err := dao.JobRun().StaleStarted(opts.GracePeriod, opts.MaxRetries)
	if err != nil {
		return fmt.Errorf("query stale job runs: %w", err)
	}
	for _, run := range stale {
		if err := dao.JobRun().IncRetry(run.RunID); err != nil {
			logger.Error().Err(err).Str("run_id", run.RunID).Msg("bump stale run retry failed")
			continue
		}
		// 旧行落终态，重派新的一次运行
		if err := dao.JobRun().Finish(run.RunID, models.JobRunFailed,
			"stale started run, retried by sweep"); err != nil {
			logger.Error().Err(err).Str("run_id", run.RunID).Msg("finalize stale run failed")
			continue
		}
		if dispatcher != nil {
			if err := dispatcher.RunNow(run.JobName); err != nil {
				logger.Error().Err(err).Str("job", run.JobName).Msg("redispatch stale job failed")
			} else {
				logger.Warn().
					Str("job", run.JobName).
					Str("stale_run_id", run.RunID).
					Msg("stale job run redispatched by sweep")
			}
		}
	}

	// 失败持仓重试（预算由 RecordFailure/NeedsManualReview 把守）
	positions, err := dao.Position().ListFailed()
	if err != nil {
		return fmt.Errorf("list failed positions: %w", err)
	}
	var failed int
	for _, pos := range positions {
		bot, berr := dao.Bot().GetByID(pos.BotID)
		if berr != nil {
			failed++
			continue
		}
		if rerr := s.manager.Reconcile(ctx, runID, bot, pos); rerr != nil && !errors.Is(rerr, reconciler.ErrLockBusy) {
			failed++
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	logger.Info().
		Str("run_id", runID).
		Int("stale_runs", len(stale)).
		Int("failed_positions", len(positions)).
		Msg("sweep finished")
	if failed > 0 {
		return fmt.Errorf("sweep: %d failed position retries still failing", failed)
	}
	return nil
}
