package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/utrading/utrading-trade-engine/internal/dao"
	"github.com/utrading/utrading-trade-engine/internal/reconciler"
	"github.com/utrading/utrading-trade-engine/pkg/logger"
)

// StopLossBatch 每日止损批量重算
// 排在每日信号任务之后，保证使用当天最新的指标数据
// 逐持仓调节，单仓失败不影响其他持仓；锁竞争跳过的持仓等下一轮
func (s *Service) StopLossBatch(ctx context.Context, runID string) error {
	bots, err := dao.Bot().ListActive()
	if err != nil {
		return fmt.Errorf("list active bots: %w", err)
	}

	var total, failed, skipped int
	for _, bot := range bots {
		positions, err := dao.Position().ListOpenByBot(bot.ID)
		if err != nil {
			logger.Error().Err(err).Uint("bot_id", bot.ID).Msg("list positions failed")
			failed++
			continue
		}
		for _, pos := range positions {
			total++
			err := s.manager.Reconcile(ctx, runID, bot, pos)
			switch {
			case err == nil:
			case errors.Is(err, reconciler.ErrLockBusy):
				skipped++
			default:
				failed++
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	}

	logger.Info().
		Str("run_id", runID).
		Int("positions", total).
		Int("failed", failed).
		Int("skipped", skipped).
		Msg("stop-loss batch finished")
	if failed > 0 {
		return fmt.Errorf("stop-loss batch: %d/%d positions failed", failed, total)
	}
	return nil
}
