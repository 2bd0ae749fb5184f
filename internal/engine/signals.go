package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/utrading/utrading-trade-engine/internal/dao"
	"github.com/utrading/utrading-trade-engine/internal/models"
	natspkg "github.com/utrading/utrading-trade-engine/internal/nats"
	"github.com/utrading/utrading-trade-engine/internal/stoploss"
	"github.com/utrading/utrading-trade-engine/pkg/logger"
)

// 趋势信号的 EMA 快慢线周期
const (
	signalFastPeriod = 7
	signalSlowPeriod = 25
)

// DailySignals 每日趋势信号快照
// 策略算法本身是外部输入，这里只做日线 EMA 交叉的趋势分类，
// 落审计并发 NATS，供当日晚些时候的止损批量任务使用新鲜数据
func (s *Service) DailySignals(ctx context.Context, runID string) error {
	bots, err := dao.Bot().ListActive()
	if err != nil {
		return fmt.Errorf("list active bots: %w", err)
	}

	var failed int
	for _, bot := range bots {
		conn, err := dao.Connection().GetByID(bot.ConnectionID)
		if err != nil {
			failed++
			continue
		}
		connector, err := s.resolver.Resolve(ctx, conn)
		if err != nil {
			failed++
			logger.Error().Err(err).Uint("bot_id", bot.ID).Msg("resolve connector for signals failed")
			continue
		}

		for _, symbol := range bot.Pairs() {
			klines, err := connector.Klines(ctx, symbol, "1d", s.klineLimit)
			if err != nil {
				failed++
				continue
			}
			if len(klines) < signalSlowPeriod {
				// 数据不足本轮跳过
				continue
			}
			closes := make([]float64, len(klines))
			for i, k := range klines {
				closes[i] = k.Close
			}
			fast := stoploss.EMA(closes, signalFastPeriod)
			slow := stoploss.EMA(closes, signalSlowPeriod)
			lastClose := closes[len(closes)-1]

			trend := "neutral"
			if fast > slow {
				trend = "bullish"
			} else if fast < slow {
				trend = "bearish"
			}

			if s.auditor != nil {
				s.auditor.Event(models.ActivitySignalGenerated, bot.ID, 0, lastClose,
					"daily trend %s for %s (fast %.8f / slow %.8f)", trend, symbol, fast, slow)
			}
			if s.events != nil {
				if pub, ok := s.events.(interface {
					PublishSignalEvent(evt *natspkg.SignalEvent) error
				}); ok {
					_ = pub.PublishSignalEvent(&natspkg.SignalEvent{
						BotID:     bot.ID,
						Symbol:    symbol,
						Trend:     trend,
						FastEMA:   fast,
						SlowEMA:   slow,
						LastClose: lastClose,
						Timestamp: time.Now().Unix(),
					})
				}
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("daily signals: %d lookups failed (run %s)", failed, runID)
	}
	return nil
}
