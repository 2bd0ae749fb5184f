package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/utrading/utrading-trade-engine/internal/dao"
	"github.com/utrading/utrading-trade-engine/internal/exchange"
	"github.com/utrading/utrading-trade-engine/internal/models"
	"github.com/utrading/utrading-trade-engine/internal/monitor"
	natspkg "github.com/utrading/utrading-trade-engine/internal/nats"
	"github.com/utrading/utrading-trade-engine/pkg/logger"
)

// SyncPositions 以交易所上报为准核对账本持仓
// 修正行情字段、发现带外消失的保护单、关闭交易所侧已不存在的合约持仓
func (s *Service) SyncPositions(ctx context.Context, runID string) error {
	positions, err := dao.Position().ListOpen()
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}
	monitor.GetMetrics().SetOpenPositions(len(positions))

	var failed int
	liveProtective := 0
	for _, pos := range positions {
		if err := s.syncOne(ctx, runID, pos); err != nil {
			failed++
			logger.Error().Err(err).Uint("position_id", pos.ID).Msg("position sync failed")
		}
		if pos.ProtectiveOrderID != nil {
			liveProtective++
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	monitor.GetMetrics().SetProtectiveOrders(liveProtective)

	if failed > 0 {
		return fmt.Errorf("position sync: %d/%d failed", failed, len(positions))
	}
	return nil
}

func (s *Service) syncOne(ctx context.Context, runID string, pos *models.Position) error {
	conn, err := dao.Connection().GetByID(pos.ConnectionID)
	if err != nil {
		return err
	}
	connector, err := s.resolver.Resolve(ctx, conn)
	if err != nil {
		monitor.IncConnectorError(conn.Exchange, string(exchange.ClassOf(err)))
		return err
	}

	// 行情字段修正
	current := pos.CurrentPrice
	if p, ok := s.prices.Get(pos.Symbol, 5*time.Minute); ok {
		current = p.Last
	} else if t, terr := connector.Ticker(ctx, pos.Symbol); terr == nil {
		current = t.Last
	}
	if current > 0 && current != pos.CurrentPrice {
		unrealized := (current - pos.EntryPrice) * pos.Quantity
		if pos.Side == models.DirectionShort {
			unrealized = -unrealized
		}
		if err := dao.Position().UpdateMarket(pos.ID, pos.Quantity, pos.EntryPrice, current, unrealized, pos.Leverage); err != nil {
			return err
		}
	}

	// 合约持仓：交易所已无敞口则账本平仓
	if pos.TradeType == models.TradeTypeFutures {
		exPositions, perr := connector.Positions(ctx, pos.Symbol)
		if perr == nil {
			alive := false
			for _, ep := range exPositions {
				if ep.Symbol == pos.Symbol && ep.Quantity > 0 {
					alive = true
					break
				}
			}
			if !alive {
				realized := (current - pos.EntryPrice) * pos.Quantity
				if pos.Side == models.DirectionShort {
					realized = -realized
				}
				if err := dao.Position().Close(pos.ID, realized); err != nil {
					return err
				}
				if s.auditor != nil {
					s.auditor.Event(models.ActivityPositionClosed, pos.BotID, pos.ID, realized,
						"position closed during sync: no exchange-side exposure")
				}
				if s.events != nil {
					_ = s.events.PublishPositionEvent(&natspkg.PositionEvent{
						Type:        natspkg.PositionClosed,
						PositionID:  pos.ID,
						BotID:       pos.BotID,
						Symbol:      pos.Symbol,
						Side:        pos.Side,
						Quantity:    pos.Quantity,
						EntryPrice:  pos.EntryPrice,
						RealizedPnl: realized,
						Timestamp:   time.Now().Unix(),
					})
				}
				return nil
			}
		}
	}

	// 保护单核对：账本认为在场的订单必须真的在场
	if pos.ProtectiveOrderID != nil {
		order, gerr := connector.GetOrder(ctx, *pos.ProtectiveOrderID, pos.Symbol)
		switch {
		case gerr == nil && (order.Status == models.OrderStatusOpen || order.Status == models.OrderStatusPartiallyFilled):
			// 仍在场，无需动作
		case gerr == nil || errors.Is(gerr, exchange.ErrOrderNotFound):
			// 已终态或带外消失：交给调节器完整重估
			logger.Warn().Uint("position_id", pos.ID).Str("order_id", *pos.ProtectiveOrderID).
				Msg("protective order missing during sync, reconciling")
			return s.reconcilePosition(ctx, runID, pos)
		default:
			return gerr
		}
	} else if pos.ProtectionState == models.ProtectionNone {
		// 无保护的未平仓持仓：立即调节
		return s.reconcilePosition(ctx, runID, pos)
	}

	if s.auditor != nil {
		s.auditor.Event(models.ActivityPositionSynced, pos.BotID, pos.ID, current,
			"position synced against exchange state")
	}
	return nil
}

func (s *Service) reconcilePosition(ctx context.Context, runID string, pos *models.Position) error {
	bot, err := dao.Bot().GetByID(pos.BotID)
	if err != nil {
		return err
	}
	return s.manager.Reconcile(ctx, runID, bot, pos)
}
