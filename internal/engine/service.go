package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/utrading/utrading-trade-engine/internal/audit"
	"github.com/utrading/utrading-trade-engine/internal/cache"
	"github.com/utrading/utrading-trade-engine/internal/dao"
	"github.com/utrading/utrading-trade-engine/internal/exchange"
	"github.com/utrading/utrading-trade-engine/internal/models"
	natspkg "github.com/utrading/utrading-trade-engine/internal/nats"
	"github.com/utrading/utrading-trade-engine/internal/reconciler"
	"github.com/utrading/utrading-trade-engine/pkg/logger"
)

// Service 执行引擎对外的唯一核心入口
// 上游（仪表盘/API 层）只通过这里进来，引擎绝不回调表现层
type Service struct {
	resolver reconciler.Resolver
	manager  *reconciler.Manager
	auditor  *audit.Writer
	events   reconciler.EventSink
	prices   *cache.PriceCache

	klineLimit int
}

// NewService 创建引擎服务
func NewService(resolver reconciler.Resolver, manager *reconciler.Manager, auditor *audit.Writer, events reconciler.EventSink, prices *cache.PriceCache, klineLimit int) *Service {
	if klineLimit <= 0 {
		klineLimit = 100
	}
	return &Service{
		resolver:   resolver,
		manager:    manager,
		auditor:    auditor,
		events:     events,
		prices:     prices,
		klineLimit: klineLimit,
	}
}

// CreateBot 创建 Bot；先校验连接凭证与止损配置
func (s *Service) CreateBot(ctx context.Context, bot *models.Bot) error {
	if err := validateStopLossConfig(bot); err != nil {
		return err
	}
	conn, err := dao.Connection().GetByID(bot.ConnectionID)
	if err != nil {
		return fmt.Errorf("load connection %d: %w", bot.ConnectionID, err)
	}
	if _, err := s.resolver.Resolve(ctx, conn); err != nil {
		// 凭证或交易所标识无效：立即失败，不入库
		_ = dao.Connection().MarkVerified(conn.ID, false)
		return fmt.Errorf("connection %d rejected: %w", conn.ID, err)
	}
	if err := dao.Connection().MarkVerified(conn.ID, true); err != nil {
		return err
	}
	if err := dao.Bot().Create(bot); err != nil {
		return err
	}
	logger.Info().Uint("bot_id", bot.ID).Str("name", bot.Name).Msg("bot created")
	return nil
}

// UpdateBot 更新 Bot 配置
// 止损变体切换不回溯已在场的保护单，下一个调节周期自然生效
func (s *Service) UpdateBot(bot *models.Bot) error {
	if err := validateStopLossConfig(bot); err != nil {
		return err
	}
	return dao.Bot().Update(bot)
}

// StopBot 软禁用：停止调度，不动交易所侧已在场的订单
func (s *Service) StopBot(botID uint) error {
	return dao.Bot().SetActive(botID, false)
}

// StartBot 恢复调度
func (s *Service) StartBot(botID uint) error {
	return dao.Bot().SetActive(botID, true)
}

// DeleteBot 硬删除，级联自身活动日志；交易所侧已挂订单不受影响
func (s *Service) DeleteBot(botID uint) error {
	return dao.Bot().Delete(botID)
}

// OpenPositions 当前未平仓持仓（快照读）
func (s *Service) OpenPositions(botID uint) ([]*models.Position, error) {
	if botID == 0 {
		return dao.Position().ListOpen()
	}
	return dao.Position().ListOpenByBot(botID)
}

// AuditTrail 持仓调节审计轨迹
func (s *Service) AuditTrail(positionID uint, limit int) ([]*models.Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	return dao.Activity().ListByPosition(positionID, limit)
}

// ForceRecompute 对单个持仓立即执行一次止损重算（运营工具入口）
func (s *Service) ForceRecompute(ctx context.Context, positionID uint) error {
	pos, err := dao.Position().GetByID(positionID)
	if err != nil {
		return fmt.Errorf("load position %d: %w", positionID, err)
	}
	bot, err := dao.Bot().GetByID(pos.BotID)
	if err != nil {
		return fmt.Errorf("load bot %d: %w", pos.BotID, err)
	}
	runID := fmt.Sprintf("manual-%d-%d", positionID, time.Now().UnixNano())
	return s.manager.Reconcile(ctx, runID, bot, pos)
}

// OpenPosition 按风控限额开仓并立即调节保护单
func (s *Service) OpenPosition(ctx context.Context, bot *models.Bot, symbol, side string, quantity float64) (*models.Position, error) {
	conn, err := dao.Connection().GetByID(bot.ConnectionID)
	if err != nil {
		return nil, err
	}
	connector, err := s.resolver.Resolve(ctx, conn)
	if err != nil {
		return nil, err
	}
	if err := s.checkRiskLimits(ctx, connector, bot, symbol, quantity); err != nil {
		return nil, err
	}

	orderSide := exchange.SideBuy
	if side == models.DirectionShort {
		orderSide = exchange.SideSell
	}
	order, err := connector.CreateOrder(ctx, &exchange.OrderRequest{
		Symbol:        symbol,
		Type:          exchange.TypeMarket,
		Side:          orderSide,
		Quantity:      quantity,
		TradeType:     bot.TradeType,
		ClientOrderID: fmt.Sprintf("op%d-%d", bot.ID, time.Now().UnixNano()),
	})
	if err != nil {
		return nil, fmt.Errorf("open market order: %w", err)
	}

	entry := order.AvgFillPrice
	if entry == 0 {
		if p, ok := s.prices.Get(symbol, time.Minute); ok {
			entry = p.Last
		} else if t, terr := connector.Ticker(ctx, symbol); terr == nil {
			entry = t.Last
		}
	}

	pos := &models.Position{
		UserID:          bot.UserID,
		BotID:           bot.ID,
		ConnectionID:    bot.ConnectionID,
		Symbol:          symbol,
		TradeType:       bot.TradeType,
		Side:            side,
		Quantity:        quantity,
		EntryPrice:      entry,
		Leverage:        bot.Leverage,
		CurrentPrice:    entry,
		ProtectionState: models.ProtectionNone,
		IsOpen:          true,
	}
	if err := dao.Position().Create(pos); err != nil {
		return nil, err
	}
	_ = dao.Trade().Append(&models.Trade{
		UserID:          bot.UserID,
		BotID:           bot.ID,
		PositionID:      pos.ID,
		ConnectionID:    bot.ConnectionID,
		Symbol:          symbol,
		TradeType:       bot.TradeType,
		OrderType:       models.OrderTypeMarket,
		Side:            orderSide,
		Quantity:        quantity,
		Price:           0,
		ExecutedPrice:   entry,
		Status:          order.Status,
		ExchangeOrderID: order.ID,
		ClientOrderID:   order.ClientOrderID,
	})
	if s.auditor != nil {
		s.auditor.Event(models.ActivityPositionOpened, bot.ID, pos.ID, entry,
			"position opened %s %s qty %.8f at %.8f", side, symbol, quantity, entry)
	}

	// 开仓即保护：立即跑一轮调节挂上初始止损
	runID := fmt.Sprintf("open-%d-%d", pos.ID, time.Now().UnixNano())
	if err := s.manager.Reconcile(ctx, runID, bot, pos); err != nil {
		logger.Error().Err(err).Uint("position_id", pos.ID).Msg("initial protection failed")
	}
	return pos, nil
}

// ClosePosition 手动市价平仓
// 先撤保护单再平仓；保护单已不在场不算失败，可能刚好被触发过
func (s *Service) ClosePosition(ctx context.Context, positionID uint) error {
	pos, err := dao.Position().GetByID(positionID)
	if err != nil {
		return fmt.Errorf("load position %d: %w", positionID, err)
	}
	if !pos.IsOpen {
		return fmt.Errorf("position %d already closed", positionID)
	}
	conn, err := dao.Connection().GetByID(pos.ConnectionID)
	if err != nil {
		return err
	}
	connector, err := s.resolver.Resolve(ctx, conn)
	if err != nil {
		return err
	}

	if pos.ProtectiveOrderID != nil {
		if cerr := connector.CancelOrder(ctx, *pos.ProtectiveOrderID, pos.Symbol); cerr != nil && !errors.Is(cerr, exchange.ErrOrderNotFound) {
			return fmt.Errorf("cancel protective order %s: %w", *pos.ProtectiveOrderID, cerr)
		}
		if err := dao.Position().ClearProtectiveOrder(pos.ID, models.ProtectionNone); err != nil {
			return err
		}
	}

	orderSide := exchange.SideSell
	if pos.Side == models.DirectionShort {
		orderSide = exchange.SideBuy
	}
	order, err := connector.CreateOrder(ctx, &exchange.OrderRequest{
		Symbol:        pos.Symbol,
		Type:          exchange.TypeMarket,
		Side:          orderSide,
		Quantity:      pos.Quantity,
		TradeType:     pos.TradeType,
		ClientOrderID: fmt.Sprintf("cl%d-%d", pos.ID, time.Now().UnixNano()),
	})
	if err != nil {
		return fmt.Errorf("close market order: %w", err)
	}

	exitPrice := order.AvgFillPrice
	if exitPrice == 0 {
		if p, ok := s.prices.Get(pos.Symbol, time.Minute); ok {
			exitPrice = p.Last
		} else {
			exitPrice = pos.CurrentPrice
		}
	}
	realized := (exitPrice - pos.EntryPrice) * pos.Quantity
	if pos.Side == models.DirectionShort {
		realized = -realized
	}
	if err := dao.Position().Close(pos.ID, realized); err != nil {
		return err
	}
	_ = dao.Trade().Append(&models.Trade{
		UserID:          pos.UserID,
		BotID:           pos.BotID,
		PositionID:      pos.ID,
		ConnectionID:    pos.ConnectionID,
		Symbol:          pos.Symbol,
		TradeType:       pos.TradeType,
		OrderType:       models.OrderTypeMarket,
		Side:            orderSide,
		Quantity:        pos.Quantity,
		ExecutedPrice:   exitPrice,
		Status:          order.Status,
		ExchangeOrderID: order.ID,
		ClientOrderID:   order.ClientOrderID,
	})
	if s.auditor != nil {
		s.auditor.Event(models.ActivityPositionClosed, pos.BotID, pos.ID, realized,
			"position closed manually at %.8f, realized pnl %.8f", exitPrice, realized)
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
	logger.Info().Uint("position_id", pos.ID).Float64("realized_pnl", realized).Msg("position closed manually")
	return nil
}

// checkRiskLimits Bot 风控限额检查
func (s *Service) checkRiskLimits(ctx context.Context, connector exchange.Connector, bot *models.Bot, symbol string, quantity float64) error {
	// 日内次数限制
	since := time.Now().UTC().Truncate(24 * time.Hour)
	count, err := dao.Trade().CountForBotSince(bot.ID, since)
	if err != nil {
		return err
	}
	if bot.MaxTradesPerDay > 0 && count >= int64(bot.MaxTradesPerDay) {
		return fmt.Errorf("bot %d reached max trades per day (%d)", bot.ID, bot.MaxTradesPerDay)
	}

	// 余额下限与单仓占比
	balances, err := connector.Balances(ctx, "USDT")
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}
	var free float64
	for _, b := range balances {
		free += b.Free
	}
	if bot.MinBalanceThreshold > 0 && free < bot.MinBalanceThreshold {
		return fmt.Errorf("balance %.2f below threshold %.2f", free, bot.MinBalanceThreshold)
	}
	if bot.MaxPositionSizePercent > 0 {
		ticker, err := connector.Ticker(ctx, symbol)
		if err != nil {
			return fmt.Errorf("fetch ticker: %w", err)
		}
		notional := ticker.Last * quantity
		if limit := free * bot.MaxPositionSizePercent / 100; notional > limit {
			return fmt.Errorf("position notional %.2f exceeds %.2f%% of balance", notional, bot.MaxPositionSizePercent)
		}
	}

	// 当日已实现亏损上限
	if bot.MaxDailyLoss > 0 {
		positions, err := dao.Position().ListOpenByBot(bot.ID)
		if err != nil {
			return err
		}
		var unrealized float64
		for _, p := range positions {
			unrealized += p.UnrealizedPnl
		}
		if -unrealized >= bot.MaxDailyLoss {
			return fmt.Errorf("bot %d hit max daily loss %.2f", bot.ID, bot.MaxDailyLoss)
		}
	}
	return nil
}

func validateStopLossConfig(bot *models.Bot) error {
	switch bot.StopLossType {
	case models.StopLossFixedPercentage, models.StopLossTrailing:
		if bot.StopLossPercentage <= 0 || bot.StopLossPercentage >= 100 {
			return fmt.Errorf("invalid stop-loss percentage %.4f", bot.StopLossPercentage)
		}
	case models.StopLossEMABased:
		if bot.StopLossEMAPeriod <= 0 {
			return fmt.Errorf("invalid ema period %d", bot.StopLossEMAPeriod)
		}
	case models.StopLossATRBased:
		if bot.StopLossATRPeriod <= 0 || bot.StopLossATRMultiplier <= 0 {
			return fmt.Errorf("invalid atr config period=%d multiplier=%.4f",
				bot.StopLossATRPeriod, bot.StopLossATRMultiplier)
		}
	case models.StopLossSupportLevel:
		if bot.StopLossSupportLookback <= 0 {
			return fmt.Errorf("invalid support lookback %d", bot.StopLossSupportLookback)
		}
	default:
		return fmt.Errorf("unknown stop-loss type %q", bot.StopLossType)
	}
	return nil
}
