package reconciler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/utrading/utrading-trade-engine/internal/audit"
	"github.com/utrading/utrading-trade-engine/internal/cache"
	"github.com/utrading/utrading-trade-engine/internal/dao"
	"github.com/utrading/utrading-trade-engine/internal/exchange"
	"github.com/utrading/utrading-trade-engine/internal/models"
	"github.com/utrading/utrading-trade-engine/internal/monitor"
	natspkg "github.com/utrading/utrading-trade-engine/internal/nats"
	"github.com/utrading/utrading-trade-engine/internal/stoploss"
	"github.com/utrading/utrading-trade-engine/pkg/concurrent"
	"github.com/utrading/utrading-trade-engine/pkg/logger"
)

// ErrLockBusy 持仓锁竞争超时，本次跳过，调度器会重新排队
var ErrLockBusy = errors.New("position lock busy, skip and reschedule")

// Resolver 按连接解析交易所 Connector
type Resolver interface {
	Resolve(ctx context.Context, conn *models.ExchangeConnection) (exchange.Connector, error)
}

// EventSink 调节结果事件出口
type EventSink interface {
	PublishStopLossEvent(evt *natspkg.StopLossEvent) error
	PublishPositionEvent(evt *natspkg.PositionEvent) error
}

// Options 调节器参数
type Options struct {
	LockWaitTimeout time.Duration // 持仓锁等待上限
	MaxAttempts     int           // 失败重试预算，耗尽标记人工复核
	KlineLimit      int           // 策略计算拉取的 K 线数量
}

// Manager 保护单调节器
// 状态机：no_protection -> pending_place -> protected -> pending_replace -> protected | failed
// 不变式：任一未平仓持仓同一时刻至多一个在场保护单
// 对 Position 保护单字段的全部写入都发生在持仓锁的临界区内
type Manager struct {
	resolver Resolver
	dedup    *cache.ReplaceDedupCache
	auditor  *audit.Writer
	events   EventSink
	opts     Options

	// 持仓锁表：容量 1 的信号量，TryLock 有界等待
	locks *concurrent.Map[uint, chan struct{}]
}

// NewManager 创建调节器
func NewManager(resolver Resolver, dedup *cache.ReplaceDedupCache, auditor *audit.Writer, events EventSink, opts Options) *Manager {
	if opts.LockWaitTimeout <= 0 {
		opts.LockWaitTimeout = 3 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.KlineLimit <= 0 {
		opts.KlineLimit = 100
	}
	return &Manager{
		resolver: resolver,
		dedup:    dedup,
		auditor:  auditor,
		events:   events,
		opts:     opts,
		locks:    &concurrent.Map[uint, chan struct{}]{},
	}
}

// tryLock 有界等待获取持仓锁
func (m *Manager) tryLock(ctx context.Context, positionID uint) (release func(), ok bool) {
	sem, _ := m.locks.LoadOrStore(positionID, make(chan struct{}, 1))
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, true
	case <-time.After(m.opts.LockWaitTimeout):
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Reconcile 让交易所侧保护单收敛到策略目标价
// 同一持仓的调节严格串行；锁竞争超时返回 ErrLockBusy 由调度器重排
func (m *Manager) Reconcile(ctx context.Context, runID string, bot *models.Bot, pos *models.Position) error {
	release, ok := m.tryLock(ctx, pos.ID)
	if !ok {
		monitor.IncLockSkip()
		monitor.IncReconcile("skipped")
		m.audit(models.ActivityStopLossSkipped, bot.ID, pos.ID, 0,
			"reconcile skipped: position lock busy (run %s)", runID)
		return ErrLockBusy
	}
	defer release()

	// 锁内重读，拿到串行化之后的最新状态
	fresh, err := dao.Position().GetByID(pos.ID)
	if err != nil {
		return fmt.Errorf("reload position %d: %w", pos.ID, err)
	}
	pos = fresh
	if !pos.IsOpen || pos.NeedsManualReview {
		return nil
	}

	conn, err := dao.Connection().GetByID(pos.ConnectionID)
	if err != nil {
		return fmt.Errorf("load connection %d: %w", pos.ConnectionID, err)
	}
	connector, err := m.resolver.Resolve(ctx, conn)
	if err != nil {
		monitor.IncConnectorError(conn.Exchange, string(exchange.ClassOf(err)))
		m.audit(models.ActivityConnectionError, bot.ID, pos.ID, 0,
			"connector resolve failed: %v", err)
		return m.recordFailure(bot, pos, err)
	}

	klines, err := connector.Klines(ctx, pos.Symbol, bot.StopLossTimeframe, m.opts.KlineLimit)
	if err != nil {
		monitor.IncConnectorError(connector.Name(), string(exchange.ClassOf(err)))
		return m.recordFailure(bot, pos, fmt.Errorf("fetch klines: %w", err))
	}

	cfg := stoploss.ConfigFromBot(bot)
	target, err := stoploss.ComputeTarget(cfg, pos.Side, pos.EntryPrice, pos.OpenedAt, klines)
	if err != nil {
		if errors.Is(err, stoploss.ErrInsufficientData) {
			// 本轮静默跳过，下一轮重试
			monitor.IncPolicyInsufficient(cfg.Type)
			m.audit(models.ActivityStopLossSkipped, bot.ID, pos.ID, 0,
				"stop-loss computation deferred: %v", err)
			logger.Debug().Uint("position_id", pos.ID).Err(err).Msg("insufficient data, deferring")
			return nil
		}
		return m.recordFailure(bot, pos, fmt.Errorf("compute target: %w", err))
	}

	switch {
	case pos.ProtectiveOrderID == nil:
		return m.place(ctx, connector, runID, bot, pos, target, "")
	case stoploss.Tightens(cfg.Type, pos.Side, target, pos.ProtectiveStop):
		return m.replace(ctx, connector, runID, bot, pos, target)
	default:
		monitor.IncReconcile("noop")
		if pos.ProtectionState != models.ProtectionProtected {
			return dao.Position().SetProtectionState(pos.ID, models.ProtectionProtected)
		}
		return nil
	}
}

// place 挂新保护单；prevOrderID 非空表示这是换单的后半段
func (m *Manager) place(ctx context.Context, connector exchange.Connector, runID string, bot *models.Bot, pos *models.Position, target float64, prevOrderID string) error {
	if m.dedup != nil {
		if m.dedup.IsSeen(pos.ID, target, runID) {
			monitor.IncReconcile("deduped")
			logger.Debug().Uint("position_id", pos.ID).Str("run_id", runID).Msg("replace attempt deduped")
			return nil
		}
		m.dedup.Mark(pos.ID, target, runID)
	}

	if err := dao.Position().SetProtectionState(pos.ID, models.ProtectionPendingPlace); err != nil {
		return err
	}

	req := m.stopOrderRequest(pos, target, runID)
	order, err := connector.CreateOrder(ctx, req)

	switch exchange.OutcomeOf(err) {
	case exchange.OutcomeConfirmed:
		return m.confirmPlaced(bot, pos, order, target, runID, prevOrderID)

	case exchange.OutcomeUnknown:
		// 请求已发出但结果未知：先查证，绝不盲目重发
		monitor.IncConnectorError(connector.Name(), string(exchange.ClassAmbiguous))
		found, lookupErr := m.findByClientOrderID(ctx, connector, pos.Symbol, req.ClientOrderID)
		if lookupErr == nil && found != nil {
			logger.Info().Uint("position_id", pos.ID).Str("order_id", found.ID).
				Msg("ambiguous create resolved: order is live")
			return m.confirmPlaced(bot, pos, found, target, runID, prevOrderID)
		}
		return m.recordFailure(bot, pos, fmt.Errorf("ambiguous create unresolved: %w", err))

	default:
		if exchange.IsRejected(err) {
			// 交易所校验拒单：审计后等下一轮以新价格重算，不原价重试
			monitor.IncReconcile("rejected")
			m.audit(models.ActivityStopLossRejected, bot.ID, pos.ID, target,
				"protective order rejected at %.8f: %v", target, err)
			m.publishStopLoss(natspkg.StopLossRejected, bot, pos, target, pos.ProtectiveStop, prevOrderID, runID, err.Error())
			return dao.Position().SetProtectionState(pos.ID, models.ProtectionNone)
		}
		monitor.IncConnectorError(connector.Name(), string(exchange.ClassOf(err)))
		return m.recordFailure(bot, pos, fmt.Errorf("create protective order: %w", err))
	}
}

// confirmPlaced 确认保护单在场后落库
func (m *Manager) confirmPlaced(bot *models.Bot, pos *models.Position, order *exchange.Order, target float64, runID, prevOrderID string) error {
	if err := dao.Position().SetProtectiveOrder(pos.ID, order.ID, target); err != nil {
		return err
	}
	if err := dao.Position().ResetRetries(pos.ID); err != nil {
		return err
	}

	// 只追加的执行记录
	trade := &models.Trade{
		UserID:          pos.UserID,
		BotID:           bot.ID,
		PositionID:      pos.ID,
		ConnectionID:    pos.ConnectionID,
		Symbol:          pos.Symbol,
		TradeType:       pos.TradeType,
		OrderType:       models.OrderTypeStop,
		Side:            order.Side,
		Quantity:        order.Quantity,
		Price:           order.Price,
		Status:          models.OrderStatusOpen,
		ExchangeOrderID: order.ID,
		ClientOrderID:   order.ClientOrderID,
		IsProtective:    true,
		StopPrice:       target,
	}
	if err := dao.Trade().Append(trade); err != nil {
		logger.Error().Err(err).Uint("position_id", pos.ID).Msg("append protective trade row failed")
	}

	if prevOrderID != "" {
		monitor.IncReconcile("replaced")
		m.audit(models.ActivityStopLossReplaced, bot.ID, pos.ID, target,
			"protective order replaced %s -> %s at %.8f", prevOrderID, order.ID, target)
		m.publishStopLoss(natspkg.StopLossReplaced, bot, pos, target, pos.ProtectiveStop, order.ID, runID, "")
	} else {
		monitor.IncReconcile("placed")
		m.audit(models.ActivityStopLossPlaced, bot.ID, pos.ID, target,
			"protective order %s placed at %.8f", order.ID, target)
		m.publishStopLoss(natspkg.StopLossPlaced, bot, pos, target, 0, order.ID, runID, "")
	}
	logger.Info().
		Uint("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("order_id", order.ID).
		Float64("stop_price", target).
		Msg("protective order confirmed")
	return nil
}

// replace 撤旧挂新，绝不原地改单
func (m *Manager) replace(ctx context.Context, connector exchange.Connector, runID string, bot *models.Bot, pos *models.Position, target float64) error {
	if m.dedup != nil && m.dedup.IsSeen(pos.ID, target, runID) {
		monitor.IncReconcile("deduped")
		return nil
	}

	oldID := *pos.ProtectiveOrderID
	if err := dao.Position().SetProtectionState(pos.ID, models.ProtectionPendingReplace); err != nil {
		return err
	}

	err := connector.CancelOrder(ctx, oldID, pos.Symbol)
	switch {
	case err == nil:
		// 旧单已撤，短暂无保护窗口，立即补挂
		if err := dao.Position().ClearProtectiveOrder(pos.ID, models.ProtectionPendingReplace); err != nil {
			return err
		}
		pos.ProtectiveOrderID = nil
		return m.place(ctx, connector, runID, bot, pos, target, oldID)

	case errors.Is(err, exchange.ErrOrderNotFound):
		// 旧单已不在：可能已成交，必须完整重估，绝不直接补挂
		return m.reevaluate(ctx, connector, bot, pos, oldID)

	case exchange.OutcomeOf(err) == exchange.OutcomeUnknown:
		monitor.IncConnectorError(connector.Name(), string(exchange.ClassAmbiguous))
		return m.resolveAmbiguousCancel(ctx, connector, runID, bot, pos, target, oldID, err)

	default:
		monitor.IncConnectorError(connector.Name(), string(exchange.ClassOf(err)))
		return m.recordFailure(bot, pos, fmt.Errorf("cancel protective order %s: %w", oldID, err))
	}
}

// resolveAmbiguousCancel 撤单结果未知：查证订单真实状态再决定下一步
func (m *Manager) resolveAmbiguousCancel(ctx context.Context, connector exchange.Connector, runID string, bot *models.Bot, pos *models.Position, target float64, oldID string, cancelErr error) error {
	order, err := connector.GetOrder(ctx, oldID, pos.Symbol)
	if err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			return m.reevaluate(ctx, connector, bot, pos, oldID)
		}
		// 查证也失败：保持 protected，下一轮重来
		if serr := dao.Position().SetProtectionState(pos.ID, models.ProtectionProtected); serr != nil {
			return serr
		}
		return fmt.Errorf("ambiguous cancel unresolved for order %s: %w", oldID, cancelErr)
	}

	switch order.Status {
	case models.OrderStatusCancelled:
		if err := dao.Position().ClearProtectiveOrder(pos.ID, models.ProtectionPendingReplace); err != nil {
			return err
		}
		pos.ProtectiveOrderID = nil
		return m.place(ctx, connector, runID, bot, pos, target, oldID)
	case models.OrderStatusFilled:
		return m.closeByStop(bot, pos, order)
	default:
		// 撤单没生效，订单还在场
		return dao.Position().SetProtectionState(pos.ID, models.ProtectionProtected)
	}
}

// reevaluate 旧保护单已消失时的完整重估
// 成交 -> 平仓；已撤 -> 清引用等下一轮补挂；查不到 -> 交给仓位同步裁决
func (m *Manager) reevaluate(ctx context.Context, connector exchange.Connector, bot *models.Bot, pos *models.Position, oldID string) error {
	order, err := connector.GetOrder(ctx, oldID, pos.Symbol)
	if err == nil && order.Status == models.OrderStatusFilled {
		return m.closeByStop(bot, pos, order)
	}
	if err == nil && (order.Status == models.OrderStatusOpen || order.Status == models.OrderStatusPartiallyFilled) {
		// 撤单说没有、查单说还在：以查单为准
		return dao.Position().SetProtectionState(pos.ID, models.ProtectionProtected)
	}

	// 已撤或彻底查不到：清掉引用，终态留给仓位同步任务核对
	if err := dao.Position().ClearProtectiveOrder(pos.ID, models.ProtectionNone); err != nil {
		return err
	}
	m.audit(models.ActivityPositionSynced, bot.ID, pos.ID, 0,
		"protective order %s vanished, cleared reference pending position sync", oldID)
	logger.Warn().
		Uint("position_id", pos.ID).
		Str("order_id", oldID).
		Msg("protective order vanished out-of-band, requires re-evaluation")
	monitor.IncReconcile("reevaluated")
	return nil
}

// closeByStop 保护单已成交，持仓按止损价了结
func (m *Manager) closeByStop(bot *models.Bot, pos *models.Position, order *exchange.Order) error {
	exitPrice := order.AvgFillPrice
	if exitPrice == 0 {
		exitPrice = order.StopPrice
	}
	realized := (exitPrice - pos.EntryPrice) * pos.Quantity
	if pos.Side == models.DirectionShort {
		realized = -realized
	}
	if err := dao.Position().Close(pos.ID, realized); err != nil {
		return err
	}

	monitor.IncReconcile("closed")
	m.audit(models.ActivityPositionClosed, bot.ID, pos.ID, realized,
		"position closed by protective order %s at %.8f, realized pnl %.8f", order.ID, exitPrice, realized)
	if m.events != nil {
		_ = m.events.PublishPositionEvent(&natspkg.PositionEvent{
			Type:        natspkg.PositionClosed,
			PositionID:  pos.ID,
			BotID:       bot.ID,
			Symbol:      pos.Symbol,
			Side:        pos.Side,
			Quantity:    pos.Quantity,
			EntryPrice:  pos.EntryPrice,
			RealizedPnl: realized,
			Timestamp:   time.Now().Unix(),
		})
	}
	logger.Info().
		Uint("position_id", pos.ID).
		Float64("realized_pnl", realized).
		Msg("position closed by stop")
	return nil
}

// recordFailure 记录失败并在预算耗尽时标记人工复核
func (m *Manager) recordFailure(bot *models.Bot, pos *models.Position, cause error) error {
	monitor.IncReconcile("failed")
	if err := dao.Position().RecordFailure(pos.ID, cause.Error(), m.opts.MaxAttempts); err != nil {
		logger.Error().Err(err).Uint("position_id", pos.ID).Msg("record reconcile failure failed")
	}
	m.audit(models.ActivityStopLossFailed, bot.ID, pos.ID, 0, "reconcile failed: %v", cause)

	updated, err := dao.Position().GetByID(pos.ID)
	if err == nil && updated.NeedsManualReview && !pos.NeedsManualReview {
		monitor.IncManualReview()
		m.audit(models.ActivityManualReview, bot.ID, pos.ID, 0,
			"retry budget exhausted after %d attempts, flagged for manual review", updated.ReconcileRetryCount)
		m.publishStopLoss(natspkg.StopLossManualReview, bot, pos, 0, pos.ProtectiveStop, "", "", cause.Error())
	} else {
		m.publishStopLoss(natspkg.StopLossFailed, bot, pos, 0, pos.ProtectiveStop, "", "", cause.Error())
	}
	return cause
}

// stopOrderRequest 构造保护单请求
// 客户端订单 ID 由持仓、目标价与运行 ID 决定，重放不会产生第二张单
func (m *Manager) stopOrderRequest(pos *models.Position, target float64, runID string) *exchange.OrderRequest {
	side := exchange.SideSell
	if pos.Side == models.DirectionShort {
		side = exchange.SideBuy
	}
	h := fnv.New32a()
	fmt.Fprintf(h, "%s-%.8f", runID, target)
	return &exchange.OrderRequest{
		Symbol:        pos.Symbol,
		Type:          exchange.TypeStop,
		Side:          side,
		Quantity:      pos.Quantity,
		StopPrice:     target,
		TradeType:     pos.TradeType,
		ClientOrderID: fmt.Sprintf("sl%d-%08x", pos.ID, h.Sum32()),
		ReduceOnly:    pos.TradeType == models.TradeTypeFutures,
	}
}

// findByClientOrderID 在在场订单里按客户端订单 ID 查证
func (m *Manager) findByClientOrderID(ctx context.Context, connector exchange.Connector, symbol, clientOrderID string) (*exchange.Order, error) {
	orders, err := connector.OpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		if orders[i].ClientOrderID == clientOrderID {
			return &orders[i], nil
		}
	}
	return nil, nil
}

func (m *Manager) publishStopLoss(evtType string, bot *models.Bot, pos *models.Position, stop, prev float64, orderID, runID, reason string) {
	if m.events == nil {
		return
	}
	_ = m.events.PublishStopLossEvent(&natspkg.StopLossEvent{
		Type:       evtType,
		PositionID: pos.ID,
		BotID:      bot.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		StopPrice:  stop,
		PrevStop:   prev,
		OrderID:    orderID,
		RunID:      runID,
		Reason:     reason,
		Timestamp:  time.Now().Unix(),
	})
}

func (m *Manager) audit(actType string, botID, positionID uint, amount float64, format string, args ...any) {
	if m.auditor == nil {
		return
	}
	m.auditor.Event(actType, botID, positionID, amount, format, args...)
}
