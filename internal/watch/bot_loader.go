package watch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/utrading/utrading-trade-engine/internal/dao"
	"github.com/utrading/utrading-trade-engine/pkg/goplus"
	"github.com/utrading/utrading-trade-engine/pkg/logger"
	"gorm.io/gorm"
)

// SymbolSubscriber 行情订阅面
type SymbolSubscriber interface {
	Subscribe(symbols ...string)
	Unsubscribe(symbols ...string)
}

// BotLoader 从机器人表加载需要行情的交易对
// 机器人停用后交易对进入宽限期，期间恢复则不退订，避免开关抖动
type BotLoader struct {
	stream        SymbolSubscriber
	interval      time.Duration
	removeGrace   time.Duration
	lastSymbols   map[string]bool
	pendingRemove map[string]time.Time // 待退订交易对 → 发现消失的时间
	mu            sync.RWMutex
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewBotLoader 创建加载器
func NewBotLoader(stream SymbolSubscriber, interval, removeGrace time.Duration) *BotLoader {
	ctx, cancel := context.WithCancel(context.Background())
	return &BotLoader{
		stream:        stream,
		interval:      interval,
		removeGrace:   removeGrace,
		lastSymbols:   make(map[string]bool),
		pendingRemove: make(map[string]time.Time),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start 启动加载器
func (l *BotLoader) Start() error {
	if err := l.loadAndSync(); err != nil {
		return err
	}

	goplus.Go(func() {
		l.periodicReload()
	})
	return nil
}

func (l *BotLoader) periodicReload() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.loadAndSync(); err != nil {
				logger.Error().Err(err).Msg("bot symbol reload failed")
			}
		}
	}
}

func (l *BotLoader) loadAndSync() error {
	symbols, err := l.loadActiveSymbols()
	if err != nil {
		return err
	}

	now := time.Now()

	l.mu.Lock()

	var toAdd, toUnsubscribe []string
	var recoveredCount int

	// 新增交易对：活跃机器人需要但尚未订阅
	for sym := range symbols {
		if !l.lastSymbols[sym] {
			toAdd = append(toAdd, sym)
		}
		// 交易对恢复：从 pending 中移除
		if _, pending := l.pendingRemove[sym]; pending {
			delete(l.pendingRemove, sym)
			recoveredCount++
		}
	}

	// 消失交易对：已订阅但不再被任何活跃机器人需要
	for sym := range l.lastSymbols {
		if !symbols[sym] {
			if _, pending := l.pendingRemove[sym]; !pending {
				l.pendingRemove[sym] = now
			}
		}
	}

	// 宽限期到期的交易对才真正退订
	for sym, since := range l.pendingRemove {
		if now.Sub(since) >= l.removeGrace {
			toUnsubscribe = append(toUnsubscribe, sym)
			delete(l.pendingRemove, sym)
		}
	}
	pendingCount := len(l.pendingRemove)

	// lastSymbols = 活跃交易对 + 仍在宽限期内的 pending 交易对
	l.lastSymbols = symbols
	for sym := range l.pendingRemove {
		l.lastSymbols[sym] = true
	}

	l.mu.Unlock()

	if len(toAdd) > 0 {
		l.stream.Subscribe(toAdd...)
		logger.Info().Strs("symbols", toAdd).Msg("subscribed new symbols")
	}
	if len(toUnsubscribe) > 0 {
		l.stream.Unsubscribe(toUnsubscribe...)
		logger.Info().Strs("symbols", toUnsubscribe).Msg("unsubscribed symbols (grace expired)")
	}
	if recoveredCount > 0 {
		logger.Info().Int("recovered", recoveredCount).Msg("symbols recovered from pending removal")
	}

	logger.Info().
		Int("total", len(symbols)).
		Int("added", len(toAdd)).
		Int("unsubscribed", len(toUnsubscribe)).
		Int("pending_remove", pendingCount).
		Msg("bot symbol sync completed")
	return nil
}

// loadActiveSymbols 活跃机器人的交易对 + 未平仓持仓的交易对
// 持仓交易对必须保留行情：机器人停用不代表持仓已平
func (l *BotLoader) loadActiveSymbols() (map[string]bool, error) {
	result := make(map[string]bool)

	bots, err := dao.Bot().ListActive()
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	for _, bot := range bots {
		for _, pair := range bot.Pairs() {
			result[pair] = true
		}
	}

	positions, err := dao.Position().ListOpen()
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	for _, pos := range positions {
		result[pos.Symbol] = true
	}

	logger.Debug().Int("count", len(result)).Msg("loaded symbols from active bots and open positions")
	return result, nil
}

// Stop 停止加载器
func (l *BotLoader) Stop() {
	l.cancel()
}
