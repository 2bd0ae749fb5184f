package nats

import (
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/utrading/utrading-trade-engine/internal/monitor"
	"github.com/utrading/utrading-trade-engine/pkg/logger"
)

// Publisher NATS 发布器
type Publisher struct {
	*nats.Conn
	mu     sync.RWMutex
	closed bool
}

// NewPublisher 创建 NATS 发布器
func NewPublisher(url string) (*Publisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}

	p := &Publisher{
		Conn: conn,
	}

	// 更新指标
	monitor.GetMetrics().SetNATSConnected(true)

	return p, nil
}

// PublishStopLossEvent 发布止损事件
func (p *Publisher) PublishStopLossEvent(evt *StopLossEvent) error {
	data, err := evt.Marshal()
	if err != nil {
		return err
	}
	if err := p.Publish(TopicStopLossEvent, data); err != nil {
		logger.Error().Err(err).Str("type", evt.Type).Msg("publish stop-loss event failed")
		return err
	}
	monitor.IncEventPublished(evt.Type)
	return nil
}

// PublishPositionEvent 发布持仓事件
func (p *Publisher) PublishPositionEvent(evt *PositionEvent) error {
	data, err := evt.Marshal()
	if err != nil {
		return err
	}
	if err := p.Publish(TopicPositionEvent, data); err != nil {
		logger.Error().Err(err).Str("type", evt.Type).Msg("publish position event failed")
		return err
	}
	monitor.IncEventPublished(evt.Type)
	return nil
}

// PublishSignalEvent 发布信号事件
func (p *Publisher) PublishSignalEvent(evt *SignalEvent) error {
	data, err := evt.Marshal()
	if err != nil {
		return err
	}
	if err := p.Publish(TopicSignalEvent, data); err != nil {
		logger.Error().Err(err).Str("symbol", evt.Symbol).Msg("publish signal event failed")
		return err
	}
	monitor.IncEventPublished("signal")
	return nil
}

// IsConnected 检查发布器是否已连接
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed && p.Conn != nil && !p.Conn.IsClosed()
}

// Close 关闭连接
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true

	// 更新指标
	monitor.GetMetrics().SetNATSConnected(false)

	if p.Conn != nil {
		p.Conn.Close()
	}
	return nil
}
