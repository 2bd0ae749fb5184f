package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/utrading/utrading-trade-engine/pkg/concurrent"
	"github.com/utrading/utrading-trade-engine/pkg/goplus"
	"github.com/utrading/utrading-trade-engine/pkg/logger"
)

const (
	streamWriteWait     = 10 * time.Second // 写入超时
	streamPongWait      = 60 * time.Second // 读取超时（应大于心跳间隔）
	streamPingPeriod    = 50 * time.Second // 心跳间隔
	streamMaxMessage    = 1024 * 1024      // 最大消息限制 1MB
	streamReconnectBase = time.Second
	streamReconnectCap  = 16 * time.Second

	binanceStreamURL = "wss://stream.binance.com:9443/ws"
)

// TickHandler 行情回调
type TickHandler func(symbol string, last float64, ts time.Time)

// TickerStream 行情长连接客户端
// 维护一组订阅交易对的 miniTicker 推送，断线指数退避重连并恢复订阅
type TickerStream struct {
	url     string
	handler TickHandler

	mu      sync.RWMutex
	writeMu sync.Mutex
	conn    *websocket.Conn

	// 订阅集合：流名 -> 对外符号（btcusdt@miniTicker -> BTC/USDT）
	subs *concurrent.Map[string, string]

	reqID     int64
	done      chan struct{}
	closeOnce sync.Once
}

// NewTickerStream 创建行情流客户端（Binance 公共行情）
func NewTickerStream(handler TickHandler) *TickerStream {
	return &TickerStream{
		url:     binanceStreamURL,
		handler: handler,
		subs:    &concurrent.Map[string, string]{},
		done:    make(chan struct{}),
	}
}

// streamName BTC/USDT -> btcusdt@miniTicker
func streamName(symbol string) string {
	return strings.ToLower(strings.ReplaceAll(symbol, "/", "")) + "@miniTicker"
}

// Subscribe 增量订阅；连接未建立时仅登记，连上后统一恢复
func (s *TickerStream) Subscribe(symbols ...string) {
	var added []string
	for _, symbol := range symbols {
		name := streamName(symbol)
		if _, loaded := s.subs.LoadOrStore(name, symbol); !loaded {
			added = append(added, name)
		}
	}
	if len(added) > 0 {
		s.sendSubscribe("SUBSCRIBE", added)
	}
}

// Unsubscribe 退订交易对
func (s *TickerStream) Unsubscribe(symbols ...string) {
	var removed []string
	for _, symbol := range symbols {
		name := streamName(symbol)
		if _, loaded := s.subs.LoadAndDelete(name); loaded {
			removed = append(removed, name)
		}
	}
	if len(removed) > 0 {
		s.sendSubscribe("UNSUBSCRIBE", removed)
	}
}

func (s *TickerStream) sendSubscribe(method string, params []string) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.reqID++
	msg := fmt.Sprintf(`{"method":%q,"params":[%s],"id":%d}`,
		method, `"`+strings.Join(params, `","`)+`"`, s.reqID)
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		logger.Warn().Err(err).Str("method", method).Msg("ws subscribe write failed")
	}
}

// Run 阻塞运行：连接、读取、断线重连，直到 ctx 取消或 Close
func (s *TickerStream) Run(ctx context.Context) {
	backoff := streamReconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if err := s.connect(ctx); err != nil {
			logger.Error().Err(err).Dur("backoff", backoff).Msg("ticker stream connect failed")
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > streamReconnectCap {
				backoff = streamReconnectCap
			}
			continue
		}
		backoff = streamReconnectBase

		// 恢复全部订阅
		var names []string
		s.subs.Range(func(name, _ string) bool {
			names = append(names, name)
			return true
		})
		if len(names) > 0 {
			s.sendSubscribe("SUBSCRIBE", names)
		}
		logger.Info().Int("subscriptions", len(names)).Msg("ticker stream connected")

		s.readPump(ctx)
		// readPump 返回即连接断开，循环重连
	}
}

func (s *TickerStream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial error: %w", err)
	}

	conn.SetReadLimit(streamMaxMessage)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	goplus.Go(func() {
		s.pingPump(ctx)
	})
	return nil
}

func (s *TickerStream) readPump(ctx context.Context) {
	defer s.dropConn()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error().Err(err).Msg("ticker stream read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(streamPongWait))

		r := gjson.ParseBytes(msg)
		if r.Get("e").String() != "24hrMiniTicker" {
			continue
		}
		name := strings.ToLower(r.Get("s").String()) + "@miniTicker"
		symbol, ok := s.subs.Load(name)
		if !ok {
			continue
		}
		if s.handler != nil {
			s.handler(symbol, r.Get("c").Float(), time.UnixMilli(r.Get("E").Int()))
		}
	}
}

func (s *TickerStream) pingPump(ctx context.Context) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil {
				return
			}
			s.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *TickerStream) dropConn() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *TickerStream) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

func (s *TickerStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.dropConn()
	})
	return nil
}
