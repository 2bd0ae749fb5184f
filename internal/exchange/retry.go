package exchange

import (
	"context"
	"time"

	"github.com/utrading/utrading-trade-engine/pkg/logger"
)

// RetryPolicy 退避重试参数
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy 默认退避：1s 起步，指数翻倍，封顶 30s，最多 3 次
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 3}
}

// retryConnector 在 Connector 边界统一套用重试
// 只重试 Transient：Ambiguous 原样上抛由调用方查证，
// Rejected/Config 重试没有意义，InsufficientData 留给下一轮
type retryConnector struct {
	inner  Connector
	policy RetryPolicy
}

// WithRetry 包装 Connector，按分类重试
func WithRetry(inner Connector, policy RetryPolicy) Connector {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &retryConnector{inner: inner, policy: policy}
}

// do 执行 fn 并在 Transient 错误上退避重试
func (r *retryConnector) do(ctx context.Context, op string, fn func() error) error {
	backoff := r.policy.Base
	var err error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == r.policy.MaxAttempts {
			break
		}
		logger.Warn().
			Str("exchange", r.inner.Name()).
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Err(err).
			Msg("transient exchange error, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.policy.Cap {
			backoff = r.policy.Cap
		}
	}
	return err
}

func (r *retryConnector) Name() string {
	return r.inner.Name()
}

func (r *retryConnector) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	var out *Ticker
	err := r.do(ctx, "ticker", func() (e error) {
		out, e = r.inner.Ticker(ctx, symbol)
		return
	})
	return out, err
}

func (r *retryConnector) OrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	var out *OrderBook
	err := r.do(ctx, "order_book", func() (e error) {
		out, e = r.inner.OrderBook(ctx, symbol, depth)
		return
	})
	return out, err
}

func (r *retryConnector) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	var out []Kline
	err := r.do(ctx, "klines", func() (e error) {
		out, e = r.inner.Klines(ctx, symbol, interval, limit)
		return
	})
	return out, err
}

func (r *retryConnector) Balances(ctx context.Context, currency string) ([]Balance, error) {
	var out []Balance
	err := r.do(ctx, "balances", func() (e error) {
		out, e = r.inner.Balances(ctx, currency)
		return
	})
	return out, err
}

func (r *retryConnector) Positions(ctx context.Context, symbol string) ([]Position, error) {
	var out []Position
	err := r.do(ctx, "positions", func() (e error) {
		out, e = r.inner.Positions(ctx, symbol)
		return
	})
	return out, err
}

func (r *retryConnector) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return r.do(ctx, "set_leverage", func() error {
		return r.inner.SetLeverage(ctx, symbol, leverage)
	})
}

// CreateOrder 仅重试确认失败的瞬时错误：请求携带幂等客户端订单 ID，
// 重放同一请求不会产生第二张单
func (r *retryConnector) CreateOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	var out *Order
	err := r.do(ctx, "create_order", func() (e error) {
		out, e = r.inner.CreateOrder(ctx, req)
		return
	})
	return out, err
}

func (r *retryConnector) GetOrder(ctx context.Context, orderID, symbol string) (*Order, error) {
	var out *Order
	err := r.do(ctx, "get_order", func() (e error) {
		out, e = r.inner.GetOrder(ctx, orderID, symbol)
		return
	})
	return out, err
}

func (r *retryConnector) CancelOrder(ctx context.Context, orderID, symbol string) error {
	return r.do(ctx, "cancel_order", func() error {
		return r.inner.CancelOrder(ctx, orderID, symbol)
	})
}

func (r *retryConnector) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	var out []Order
	err := r.do(ctx, "open_orders", func() (e error) {
		out, e = r.inner.OpenOrders(ctx, symbol)
		return
	})
	return out, err
}

func (r *retryConnector) Trades(ctx context.Context, symbol string, limit int) ([]Fill, error) {
	var out []Fill
	err := r.do(ctx, "trades", func() (e error) {
		out, e = r.inner.Trades(ctx, symbol, limit)
		return
	})
	return out, err
}

func (r *retryConnector) Symbols(ctx context.Context) ([]SymbolInfo, error) {
	var out []SymbolInfo
	err := r.do(ctx, "symbols", func() (e error) {
		out, e = r.inner.Symbols(ctx)
		return
	})
	return out, err
}

func (r *retryConnector) TestConnection(ctx context.Context) error {
	return r.do(ctx, "test_connection", func() error {
		return r.inner.TestConnection(ctx)
	})
}

func (r *retryConnector) Close() error {
	return r.inner.Close()
}
