package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyConnector 前 failN 次调用返回指定错误
type flakyConnector struct {
	stubConnector
	failN int
	err   error
	calls int
}

func (f *flakyConnector) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	f.calls++
	if f.calls <= f.failN {
		return nil, f.err
	}
	return &Ticker{Symbol: symbol, Last: 100}, nil
}

func (f *flakyConnector) CancelOrder(ctx context.Context, orderID, symbol string) error {
	f.calls++
	if f.calls <= f.failN {
		return f.err
	}
	return nil
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Millisecond, Cap: 4 * time.Millisecond, MaxAttempts: 3}
}

func TestWithRetry_TransientRetried(t *testing.T) {
	flaky := &flakyConnector{
		failN: 2,
		err:   NewError(ClassTransient, "fake", "ticker", errors.New("503")),
	}
	c := WithRetry(flaky, fastPolicy())

	ticker, err := c.Ticker(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, 100.0, ticker.Last)
	assert.Equal(t, 3, flaky.calls)
}

func TestWithRetry_BudgetExhausted(t *testing.T) {
	flaky := &flakyConnector{
		failN: 10,
		err:   NewError(ClassTransient, "fake", "ticker", errors.New("503")),
	}
	c := WithRetry(flaky, fastPolicy())

	_, err := c.Ticker(context.Background(), "BTC/USDT")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, flaky.calls)
}

func TestWithRetry_AmbiguousNotRetried(t *testing.T) {
	// 歧义错误重试可能造成双重下单，必须原样上抛
	flaky := &flakyConnector{
		failN: 10,
		err:   NewError(ClassAmbiguous, "fake", "cancel_order", errors.New("timeout")),
	}
	c := WithRetry(flaky, fastPolicy())

	err := c.CancelOrder(context.Background(), "ord-1", "BTC/USDT")
	require.Error(t, err)
	assert.True(t, IsAmbiguous(err))
	assert.Equal(t, 1, flaky.calls)
}

func TestWithRetry_RejectedNotRetried(t *testing.T) {
	flaky := &flakyConnector{
		failN: 10,
		err:   NewError(ClassRejected, "fake", "cancel_order", errors.New("bad order")),
	}
	c := WithRetry(flaky, fastPolicy())

	err := c.CancelOrder(context.Background(), "ord-1", "BTC/USDT")
	require.Error(t, err)
	assert.Equal(t, 1, flaky.calls)
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	flaky := &flakyConnector{
		failN: 10,
		err:   NewError(ClassTransient, "fake", "ticker", errors.New("503")),
	}
	c := WithRetry(flaky, RetryPolicy{Base: time.Hour, Cap: time.Hour, MaxAttempts: 3})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Ticker(ctx, "BTC/USDT")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, flaky.calls)
}
