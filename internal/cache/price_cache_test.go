package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPriceCache_UpdateGet(t *testing.T) {
	c := NewPriceCache()

	_, ok := c.Get("BTC/USDT", 0)
	assert.False(t, ok)

	c.Update("BTC/USDT", 50000, time.Now())
	p, ok := c.Get("BTC/USDT", 0)
	assert.True(t, ok)
	assert.Equal(t, 50000.0, p.Last)
	assert.Equal(t, "BTC/USDT", p.Symbol)
	assert.Equal(t, int64(1), c.Len())
}

func TestPriceCache_MaxAge(t *testing.T) {
	c := NewPriceCache()

	c.Update("ETH/USDT", 3000, time.Now().Add(-10*time.Minute))

	// 超龄视为未命中
	_, ok := c.Get("ETH/USDT", 5*time.Minute)
	assert.False(t, ok)

	// maxAge 为 0 时不检查时间
	p, ok := c.Get("ETH/USDT", 0)
	assert.True(t, ok)
	assert.Equal(t, 3000.0, p.Last)
}

func TestPriceCache_Remove(t *testing.T) {
	c := NewPriceCache()

	c.Update("BTC/USDT", 50000, time.Now())
	c.Remove("BTC/USDT")

	_, ok := c.Get("BTC/USDT", 0)
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Len())
}
