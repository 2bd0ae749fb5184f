package cache

import (
	"time"

	"github.com/utrading/utrading-trade-engine/pkg/concurrent"
)

// PricePoint 最新成交价快照
type PricePoint struct {
	Symbol    string
	Last      float64
	UpdatedAt time.Time
}

// PriceCache 交易对最新价缓存
// 行情流回调写入，调节与同步读取；过期数据由调用方按时间戳判断
type PriceCache struct {
	data *concurrent.Map[string, PricePoint]
}

func NewPriceCache() *PriceCache {
	return &PriceCache{
		data: &concurrent.Map[string, PricePoint]{},
	}
}

// Update 行情流回调入口
func (c *PriceCache) Update(symbol string, last float64, ts time.Time) {
	c.data.Store(symbol, PricePoint{Symbol: symbol, Last: last, UpdatedAt: ts})
}

// Get 读取最新价；maxAge > 0 时超龄视为未命中
func (c *PriceCache) Get(symbol string, maxAge time.Duration) (PricePoint, bool) {
	p, ok := c.data.Load(symbol)
	if !ok {
		return PricePoint{}, false
	}
	if maxAge > 0 && time.Since(p.UpdatedAt) > maxAge {
		return PricePoint{}, false
	}
	return p, true
}

// Remove 交易对退订后清理
func (c *PriceCache) Remove(symbol string) {
	c.data.Delete(symbol)
}

func (c *PriceCache) Len() int64 {
	return c.data.Len()
}
