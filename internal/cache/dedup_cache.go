package cache

import (
	"fmt"
	"math"
	"time"

	"github.com/patrickmn/go-cache"
)

// ReplaceDedupCache 换单去重缓存，使用 go-cache 实现 TTL 自动过期
// 幂等键 = 持仓 ID + 目标价分桶 + 调度运行 ID：
// 同一运行内对同一持仓、同一价格桶的重试不会二次撤单/下单
type ReplaceDedupCache struct {
	cache     *cache.Cache // go-cache 内置 TTL 和自动清理
	ttl       time.Duration
	bucketPct float64
}

// NewReplaceDedupCache 创建换单去重缓存
// ttl: 幂等键保留时间（建议 30 分钟），清理间隔自动设为 2×TTL
// bucketPct: 价格分桶宽度（比例），同一桶内的目标价视为同一次换单
func NewReplaceDedupCache(ttl time.Duration, bucketPct float64) *ReplaceDedupCache {
	if bucketPct <= 0 {
		bucketPct = 0.001
	}
	return &ReplaceDedupCache{
		cache:     cache.New(ttl, ttl*2),
		ttl:       ttl,
		bucketPct: bucketPct,
	}
}

// IsSeen 检查该换单尝试是否已执行
func (c *ReplaceDedupCache) IsSeen(positionID uint, targetPrice float64, runID string) bool {
	_, exists := c.cache.Get(c.dedupKey(positionID, targetPrice, runID))
	return exists
}

// Mark 标记换单尝试已执行
func (c *ReplaceDedupCache) Mark(positionID uint, targetPrice float64, runID string) {
	c.cache.Set(c.dedupKey(positionID, targetPrice, runID), time.Now(), cache.DefaultExpiration)
}

// dedupKey 生成幂等键
// 格式: "positionID-priceBucket-runID"
func (c *ReplaceDedupCache) dedupKey(positionID uint, targetPrice float64, runID string) string {
	return fmt.Sprintf("%d-%d-%s", positionID, c.bucket(targetPrice), runID)
}

// bucket 目标价按相对宽度分对数桶：相差不到 bucketPct 的价格落同一桶
func (c *ReplaceDedupCache) bucket(price float64) int64 {
	if price <= 0 {
		return 0
	}
	return int64(math.Floor(math.Log(price) / math.Log1p(c.bucketPct)))
}
