package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/utrading/utrading-trade-engine/internal/models"
	"github.com/utrading/utrading-trade-engine/pkg/logger"
)

// Builder 按连接凭证构造 Connector
type Builder func(conn *models.ExchangeConnection) (Connector, error)

// Registry 交易所注册表
// Register 开放扩展：新增交易所不用改调用方
// Resolve 按连接 ID 缓存复用已验证的 Connector，TTL 过期后重新验证
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder

	conns *cache.Cache // key: connection id -> Connector
	retry RetryPolicy
}

// NewRegistry 创建注册表
// ttl: 已验证连接的缓存时间；清理间隔取 2×TTL
func NewRegistry(ttl time.Duration, retry RetryPolicy) *Registry {
	r := &Registry{
		builders: make(map[string]Builder),
		conns:    cache.New(ttl, ttl*2),
		retry:    retry,
	}
	// 逐出时关闭底层连接
	r.conns.OnEvicted(func(key string, v interface{}) {
		if c, ok := v.(Connector); ok {
			_ = c.Close()
		}
	})
	return r
}

// Register 注册交易所构造器；重复注册以后者为准
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Supported 已注册交易所列表
func (r *Registry) Supported() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	return names
}

// Resolve 按连接凭证解析 Connector
// 未注册的交易所直接返回 Config 类错误，绝不回退到默认实现
// 首次解析执行一次 TestConnection 验证凭证，之后按连接 ID 复用
func (r *Registry) Resolve(ctx context.Context, conn *models.ExchangeConnection) (Connector, error) {
	key := fmt.Sprintf("%d", conn.ID)
	if v, ok := r.conns.Get(key); ok {
		return v.(Connector), nil
	}

	r.mu.RLock()
	builder, ok := r.builders[conn.Exchange]
	r.mu.RUnlock()
	if !ok {
		return nil, NewError(ClassConfig, conn.Exchange, "resolve",
			fmt.Errorf("unsupported exchange %q", conn.Exchange))
	}

	raw, err := builder(conn)
	if err != nil {
		return nil, NewError(ClassConfig, conn.Exchange, "resolve", err)
	}
	c := WithRetry(raw, r.retry)

	if err := c.TestConnection(ctx); err != nil {
		_ = c.Close()
		if IsConfig(err) {
			return nil, err
		}
		return nil, NewError(ClassConfig, conn.Exchange, "test_connection", err)
	}

	r.conns.Set(key, c, cache.DefaultExpiration)
	logger.Info().
		Str("exchange", conn.Exchange).
		Uint("connection_id", conn.ID).
		Bool("testnet", conn.IsTestnet).
		Msg("exchange connector verified and cached")
	return c, nil
}

// Invalidate 主动逐出指定连接（凭证轮换/验证失败后使用）
func (r *Registry) Invalidate(connectionID uint) {
	r.conns.Delete(fmt.Sprintf("%d", connectionID))
}

// Close 关闭全部缓存连接
func (r *Registry) Close() {
	for key, item := range r.conns.Items() {
		if c, ok := item.Object.(Connector); ok {
			_ = c.Close()
		}
		r.conns.Delete(key)
	}
}
