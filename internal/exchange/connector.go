package exchange

import "context"

// Connector 交易所能力契约
// 每个交易所一个实现；调用方只依赖本接口，不做运行时类型探测
// 所有方法可能阻塞在网络 I/O 上，必须尊重 ctx 取消
// 变更类调用（CreateOrder/CancelOrder）远端副作用不保证原子：
// 请求可能已生效但响应丢失，调用方须按 Ambiguous 处理而非失败
type Connector interface {
	// Name 交易所标识，如 binance/gateio/kucoin
	Name() string

	// 行情
	Ticker(ctx context.Context, symbol string) (*Ticker, error)
	OrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)

	// 账户
	Balances(ctx context.Context, currency string) ([]Balance, error)
	Positions(ctx context.Context, symbol string) ([]Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// 订单
	CreateOrder(ctx context.Context, req *OrderRequest) (*Order, error)
	GetOrder(ctx context.Context, orderID, symbol string) (*Order, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
	Trades(ctx context.Context, symbol string, limit int) ([]Fill, error)

	// 元信息
	Symbols(ctx context.Context) ([]SymbolInfo, error)

	// TestConnection 凭证校验，注册表 resolve 时调用一次
	TestConnection(ctx context.Context) error

	Close() error
}
