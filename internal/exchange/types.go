package exchange

import "time"

// 订单方向 / 类型 / 交易类型
// 与 models 包保持同一字面值，便于落库
const (
	SideBuy  = "buy"
	SideSell = "sell"

	TypeMarket    = "market"
	TypeLimit     = "limit"
	TypeStop      = "stop"
	TypeStopLimit = "stop_limit"

	TradeTypeSpot    = "spot"
	TradeTypeFutures = "futures"
)

// Ticker 最新行情快照
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume24h float64   `json:"volume_24h"`
	Timestamp time.Time `json:"timestamp"`
}

// BookLevel 盘口单档
type BookLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// OrderBook 盘口快照
type OrderBook struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// Balance 单币种余额
type Balance struct {
	Currency string  `json:"currency"`
	Free     float64 `json:"free"`
	Locked   float64 `json:"locked"`
	Total    float64 `json:"total"`
}

// Kline 单根 K 线
type Kline struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// OrderRequest 下单请求
type OrderRequest struct {
	Symbol    string  `json:"symbol"`
	Type      string  `json:"type"`
	Side      string  `json:"side"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price"`      // 限价单委托价；市价单为 0
	StopPrice float64 `json:"stop_price"` // 止损触发价（stop/stop_limit）
	TradeType string  `json:"trade_type"`
	// ClientOrderID 幂等客户端订单 ID；重放同一 ID 不会产生第二张单
	ClientOrderID string `json:"client_order_id"`
	ReduceOnly    bool   `json:"reduce_only"`
}

// Order 交易所侧订单
type Order struct {
	ID            string     `json:"id"`
	ClientOrderID string     `json:"client_order_id"`
	Symbol        string     `json:"symbol"`
	Type          string     `json:"type"`
	Side          string     `json:"side"`
	Quantity      float64    `json:"quantity"`
	Price         float64    `json:"price"`
	StopPrice     float64    `json:"stop_price"`
	FilledQty     float64    `json:"filled_qty"`
	AvgFillPrice  float64    `json:"avg_fill_price"`
	Status        string     `json:"status"` // pending/open/filled/partially_filled/cancelled/rejected
	CreatedAt     time.Time  `json:"created_at"`
	FilledAt      *time.Time `json:"filled_at"`
}

// Fill 成交记录
type Fill struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	Fee         float64   `json:"fee"`
	FeeCurrency string    `json:"fee_currency"`
	Timestamp   time.Time `json:"timestamp"`
}

// Position 交易所上报的持仓
type Position struct {
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"` // long/short
	Quantity         float64 `json:"quantity"`
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	UnrealizedPnl    float64 `json:"unrealized_pnl"`
	Leverage         int     `json:"leverage"`
	LiquidationPrice float64 `json:"liquidation_price"`
}

// SymbolInfo 交易对元信息
type SymbolInfo struct {
	Symbol    string  `json:"symbol"`
	Base      string  `json:"base"`
	Quote     string  `json:"quote"`
	MinQty    float64 `json:"min_qty"`
	TickSize  float64 `json:"tick_size"`
	Tradeable bool    `json:"tradeable"`
}
