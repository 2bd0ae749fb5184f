package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/tidwall/gjson"

	"github.com/utrading/utrading-trade-engine/internal/models"
)

const (
	binanceLiveURL    = "https://api.binance.com"
	binanceTestnetURL = "https://testnet.binance.vision"
)

// Binance 现货 REST 适配器
type Binance struct {
	apiKey    string
	apiSecret string
	rest      *restClient
}

// NewBinance 按连接凭证构造 Binance 适配器
func NewBinance(conn *models.ExchangeConnection) (Connector, error) {
	baseURL := binanceLiveURL
	if conn.IsTestnet {
		baseURL = binanceTestnetURL
	}
	return &Binance{
		apiKey:    conn.APIKey,
		apiSecret: conn.APISecret,
		rest:      newRESTClient("binance", baseURL),
	}, nil
}

func (b *Binance) Name() string {
	return "binance"
}

// toSymbol BTC/USDT -> BTCUSDT
func (b *Binance) toSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
}

func (b *Binance) sign(query url.Values) url.Values {
	query.Set("timestamp", cast.ToString(time.Now().UnixMilli()))
	query.Set("recvWindow", "5000")
	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	mac.Write([]byte(query.Encode()))
	query.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	return query
}

func (b *Binance) authHeaders() map[string]string {
	return map[string]string{"X-MBX-APIKEY": b.apiKey}
}

// wrapAPIError 识别 Binance 业务错误码
// -2011 撤单时订单不存在 / -2013 查单时订单不存在
func (b *Binance) wrapAPIError(err error) error {
	var ee *Error
	if e, ok := err.(*Error); ok {
		ee = e
	} else {
		return err
	}
	msg := ee.Err.Error()
	if strings.Contains(msg, "-2011") || strings.Contains(msg, "-2013") {
		return &Error{
			Class:    ClassRejected,
			Exchange: ee.Exchange,
			Op:       ee.Op,
			Code:     ee.Code,
			Err:      fmt.Errorf("%s: %w", msg, ErrOrderNotFound),
		}
	}
	return err
}

func (b *Binance) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	q := url.Values{"symbol": {b.toSymbol(symbol)}}
	data, err := b.rest.request(ctx, http.MethodGet, "/api/v3/ticker/24hr", q, nil, "")
	if err != nil {
		return nil, err
	}
	r := gjson.ParseBytes(data)
	return &Ticker{
		Symbol:    symbol,
		Last:      r.Get("lastPrice").Float(),
		Bid:       r.Get("bidPrice").Float(),
		Ask:       r.Get("askPrice").Float(),
		Volume24h: r.Get("volume").Float(),
		Timestamp: time.Now(),
	}, nil
}

func (b *Binance) OrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	q := url.Values{
		"symbol": {b.toSymbol(symbol)},
		"limit":  {cast.ToString(depth)},
	}
	data, err := b.rest.request(ctx, http.MethodGet, "/api/v3/depth", q, nil, "")
	if err != nil {
		return nil, err
	}
	r := gjson.ParseBytes(data)
	book := &OrderBook{Symbol: symbol, Timestamp: time.Now()}
	for _, lvl := range r.Get("bids").Array() {
		arr := lvl.Array()
		if len(arr) >= 2 {
			book.Bids = append(book.Bids, BookLevel{Price: arr[0].Float(), Qty: arr[1].Float()})
		}
	}
	for _, lvl := range r.Get("asks").Array() {
		arr := lvl.Array()
		if len(arr) >= 2 {
			book.Asks = append(book.Asks, BookLevel{Price: arr[0].Float(), Qty: arr[1].Float()})
		}
	}
	return book, nil
}

func (b *Binance) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{
		"symbol":   {b.toSymbol(symbol)},
		"interval": {interval},
		"limit":    {cast.ToString(limit)},
	}
	data, err := b.rest.request(ctx, http.MethodGet, "/api/v3/klines", q, nil, "")
	if err != nil {
		return nil, err
	}
	var klines []Kline
	for _, row := range gjson.ParseBytes(data).Array() {
		arr := row.Array()
		if len(arr) < 7 {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:  time.UnixMilli(arr[0].Int()),
			Open:      arr[1].Float(),
			High:      arr[2].Float(),
			Low:       arr[3].Float(),
			Close:     arr[4].Float(),
			Volume:    arr[5].Float(),
			CloseTime: time.UnixMilli(arr[6].Int()),
		})
	}
	return klines, nil
}

func (b *Binance) Balances(ctx context.Context, currency string) ([]Balance, error) {
	q := b.sign(url.Values{})
	data, err := b.rest.request(ctx, http.MethodGet, "/api/v3/account", q, b.authHeaders(), "")
	if err != nil {
		return nil, err
	}
	var balances []Balance
	for _, row := range gjson.GetBytes(data, "balances").Array() {
		asset := row.Get("asset").String()
		if currency != "" && !strings.EqualFold(asset, currency) {
			continue
		}
		free := row.Get("free").Float()
		locked := row.Get("locked").Float()
		if free == 0 && locked == 0 && currency == "" {
			continue
		}
		balances = append(balances, Balance{
			Currency: asset,
			Free:     free,
			Locked:   locked,
			Total:    free + locked,
		})
	}
	return balances, nil
}

// Positions 现货无持仓概念，返回空集
func (b *Binance) Positions(ctx context.Context, symbol string) ([]Position, error) {
	return nil, nil
}

// SetLeverage 现货不支持杠杆设置
func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return NewError(ClassRejected, "binance", "set_leverage",
		fmt.Errorf("spot trading does not support leverage"))
}

func (b *Binance) CreateOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	q := url.Values{
		"symbol":   {b.toSymbol(req.Symbol)},
		"side":     {strings.ToUpper(req.Side)},
		"quantity": {cast.ToString(req.Quantity)},
	}
	switch req.Type {
	case TypeMarket:
		q.Set("type", "MARKET")
	case TypeLimit:
		q.Set("type", "LIMIT")
		q.Set("timeInForce", "GTC")
		q.Set("price", cast.ToString(req.Price))
	case TypeStop:
		// 现货止损用 STOP_LOSS_LIMIT，限价挂在触发价上
		q.Set("type", "STOP_LOSS_LIMIT")
		q.Set("timeInForce", "GTC")
		q.Set("stopPrice", cast.ToString(req.StopPrice))
		price := req.Price
		if price == 0 {
			price = req.StopPrice
		}
		q.Set("price", cast.ToString(price))
	case TypeStopLimit:
		q.Set("type", "STOP_LOSS_LIMIT")
		q.Set("timeInForce", "GTC")
		q.Set("stopPrice", cast.ToString(req.StopPrice))
		q.Set("price", cast.ToString(req.Price))
	default:
		return nil, NewError(ClassRejected, "binance", "create_order",
			fmt.Errorf("unsupported order type %q", req.Type))
	}
	if req.ClientOrderID != "" {
		q.Set("newClientOrderId", req.ClientOrderID)
	}

	data, err := b.rest.request(ctx, http.MethodPost, "/api/v3/order", b.sign(q), b.authHeaders(), "")
	if err != nil {
		return nil, b.wrapAPIError(err)
	}
	r := gjson.ParseBytes(data)
	return &Order{
		ID:            r.Get("orderId").String(),
		ClientOrderID: r.Get("clientOrderId").String(),
		Symbol:        req.Symbol,
		Type:          req.Type,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Status:        binanceStatus(r.Get("status").String()),
		CreatedAt:     time.UnixMilli(r.Get("transactTime").Int()),
	}, nil
}

func (b *Binance) GetOrder(ctx context.Context, orderID, symbol string) (*Order, error) {
	q := url.Values{
		"symbol":  {b.toSymbol(symbol)},
		"orderId": {orderID},
	}
	data, err := b.rest.request(ctx, http.MethodGet, "/api/v3/order", b.sign(q), b.authHeaders(), "")
	if err != nil {
		return nil, b.wrapAPIError(err)
	}
	return b.parseOrder(gjson.ParseBytes(data), symbol), nil
}

func (b *Binance) CancelOrder(ctx context.Context, orderID, symbol string) error {
	q := url.Values{
		"symbol":  {b.toSymbol(symbol)},
		"orderId": {orderID},
	}
	_, err := b.rest.request(ctx, http.MethodDelete, "/api/v3/order", b.sign(q), b.authHeaders(), "")
	if err != nil {
		return b.wrapAPIError(err)
	}
	return nil
}

func (b *Binance) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", b.toSymbol(symbol))
	}
	data, err := b.rest.request(ctx, http.MethodGet, "/api/v3/openOrders", b.sign(q), b.authHeaders(), "")
	if err != nil {
		return nil, err
	}
	var orders []Order
	for _, row := range gjson.ParseBytes(data).Array() {
		orders = append(orders, *b.parseOrder(row, symbol))
	}
	return orders, nil
}

func (b *Binance) Trades(ctx context.Context, symbol string, limit int) ([]Fill, error) {
	if limit <= 0 {
		limit = 50
	}
	q := url.Values{
		"symbol": {b.toSymbol(symbol)},
		"limit":  {cast.ToString(limit)},
	}
	data, err := b.rest.request(ctx, http.MethodGet, "/api/v3/myTrades", b.sign(q), b.authHeaders(), "")
	if err != nil {
		return nil, err
	}
	var fills []Fill
	for _, row := range gjson.ParseBytes(data).Array() {
		side := SideSell
		if row.Get("isBuyer").Bool() {
			side = SideBuy
		}
		fills = append(fills, Fill{
			ID:          row.Get("id").String(),
			OrderID:     row.Get("orderId").String(),
			Symbol:      symbol,
			Side:        side,
			Quantity:    row.Get("qty").Float(),
			Price:       row.Get("price").Float(),
			Fee:         row.Get("commission").Float(),
			FeeCurrency: row.Get("commissionAsset").String(),
			Timestamp:   time.UnixMilli(row.Get("time").Int()),
		})
	}
	return fills, nil
}

func (b *Binance) Symbols(ctx context.Context) ([]SymbolInfo, error) {
	data, err := b.rest.request(ctx, http.MethodGet, "/api/v3/exchangeInfo", nil, nil, "")
	if err != nil {
		return nil, err
	}
	var symbols []SymbolInfo
	for _, row := range gjson.GetBytes(data, "symbols").Array() {
		info := SymbolInfo{
			Symbol:    row.Get("baseAsset").String() + "/" + row.Get("quoteAsset").String(),
			Base:      row.Get("baseAsset").String(),
			Quote:     row.Get("quoteAsset").String(),
			Tradeable: row.Get("status").String() == "TRADING",
		}
		for _, f := range row.Get("filters").Array() {
			switch f.Get("filterType").String() {
			case "LOT_SIZE":
				info.MinQty = f.Get("minQty").Float()
			case "PRICE_FILTER":
				info.TickSize = f.Get("tickSize").Float()
			}
		}
		symbols = append(symbols, info)
	}
	return symbols, nil
}

func (b *Binance) TestConnection(ctx context.Context) error {
	_, err := b.rest.request(ctx, http.MethodGet, "/api/v3/account", b.sign(url.Values{}), b.authHeaders(), "")
	return err
}

func (b *Binance) Close() error {
	b.rest.http.CloseIdleConnections()
	return nil
}

func (b *Binance) parseOrder(r gjson.Result, symbol string) *Order {
	o := &Order{
		ID:            r.Get("orderId").String(),
		ClientOrderID: r.Get("clientOrderId").String(),
		Symbol:        symbol,
		Side:          strings.ToLower(r.Get("side").String()),
		Quantity:      r.Get("origQty").Float(),
		Price:         r.Get("price").Float(),
		StopPrice:     r.Get("stopPrice").Float(),
		FilledQty:     r.Get("executedQty").Float(),
		Status:        binanceStatus(r.Get("status").String()),
		CreatedAt:     time.UnixMilli(r.Get("time").Int()),
	}
	switch r.Get("type").String() {
	case "MARKET":
		o.Type = TypeMarket
	case "LIMIT":
		o.Type = TypeLimit
	case "STOP_LOSS", "STOP_LOSS_LIMIT":
		o.Type = TypeStop
	}
	if o.FilledQty > 0 {
		quote := r.Get("cummulativeQuoteQty").Float()
		if quote > 0 {
			o.AvgFillPrice = quote / o.FilledQty
		}
	}
	return o
}

func binanceStatus(s string) string {
	switch s {
	case "NEW":
		return models.OrderStatusOpen
	case "PARTIALLY_FILLED":
		return models.OrderStatusPartiallyFilled
	case "FILLED":
		return models.OrderStatusFilled
	case "CANCELED", "EXPIRED":
		return models.OrderStatusCancelled
	case "REJECTED":
		return models.OrderStatusRejected
	}
	return models.OrderStatusPending
}
