package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
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
	kucoinLiveURL    = "https://api.kucoin.com"
	kucoinSandboxURL = "https://openapi-sandbox.kucoin.com"

	// 止损单走独立接口族，ID 带前缀路由
	kucoinStopPrefix = "st-"
)

// Kucoin 现货 REST 适配器
type Kucoin struct {
	apiKey     string
	apiSecret  string
	passphrase string
	rest       *restClient
}

// NewKucoin 按连接凭证构造 KuCoin 适配器
// KuCoin 凭证需要第三要素 passphrase
func NewKucoin(conn *models.ExchangeConnection) (Connector, error) {
	if conn.Passphrase == "" {
		return nil, fmt.Errorf("kucoin requires a passphrase")
	}
	baseURL := kucoinLiveURL
	if conn.IsTestnet {
		baseURL = kucoinSandboxURL
	}
	return &Kucoin{
		apiKey:     conn.APIKey,
		apiSecret:  conn.APISecret,
		passphrase: conn.Passphrase,
		rest:       newRESTClient("kucoin", baseURL),
	}, nil
}

func (k *Kucoin) Name() string {
	return "kucoin"
}

// toSymbol BTC/USDT -> BTC-USDT
func (k *Kucoin) toSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", "-"))
}

// toInterval 通用周期 -> KuCoin 周期名
func (k *Kucoin) toInterval(interval string) string {
	switch interval {
	case "1m":
		return "1min"
	case "5m":
		return "5min"
	case "15m":
		return "15min"
	case "30m":
		return "30min"
	case "1h":
		return "1hour"
	case "4h":
		return "4hour"
	case "1d":
		return "1day"
	case "1w":
		return "1week"
	}
	return interval
}

// signHeaders KuCoin v2 签名
func (k *Kucoin) signHeaders(method, endpoint, body string) map[string]string {
	ts := cast.ToString(time.Now().UnixMilli())
	mac := hmac.New(sha256.New, []byte(k.apiSecret))
	mac.Write([]byte(ts + method + endpoint + body))
	sign := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	pmac := hmac.New(sha256.New, []byte(k.apiSecret))
	pmac.Write([]byte(k.passphrase))
	passphrase := base64.StdEncoding.EncodeToString(pmac.Sum(nil))

	return map[string]string{
		"KC-API-KEY":         k.apiKey,
		"KC-API-SIGN":        sign,
		"KC-API-TIMESTAMP":   ts,
		"KC-API-PASSPHRASE":  passphrase,
		"KC-API-KEY-VERSION": "2",
		"Content-Type":       "application/json",
	}
}

// call 发送请求并剥掉 KuCoin 的 {code, data} 外壳
func (k *Kucoin) call(ctx context.Context, method, path string, query url.Values, body string, signed bool) (gjson.Result, error) {
	endpoint := path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var headers map[string]string
	if signed {
		headers = k.signHeaders(method, endpoint, body)
	}
	data, err := k.rest.request(ctx, method, path, query, headers, body)
	if err != nil {
		return gjson.Result{}, k.wrapAPIError(err)
	}
	r := gjson.ParseBytes(data)
	code := r.Get("code").String()
	if code != "" && code != "200000" {
		msg := r.Get("msg").String()
		apiErr := fmt.Errorf("kucoin code %s: %s", code, msg)
		class := ClassRejected
		if strings.Contains(strings.ToLower(msg), "not exist") || strings.Contains(strings.ToLower(msg), "not found") {
			apiErr = fmt.Errorf("kucoin code %s: %s: %w", code, msg, ErrOrderNotFound)
		}
		e := NewError(class, "kucoin", method+" "+path, apiErr)
		e.Code = code
		return gjson.Result{}, e
	}
	return r.Get("data"), nil
}

func (k *Kucoin) wrapAPIError(err error) error {
	ee, ok := err.(*Error)
	if !ok {
		return err
	}
	msg := strings.ToLower(ee.Err.Error())
	if strings.Contains(msg, "not exist") || strings.Contains(msg, "not found") {
		return &Error{
			Class:    ClassRejected,
			Exchange: ee.Exchange,
			Op:       ee.Op,
			Code:     ee.Code,
			Err:      fmt.Errorf("%s: %w", ee.Err.Error(), ErrOrderNotFound),
		}
	}
	return err
}

func (k *Kucoin) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	q := url.Values{"symbol": {k.toSymbol(symbol)}}
	data, err := k.call(ctx, http.MethodGet, "/api/v1/market/stats", q, "", false)
	if err != nil {
		return nil, err
	}
	return &Ticker{
		Symbol:    symbol,
		Last:      data.Get("last").Float(),
		Bid:       data.Get("buy").Float(),
		Ask:       data.Get("sell").Float(),
		Volume24h: data.Get("vol").Float(),
		Timestamp: time.Now(),
	}, nil
}

func (k *Kucoin) OrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	q := url.Values{"symbol": {k.toSymbol(symbol)}}
	data, err := k.call(ctx, http.MethodGet, "/api/v1/market/orderbook/level2_100", q, "", false)
	if err != nil {
		return nil, err
	}
	if depth <= 0 || depth > 100 {
		depth = 20
	}
	book := &OrderBook{Symbol: symbol, Timestamp: time.Now()}
	for i, lvl := range data.Get("bids").Array() {
		if i >= depth {
			break
		}
		arr := lvl.Array()
		if len(arr) >= 2 {
			book.Bids = append(book.Bids, BookLevel{Price: arr[0].Float(), Qty: arr[1].Float()})
		}
	}
	for i, lvl := range data.Get("asks").Array() {
		if i >= depth {
			break
		}
		arr := lvl.Array()
		if len(arr) >= 2 {
			book.Asks = append(book.Asks, BookLevel{Price: arr[0].Float(), Qty: arr[1].Float()})
		}
	}
	return book, nil
}

func (k *Kucoin) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{
		"symbol": {k.toSymbol(symbol)},
		"type":   {k.toInterval(interval)},
	}
	data, err := k.call(ctx, http.MethodGet, "/api/v1/market/candles", q, "", false)
	if err != nil {
		return nil, err
	}
	// KuCoin 返回 [time, open, close, high, low, volume, turnover]，最新在前
	rows := data.Array()
	var klines []Kline
	for i := len(rows) - 1; i >= 0; i-- {
		arr := rows[i].Array()
		if len(arr) < 6 {
			continue
		}
		openTime := time.Unix(arr[0].Int(), 0)
		klines = append(klines, Kline{
			OpenTime:  openTime,
			Open:      arr[1].Float(),
			Close:     arr[2].Float(),
			High:      arr[3].Float(),
			Low:       arr[4].Float(),
			Volume:    arr[5].Float(),
			CloseTime: openTime,
		})
	}
	if len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	return klines, nil
}

func (k *Kucoin) Balances(ctx context.Context, currency string) ([]Balance, error) {
	q := url.Values{"type": {"trade"}}
	if currency != "" {
		q.Set("currency", strings.ToUpper(currency))
	}
	data, err := k.call(ctx, http.MethodGet, "/api/v1/accounts", q, "", true)
	if err != nil {
		return nil, err
	}
	var balances []Balance
	for _, row := range data.Array() {
		free := row.Get("available").Float()
		locked := row.Get("holds").Float()
		balances = append(balances, Balance{
			Currency: row.Get("currency").String(),
			Free:     free,
			Locked:   locked,
			Total:    row.Get("balance").Float(),
		})
	}
	return balances, nil
}

func (k *Kucoin) Positions(ctx context.Context, symbol string) ([]Position, error) {
	return nil, nil
}

func (k *Kucoin) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return NewError(ClassRejected, "kucoin", "set_leverage",
		fmt.Errorf("spot trading does not support leverage"))
}

func (k *Kucoin) CreateOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	clientOid := req.ClientOrderID
	if clientOid == "" {
		clientOid = cast.ToString(time.Now().UnixNano())
	}

	if req.Type == TypeStop || req.Type == TypeStopLimit {
		return k.createStopOrder(ctx, req, clientOid)
	}

	body := fmt.Sprintf(`{"clientOid":%q,"symbol":%q,"side":%q,"size":%q`,
		clientOid, k.toSymbol(req.Symbol), req.Side, cast.ToString(req.Quantity))
	if req.Type == TypeMarket {
		body += `,"type":"market"`
	} else {
		body += fmt.Sprintf(`,"type":"limit","price":%q`, cast.ToString(req.Price))
	}
	body += "}"

	data, err := k.call(ctx, http.MethodPost, "/api/v1/orders", nil, body, true)
	if err != nil {
		return nil, err
	}
	return &Order{
		ID:            data.Get("orderId").String(),
		ClientOrderID: clientOid,
		Symbol:        req.Symbol,
		Type:          req.Type,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Status:        models.OrderStatusOpen,
		CreatedAt:     time.Now(),
	}, nil
}

// createStopOrder 止损触发单
func (k *Kucoin) createStopOrder(ctx context.Context, req *OrderRequest, clientOid string) (*Order, error) {
	stop := "loss" // 多头止损：价格跌破触发
	if req.Side == SideBuy {
		stop = "entry" // 空头止损：价格突破触发
	}
	price := req.Price
	if price == 0 {
		price = req.StopPrice
	}
	body := fmt.Sprintf(
		`{"clientOid":%q,"symbol":%q,"side":%q,"type":"limit","stop":%q,"stopPrice":%q,"price":%q,"size":%q}`,
		clientOid, k.toSymbol(req.Symbol), req.Side, stop,
		cast.ToString(req.StopPrice), cast.ToString(price), cast.ToString(req.Quantity))

	data, err := k.call(ctx, http.MethodPost, "/api/v1/stop-order", nil, body, true)
	if err != nil {
		return nil, err
	}
	return &Order{
		ID:            kucoinStopPrefix + data.Get("orderId").String(),
		ClientOrderID: clientOid,
		Symbol:        req.Symbol,
		Type:          req.Type,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         price,
		StopPrice:     req.StopPrice,
		Status:        models.OrderStatusOpen,
		CreatedAt:     time.Now(),
	}, nil
}

func (k *Kucoin) GetOrder(ctx context.Context, orderID, symbol string) (*Order, error) {
	path := "/api/v1/orders/" + orderID
	if id, ok := strings.CutPrefix(orderID, kucoinStopPrefix); ok {
		path = "/api/v1/stop-order/" + id
	}
	data, err := k.call(ctx, http.MethodGet, path, nil, "", true)
	if err != nil {
		return nil, err
	}
	return k.parseOrder(data, symbol, strings.HasPrefix(orderID, kucoinStopPrefix)), nil
}

func (k *Kucoin) CancelOrder(ctx context.Context, orderID, symbol string) error {
	path := "/api/v1/orders/" + orderID
	if id, ok := strings.CutPrefix(orderID, kucoinStopPrefix); ok {
		path = "/api/v1/stop-order/" + id
	}
	_, err := k.call(ctx, http.MethodDelete, path, nil, "", true)
	return err
}

func (k *Kucoin) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	q := url.Values{"status": {"active"}}
	if symbol != "" {
		q.Set("symbol", k.toSymbol(symbol))
	}
	data, err := k.call(ctx, http.MethodGet, "/api/v1/orders", q, "", true)
	if err != nil {
		return nil, err
	}
	var orders []Order
	for _, row := range data.Get("items").Array() {
		orders = append(orders, *k.parseOrder(row, symbol, false))
	}

	// 止损单在独立接口族
	sq := url.Values{}
	if symbol != "" {
		sq.Set("symbol", k.toSymbol(symbol))
	}
	sdata, serr := k.call(ctx, http.MethodGet, "/api/v1/stop-order", sq, "", true)
	if serr != nil {
		return orders, nil
	}
	for _, row := range sdata.Get("items").Array() {
		orders = append(orders, *k.parseOrder(row, symbol, true))
	}
	return orders, nil
}

func (k *Kucoin) Trades(ctx context.Context, symbol string, limit int) ([]Fill, error) {
	q := url.Values{"symbol": {k.toSymbol(symbol)}}
	data, err := k.call(ctx, http.MethodGet, "/api/v1/fills", q, "", true)
	if err != nil {
		return nil, err
	}
	var fills []Fill
	for _, row := range data.Get("items").Array() {
		fills = append(fills, Fill{
			ID:          row.Get("tradeId").String(),
			OrderID:     row.Get("orderId").String(),
			Symbol:      symbol,
			Side:        row.Get("side").String(),
			Quantity:    row.Get("size").Float(),
			Price:       row.Get("price").Float(),
			Fee:         row.Get("fee").Float(),
			FeeCurrency: row.Get("feeCurrency").String(),
			Timestamp:   time.UnixMilli(row.Get("createdAt").Int()),
		})
		if limit > 0 && len(fills) >= limit {
			break
		}
	}
	return fills, nil
}

func (k *Kucoin) Symbols(ctx context.Context) ([]SymbolInfo, error) {
	data, err := k.call(ctx, http.MethodGet, "/api/v1/symbols", nil, "", false)
	if err != nil {
		return nil, err
	}
	var symbols []SymbolInfo
	for _, row := range data.Array() {
		base := row.Get("baseCurrency").String()
		quote := row.Get("quoteCurrency").String()
		symbols = append(symbols, SymbolInfo{
			Symbol:    base + "/" + quote,
			Base:      base,
			Quote:     quote,
			MinQty:    row.Get("baseMinSize").Float(),
			TickSize:  row.Get("priceIncrement").Float(),
			Tradeable: row.Get("enableTrading").Bool(),
		})
	}
	return symbols, nil
}

func (k *Kucoin) TestConnection(ctx context.Context) error {
	_, err := k.call(ctx, http.MethodGet, "/api/v1/accounts", url.Values{"type": {"trade"}}, "", true)
	return err
}

func (k *Kucoin) Close() error {
	k.rest.http.CloseIdleConnections()
	return nil
}

func (k *Kucoin) parseOrder(r gjson.Result, symbol string, isStop bool) *Order {
	o := &Order{
		ID:            r.Get("id").String(),
		ClientOrderID: r.Get("clientOid").String(),
		Symbol:        symbol,
		Side:          r.Get("side").String(),
		Quantity:      r.Get("size").Float(),
		Price:         r.Get("price").Float(),
		FilledQty:     r.Get("dealSize").Float(),
		CreatedAt:     time.UnixMilli(r.Get("createdAt").Int()),
	}
	if isStop {
		o.ID = kucoinStopPrefix + o.ID
		o.Type = TypeStop
		o.StopPrice = r.Get("stopPrice").Float()
	} else if r.Get("type").String() == "market" {
		o.Type = TypeMarket
	} else {
		o.Type = TypeLimit
	}
	switch {
	case r.Get("isActive").Bool():
		o.Status = models.OrderStatusOpen
	case r.Get("cancelExist").Bool():
		o.Status = models.OrderStatusCancelled
	case o.FilledQty >= o.Quantity && o.Quantity > 0:
		o.Status = models.OrderStatusFilled
	case o.FilledQty > 0:
		o.Status = models.OrderStatusPartiallyFilled
	default:
		o.Status = models.OrderStatusOpen
	}
	if o.FilledQty > 0 {
		funds := r.Get("dealFunds").Float()
		if funds > 0 {
			o.AvgFillPrice = funds / o.FilledQty
		}
	}
	return o
}
