package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
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
	gateioLiveURL    = "https://api.gateio.ws"
	gateioTestnetURL = "https://api-testnet.gateapi.io"

	// 触发单 ID 前缀：Gate 的价格触发单与普通单 ID 空间独立，
	// 适配器用前缀区分路由到哪组接口
	gateioTriggerPrefix = "pt-"
)

// Gateio 现货 REST 适配器（API v4）
type Gateio struct {
	apiKey    string
	apiSecret string
	rest      *restClient
}

// NewGateio 按连接凭证构造 Gate.io 适配器
func NewGateio(conn *models.ExchangeConnection) (Connector, error) {
	baseURL := gateioLiveURL
	if conn.IsTestnet {
		baseURL = gateioTestnetURL
	}
	return &Gateio{
		apiKey:    conn.APIKey,
		apiSecret: conn.APISecret,
		rest:      newRESTClient("gateio", baseURL),
	}, nil
}

func (g *Gateio) Name() string {
	return "gateio"
}

// toSymbol BTC/USDT -> BTC_USDT
func (g *Gateio) toSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "/", "_"))
}

// signHeaders Gate v4 签名：HMAC-SHA512(method\npath\nquery\nSHA512(body)\nts)
func (g *Gateio) signHeaders(method, path, query, body string) map[string]string {
	ts := cast.ToString(time.Now().Unix())
	h := sha512.Sum512([]byte(body))
	payload := fmt.Sprintf("%s\n%s\n%s\n%s\n%s", method, path, query, hex.EncodeToString(h[:]), ts)
	mac := hmac.New(sha512.New, []byte(g.apiSecret))
	mac.Write([]byte(payload))
	return map[string]string{
		"KEY":          g.apiKey,
		"Timestamp":    ts,
		"SIGN":         hex.EncodeToString(mac.Sum(nil)),
		"Content-Type": "application/json",
	}
}

func (g *Gateio) signed(ctx context.Context, method, path string, query url.Values, body string) ([]byte, error) {
	encoded := ""
	if len(query) > 0 {
		encoded = query.Encode()
	}
	headers := g.signHeaders(method, path, encoded, body)
	data, err := g.rest.request(ctx, method, path, query, headers, body)
	if err != nil {
		return nil, g.wrapAPIError(err)
	}
	return data, nil
}

// wrapAPIError 识别 Gate 业务错误标签
func (g *Gateio) wrapAPIError(err error) error {
	ee, ok := err.(*Error)
	if !ok {
		return err
	}
	msg := ee.Err.Error()
	if strings.Contains(msg, "ORDER_NOT_FOUND") || strings.Contains(msg, "AUTO_ORDER_NOT_FOUND") {
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

func (g *Gateio) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	q := url.Values{"currency_pair": {g.toSymbol(symbol)}}
	data, err := g.rest.request(ctx, http.MethodGet, "/api/v4/spot/tickers", q, nil, "")
	if err != nil {
		return nil, err
	}
	rows := gjson.ParseBytes(data).Array()
	if len(rows) == 0 {
		return nil, NewError(ClassRejected, "gateio", "ticker", errEmptyResponse)
	}
	r := rows[0]
	return &Ticker{
		Symbol:    symbol,
		Last:      r.Get("last").Float(),
		Bid:       r.Get("highest_bid").Float(),
		Ask:       r.Get("lowest_ask").Float(),
		Volume24h: r.Get("base_volume").Float(),
		Timestamp: time.Now(),
	}, nil
}

func (g *Gateio) OrderBook(ctx context.Context, symbol string, depth int) (*OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	q := url.Values{
		"currency_pair": {g.toSymbol(symbol)},
		"limit":         {cast.ToString(depth)},
	}
	data, err := g.rest.request(ctx, http.MethodGet, "/api/v4/spot/order_book", q, nil, "")
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

func (g *Gateio) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{
		"currency_pair": {g.toSymbol(symbol)},
		"interval":      {interval},
		"limit":         {cast.ToString(limit)},
	}
	data, err := g.rest.request(ctx, http.MethodGet, "/api/v4/spot/candlesticks", q, nil, "")
	if err != nil {
		return nil, err
	}
	// Gate 返回 [ts, quote_volume, close, high, low, open, base_volume, ...]
	var klines []Kline
	for _, row := range gjson.ParseBytes(data).Array() {
		arr := row.Array()
		if len(arr) < 7 {
			continue
		}
		openTime := time.Unix(arr[0].Int(), 0)
		klines = append(klines, Kline{
			OpenTime:  openTime,
			Open:      arr[5].Float(),
			High:      arr[3].Float(),
			Low:       arr[4].Float(),
			Close:     arr[2].Float(),
			Volume:    arr[6].Float(),
			CloseTime: openTime,
		})
	}
	return klines, nil
}

func (g *Gateio) Balances(ctx context.Context, currency string) ([]Balance, error) {
	data, err := g.signed(ctx, http.MethodGet, "/api/v4/spot/accounts", nil, "")
	if err != nil {
		return nil, err
	}
	var balances []Balance
	for _, row := range gjson.ParseBytes(data).Array() {
		cur := row.Get("currency").String()
		if currency != "" && !strings.EqualFold(cur, currency) {
			continue
		}
		free := row.Get("available").Float()
		locked := row.Get("locked").Float()
		balances = append(balances, Balance{
			Currency: cur,
			Free:     free,
			Locked:   locked,
			Total:    free + locked,
		})
	}
	return balances, nil
}

func (g *Gateio) Positions(ctx context.Context, symbol string) ([]Position, error) {
	return nil, nil
}

func (g *Gateio) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return NewError(ClassRejected, "gateio", "set_leverage",
		fmt.Errorf("spot trading does not support leverage"))
}

func (g *Gateio) CreateOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	if req.Type == TypeStop || req.Type == TypeStopLimit {
		return g.createTriggerOrder(ctx, req)
	}

	body := fmt.Sprintf(`{"currency_pair":%q,"side":%q,"amount":%q`,
		g.toSymbol(req.Symbol), req.Side, cast.ToString(req.Quantity))
	if req.Type == TypeMarket {
		body += `,"type":"market","time_in_force":"ioc"`
	} else {
		body += fmt.Sprintf(`,"type":"limit","price":%q,"time_in_force":"gtc"`, cast.ToString(req.Price))
	}
	if req.ClientOrderID != "" {
		body += fmt.Sprintf(`,"text":%q`, "t-"+req.ClientOrderID)
	}
	body += "}"

	data, err := g.signed(ctx, http.MethodPost, "/api/v4/spot/orders", nil, body)
	if err != nil {
		return nil, err
	}
	r := gjson.ParseBytes(data)
	return &Order{
		ID:            r.Get("id").String(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Type:          req.Type,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Status:        gateioStatus(r.Get("status").String()),
		CreatedAt:     time.Now(),
	}, nil
}

// createTriggerOrder 价格触发单
// 返回的 ID 带 pt- 前缀，查单/撤单按前缀路由
func (g *Gateio) createTriggerOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	rule := "<=" // 多头止损：价格跌破触发
	if req.Side == SideBuy {
		rule = ">=" // 空头止损：价格突破触发
	}
	price := req.Price
	if price == 0 {
		price = req.StopPrice
	}
	body := fmt.Sprintf(
		`{"trigger":{"price":%q,"rule":%q,"expiration":86400},`+
			`"put":{"type":"limit","side":%q,"price":%q,"amount":%q,"account":"normal","time_in_force":"gtc"},`+
			`"market":%q}`,
		cast.ToString(req.StopPrice), rule,
		req.Side, cast.ToString(price), cast.ToString(req.Quantity),
		g.toSymbol(req.Symbol))

	data, err := g.signed(ctx, http.MethodPost, "/api/v4/spot/price_orders", nil, body)
	if err != nil {
		return nil, err
	}
	r := gjson.ParseBytes(data)
	return &Order{
		ID:            gateioTriggerPrefix + r.Get("id").String(),
		ClientOrderID: req.ClientOrderID,
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

func (g *Gateio) GetOrder(ctx context.Context, orderID, symbol string) (*Order, error) {
	if id, ok := strings.CutPrefix(orderID, gateioTriggerPrefix); ok {
		data, err := g.signed(ctx, http.MethodGet, "/api/v4/spot/price_orders/"+id, nil, "")
		if err != nil {
			return nil, err
		}
		return g.parseTriggerOrder(gjson.ParseBytes(data), symbol), nil
	}
	q := url.Values{"currency_pair": {g.toSymbol(symbol)}}
	data, err := g.signed(ctx, http.MethodGet, "/api/v4/spot/orders/"+orderID, q, "")
	if err != nil {
		return nil, err
	}
	return g.parseOrder(gjson.ParseBytes(data), symbol), nil
}

func (g *Gateio) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if id, ok := strings.CutPrefix(orderID, gateioTriggerPrefix); ok {
		_, err := g.signed(ctx, http.MethodDelete, "/api/v4/spot/price_orders/"+id, nil, "")
		return err
	}
	q := url.Values{"currency_pair": {g.toSymbol(symbol)}}
	_, err := g.signed(ctx, http.MethodDelete, "/api/v4/spot/orders/"+orderID, q, "")
	return err
}

func (g *Gateio) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	var orders []Order

	q := url.Values{"status": {"open"}}
	if symbol != "" {
		q.Set("currency_pair", g.toSymbol(symbol))
	}
	data, err := g.signed(ctx, http.MethodGet, "/api/v4/spot/orders", q, "")
	if err == nil {
		for _, row := range gjson.ParseBytes(data).Array() {
			orders = append(orders, *g.parseOrder(row, symbol))
		}
	} else if symbol != "" {
		return nil, err
	}

	// 触发单也算在场订单
	tq := url.Values{"status": {"open"}}
	if symbol != "" {
		tq.Set("market", g.toSymbol(symbol))
	}
	tdata, terr := g.signed(ctx, http.MethodGet, "/api/v4/spot/price_orders", tq, "")
	if terr != nil {
		return orders, nil
	}
	for _, row := range gjson.ParseBytes(tdata).Array() {
		orders = append(orders, *g.parseTriggerOrder(row, symbol))
	}
	return orders, nil
}

func (g *Gateio) Trades(ctx context.Context, symbol string, limit int) ([]Fill, error) {
	if limit <= 0 {
		limit = 50
	}
	q := url.Values{
		"currency_pair": {g.toSymbol(symbol)},
		"limit":         {cast.ToString(limit)},
	}
	data, err := g.signed(ctx, http.MethodGet, "/api/v4/spot/my_trades", q, "")
	if err != nil {
		return nil, err
	}
	var fills []Fill
	for _, row := range gjson.ParseBytes(data).Array() {
		fills = append(fills, Fill{
			ID:          row.Get("id").String(),
			OrderID:     row.Get("order_id").String(),
			Symbol:      symbol,
			Side:        row.Get("side").String(),
			Quantity:    row.Get("amount").Float(),
			Price:       row.Get("price").Float(),
			Fee:         row.Get("fee").Float(),
			FeeCurrency: row.Get("fee_currency").String(),
			Timestamp:   time.Unix(row.Get("create_time").Int(), 0),
		})
	}
	return fills, nil
}

func (g *Gateio) Symbols(ctx context.Context) ([]SymbolInfo, error) {
	data, err := g.rest.request(ctx, http.MethodGet, "/api/v4/spot/currency_pairs", nil, nil, "")
	if err != nil {
		return nil, err
	}
	var symbols []SymbolInfo
	for _, row := range gjson.ParseBytes(data).Array() {
		base := row.Get("base").String()
		quote := row.Get("quote").String()
		symbols = append(symbols, SymbolInfo{
			Symbol:    base + "/" + quote,
			Base:      base,
			Quote:     quote,
			MinQty:    row.Get("min_base_amount").Float(),
			Tradeable: row.Get("trade_status").String() == "tradable",
		})
	}
	return symbols, nil
}

func (g *Gateio) TestConnection(ctx context.Context) error {
	_, err := g.signed(ctx, http.MethodGet, "/api/v4/spot/accounts", nil, "")
	return err
}

func (g *Gateio) Close() error {
	g.rest.http.CloseIdleConnections()
	return nil
}

func (g *Gateio) parseOrder(r gjson.Result, symbol string) *Order {
	o := &Order{
		ID:        r.Get("id").String(),
		Symbol:    symbol,
		Side:      r.Get("side").String(),
		Quantity:  r.Get("amount").Float(),
		Price:     r.Get("price").Float(),
		FilledQty: r.Get("filled_amount").Float(),
		Status:    gateioStatus(r.Get("status").String()),
		CreatedAt: time.Unix(r.Get("create_time").Int(), 0),
	}
	if r.Get("type").String() == "market" {
		o.Type = TypeMarket
	} else {
		o.Type = TypeLimit
	}
	if text, ok := strings.CutPrefix(r.Get("text").String(), "t-"); ok {
		o.ClientOrderID = text
	}
	if o.FilledQty > 0 {
		o.AvgFillPrice = r.Get("avg_deal_price").Float()
	}
	return o
}

func (g *Gateio) parseTriggerOrder(r gjson.Result, symbol string) *Order {
	o := &Order{
		ID:        gateioTriggerPrefix + r.Get("id").String(),
		Symbol:    symbol,
		Type:      TypeStop,
		Side:      r.Get("put.side").String(),
		Quantity:  r.Get("put.amount").Float(),
		Price:     r.Get("put.price").Float(),
		StopPrice: r.Get("trigger.price").Float(),
		CreatedAt: time.Unix(r.Get("ctime").Int(), 0),
	}
	switch r.Get("status").String() {
	case "open":
		o.Status = models.OrderStatusOpen
	case "finished", "finish":
		o.Status = models.OrderStatusFilled
	case "canceled", "cancelled", "expired":
		o.Status = models.OrderStatusCancelled
	case "failed":
		o.Status = models.OrderStatusRejected
	default:
		o.Status = models.OrderStatusPending
	}
	return o
}

func gateioStatus(s string) string {
	switch s {
	case "open":
		return models.OrderStatusOpen
	case "closed":
		return models.OrderStatusFilled
	case "cancelled", "canceled":
		return models.OrderStatusCancelled
	}
	return models.OrderStatusPending
}
