// Package aster 实现 Aster 永续合约的交易客户端。
// Aster 的 REST/WS 接口与 Binance futures 兼容（/fapi/v1 + listenKey 用户流）。
package aster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-trader-go/exchange"
	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/metrics"
)

const (
	defaultBaseURL = "https://fapi.asterdex.com"
	defaultWSURL   = "wss://fstream.asterdex.com"

	envAPIKey = "ASTER_API_KEY"
	envSecret = "ASTER_SECRET_KEY"
)

// Binance 风格错误码
const (
	codeUnknownOrder  = -2011 // 撤单时订单已不存在
	codeOrderNotExist = -2013 // 查询时订单不存在
)

type Client struct {
	opts    exchange.Options
	baseURL string
	wsURL   string
	apiKey  string
	secret  string
	httpc   *http.Client
	limiter exchange.RateLimiter
	log     *logger.Logger

	maker exchange.MakerStrategy

	mu        sync.Mutex
	connected bool
	ws        *exchange.WSSession
	listenKey string
	kaCancel  context.CancelFunc

	handlerMu  sync.RWMutex
	handler    exchange.UpdateHandler
	handlerGen uint64

	contractMu sync.RWMutex
	contract   exchange.Contract

	inflight sync.WaitGroup
}

// New 创建 Aster 客户端，凭证从环境变量读取。
func New(opts exchange.Options) (exchange.Client, error) {
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	c := &Client{
		opts:    opts,
		baseURL: defaultBaseURL,
		wsURL:   defaultWSURL,
		apiKey:  os.Getenv(envAPIKey),
		secret:  os.Getenv(envSecret),
		httpc:   httpc,
		limiter: exchange.NewTokenBucketLimiter(8, 16),
		log:     opts.Log,
	}
	return c, nil
}

func (c *Client) Name() string { return "aster" }

func (c *Client) ValidateConfig() error {
	var missing []string
	if c.apiKey == "" {
		missing = append(missing, envAPIKey)
	}
	if c.secret == "" {
		missing = append(missing, envSecret)
	}
	if len(missing) > 0 {
		return &exchange.ConfigError{Exchange: "aster", MissingKeys: missing}
	}
	if !c.opts.Direction.Valid() {
		return &exchange.ConfigError{Exchange: "aster", Reason: fmt.Sprintf("invalid direction %q", c.opts.Direction)}
	}
	return nil
}

// apiError Binance 风格错误体
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("aster api error %d: %s", e.Code, e.Msg)
}

func asAPIError(err error, target **apiError) bool {
	return errors.As(err, target)
}

// do 执行一次 REST 调用。5xx 与网络错误包装为 TransientError 供上层重试，
// 4xx 解析为 apiError 由调用方按语义处理。
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool, out interface{}) error {
	c.inflight.Add(1)
	defer c.inflight.Done()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if signed {
		endpoint += "?" + signQuery(params, c.secret)
	} else if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &exchange.TransientError{Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &exchange.TransientError{Cause: err}
	}
	if resp.StatusCode >= 500 {
		return &exchange.TransientError{Cause: fmt.Errorf("aster %s status %d", path, resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Code != 0 {
			return &ae
		}
		return fmt.Errorf("aster %s status %d: %s", path, resp.StatusCode, string(body))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	var lk struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, false, &lk); err != nil {
		return &exchange.ConnectionError{Exchange: "aster", Cause: err}
	}
	if lk.ListenKey == "" {
		return &exchange.ConnectionError{Exchange: "aster", Cause: fmt.Errorf("empty listenKey")}
	}
	c.listenKey = lk.ListenKey

	c.ws = &exchange.WSSession{
		Endpoint: func(ctx context.Context) (string, http.Header, error) {
			return c.wsURL + "/ws/" + c.listenKey, nil, nil
		},
		OnMessage: c.onWSMessage,
		Log:       c.opts.Log,
	}
	if err := c.ws.Start(ctx); err != nil {
		return &exchange.ConnectionError{Exchange: "aster", Cause: err}
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	c.kaCancel = cancel
	go c.keepAlive(kaCtx)

	c.connected = true
	return nil
}

// keepAlive listenKey 有效期 60 分钟，定期续期
func (c *Client) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := c.do(reqCtx, http.MethodPut, "/fapi/v1/listenKey", nil, false, nil); err != nil {
				c.log.Warn("listenKey keepalive failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Disconnect 先等待在途 REST 调用结束，再关闭 WebSocket，
// 保证刚撤单订单的最后事件不会丢在半空。
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}

	drained := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		c.log.Warn("disconnect: in-flight REST calls not drained", zap.Error(ctx.Err()))
	}

	if c.kaCancel != nil {
		c.kaCancel()
		c.kaCancel = nil
	}
	if c.ws != nil {
		c.ws.Stop()
		c.ws = nil
	}

	delCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.do(delCtx, http.MethodDelete, "/fapi/v1/listenKey", nil, false, nil)

	c.connected = false
	return nil
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		BaseAsset    string `json:"baseAsset"`
		QuoteAsset   string `json:"quoteAsset"`
		ContractType string `json:"contractType"`
		Filters      []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
			MinQty     string `json:"minQty"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (c *Client) GetContractAttributes(ctx context.Context) (exchange.Contract, error) {
	var info exchangeInfo
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false, &info); err != nil {
		return exchange.Contract{}, err
	}

	ticker := strings.ToUpper(c.opts.Ticker)
	for _, s := range info.Symbols {
		if s.BaseAsset != ticker || s.QuoteAsset != "USDT" || s.ContractType != "PERPETUAL" {
			continue
		}
		var tick, minQty decimal.Decimal
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				tick, _ = decimal.NewFromString(f.TickSize)
			case "LOT_SIZE":
				minQty, _ = decimal.NewFromString(f.MinQty)
			}
		}
		if !tick.IsPositive() {
			return exchange.Contract{}, fmt.Errorf("aster: tick size missing for %s", s.Symbol)
		}
		if minQty.IsPositive() && c.opts.Quantity.LessThan(minQty) {
			return exchange.Contract{}, fmt.Errorf("aster: quantity %s below minimum %s", c.opts.Quantity, minQty)
		}
		contract := exchange.Contract{ContractID: s.Symbol, TickSize: tick}
		c.contractMu.Lock()
		c.contract = contract
		c.maker = exchange.MakerStrategy{Tick: tick, Log: c.opts.Log}
		c.contractMu.Unlock()
		return contract, nil
	}
	return exchange.Contract{}, &exchange.ContractNotFoundError{Exchange: "aster", Ticker: c.opts.Ticker}
}

func (c *Client) FetchBBOPrices(ctx context.Context, contractID string) (exchange.BBO, error) {
	params := url.Values{"symbol": {contractID}}
	var book struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/bookTicker", params, false, &book); err != nil {
		return exchange.BBO{}, err
	}
	bid, err := decimal.NewFromString(book.BidPrice)
	if err != nil {
		return exchange.BBO{}, fmt.Errorf("parse bid %q: %w", book.BidPrice, err)
	}
	ask, err := decimal.NewFromString(book.AskPrice)
	if err != nil {
		return exchange.BBO{}, fmt.Errorf("parse ask %q: %w", book.AskPrice, err)
	}
	bbo := exchange.BBO{Bid: bid, Ask: ask}
	metrics.UpdateBBO(contractID, bid.InexactFloat64(), ask.InexactFloat64())
	return bbo, nil
}

// mapStatus Binance 状态 -> 统一状态
func mapStatus(s string) exchange.Status {
	switch s {
	case "NEW":
		return exchange.StatusOpen
	case "PARTIALLY_FILLED":
		return exchange.StatusPartial
	case "FILLED":
		return exchange.StatusFilled
	case "CANCELED":
		return exchange.StatusCanceled
	case "REJECTED":
		return exchange.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return exchange.StatusExpired
	default:
		return exchange.Status(s)
	}
}

type orderResp struct {
	OrderID     int64  `json:"orderId"`
	Status      string `json:"status"`
	Price       string `json:"price"`
	OrigQty     string `json:"origQty"`
	ExecutedQty string `json:"executedQty"`
	Side        string `json:"side"`
}

func formatOrderID(id int64) string {
	return fmt.Sprintf("%d", id)
}

func (r orderResp) toInfo() exchange.OrderInfo {
	price, _ := decimal.NewFromString(r.Price)
	size, _ := decimal.NewFromString(r.OrigQty)
	filled, _ := decimal.NewFromString(r.ExecutedQty)
	return exchange.OrderInfo{
		OrderID:       formatOrderID(r.OrderID),
		Side:          exchange.Side(strings.ToLower(r.Side)),
		Size:          size,
		Price:         price,
		Status:        mapStatus(r.Status),
		FilledSize:    filled,
		RemainingSize: size.Sub(filled),
	}
}

// SubmitPostOnly GTX（post-only）限价单。交叉盘口时交易所直接以
// EXPIRED 拒单，由 MakerStrategy 重新取价。
func (c *Client) SubmitPostOnly(ctx context.Context, contractID string, quantity, price decimal.Decimal, side exchange.Side) (exchange.OrderResult, error) {
	params := url.Values{
		"symbol":           {contractID},
		"side":             {strings.ToUpper(string(side))},
		"type":             {"LIMIT"},
		"timeInForce":      {"GTX"},
		"price":            {price.String()},
		"quantity":         {quantity.String()},
		"newClientOrderId": {"grid-" + uuid.NewString()},
	}
	var resp orderResp
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, true, &resp); err != nil {
		var ae *apiError
		if asAPIError(err, &ae) {
			// 下单被风控/参数拒绝不是传输错误，归一化为 REJECTED
			c.log.Warn("order rejected", zap.Int("code", ae.Code), zap.String("msg", ae.Msg))
			metrics.OrdersRejected.WithLabelValues("aster", string(side), "limit").Inc()
			return exchange.OrderResult{Status: exchange.StatusRejected, ErrorMessage: ae.Msg}, nil
		}
		return exchange.Failure(err.Error()), err
	}
	metrics.OrdersPlaced.WithLabelValues("aster", string(side), "limit").Inc()
	info := resp.toInfo()
	return exchange.OrderResult{
		OrderID:    info.OrderID,
		Status:     info.Status,
		FilledSize: info.FilledSize,
	}, nil
}

func (c *Client) ActiveOrderCount(ctx context.Context, contractID string, side exchange.Side) (int, error) {
	orders, err := c.GetActiveOrders(ctx, contractID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range orders {
		if o.Side == side {
			n++
		}
	}
	return n, nil
}

func (c *Client) PlaceOpenOrder(ctx context.Context, contractID string, quantity decimal.Decimal, direction exchange.Side) (exchange.OrderResult, error) {
	return c.makerStrategy().PlaceOpen(ctx, c, contractID, quantity, direction)
}

func (c *Client) PlaceCloseOrder(ctx context.Context, contractID string, quantity, price decimal.Decimal, side exchange.Side) (exchange.OrderResult, error) {
	return c.makerStrategy().PlaceClose(ctx, c, contractID, quantity, price, side)
}

func (c *Client) makerStrategy() exchange.MakerStrategy {
	c.contractMu.RLock()
	defer c.contractMu.RUnlock()
	return c.maker
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) (exchange.OrderResult, error) {
	c.contractMu.RLock()
	symbol := c.contract.ContractID
	c.contractMu.RUnlock()

	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	var resp orderResp
	if err := c.do(ctx, http.MethodDelete, "/fapi/v1/order", params, true, &resp); err != nil {
		var ae *apiError
		if asAPIError(err, &ae) && ae.Code == codeUnknownOrder {
			// 订单已成交或已撤销，撤单目的已经达成
			return exchange.OrderResult{Success: true, OrderID: orderID}, nil
		}
		return exchange.Failure(err.Error()), err
	}
	metrics.OrdersCanceled.WithLabelValues("aster", strings.ToLower(resp.Side), "limit").Inc()
	return exchange.OrderResult{Success: true, OrderID: orderID, Status: mapStatus(resp.Status)}, nil
}

func (c *Client) GetOrderInfo(ctx context.Context, orderID string) (*exchange.OrderInfo, error) {
	c.contractMu.RLock()
	symbol := c.contract.ContractID
	c.contractMu.RUnlock()

	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	var resp orderResp
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/order", params, true, &resp); err != nil {
		var ae *apiError
		if asAPIError(err, &ae) && ae.Code == codeOrderNotExist {
			return nil, nil
		}
		return nil, err
	}
	info := resp.toInfo()
	return &info, nil
}

func (c *Client) GetActiveOrders(ctx context.Context, contractID string) ([]exchange.OrderInfo, error) {
	params := url.Values{"symbol": {contractID}}
	var resp []orderResp
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true, &resp); err != nil {
		return nil, err
	}
	out := make([]exchange.OrderInfo, 0, len(resp))
	for _, r := range resp {
		out = append(out, r.toInfo())
	}
	return out, nil
}

func (c *Client) GetAccountPositions(ctx context.Context) (decimal.Decimal, error) {
	c.contractMu.RLock()
	symbol := c.contract.ContractID
	c.contractMu.RUnlock()

	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var resp []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true, &resp); err != nil {
		return decimal.Zero, err
	}
	for _, p := range resp {
		if p.Symbol == symbol {
			amt, err := decimal.NewFromString(p.PositionAmt)
			if err != nil {
				return decimal.Zero, fmt.Errorf("parse positionAmt %q: %w", p.PositionAmt, err)
			}
			metrics.PositionSize.WithLabelValues("aster", symbol).Set(amt.Abs().InexactFloat64())
			return amt.Abs(), nil
		}
	}
	return decimal.Zero, nil
}

// SetOrderUpdateHandler 注册订单事件回调。返回的函数只注销本次注册：
// 回调已被后续注册替换时调用它是 no-op。
func (c *Client) SetOrderUpdateHandler(h exchange.UpdateHandler) func() {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerGen++
	gen := c.handlerGen
	c.handlerMu.Unlock()
	return func() {
		c.handlerMu.Lock()
		if c.handlerGen == gen {
			c.handler = nil
		}
		c.handlerMu.Unlock()
	}
}
