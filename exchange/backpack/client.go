// Package backpack 实现 Backpack 永续合约的交易客户端。
// 请求用 ED25519 按 instruction 签名，方向用 Bid/Ask 表达。
package backpack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-trader-go/exchange"
	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/metrics"
)

const (
	defaultBaseURL = "https://api.backpack.exchange"
	defaultWSURL   = "wss://ws.backpack.exchange"

	envPublicKey = "BACKPACK_PUBLIC_KEY"
	envSecretKey = "BACKPACK_SECRET_KEY"
)

type Client struct {
	opts    exchange.Options
	baseURL string
	wsURL   string
	pubKey  string
	secKey  string
	sig     *signer
	httpc   *http.Client
	limiter exchange.RateLimiter
	log     *logger.Logger

	maker exchange.MakerStrategy

	mu        sync.Mutex
	connected bool
	ws        *exchange.WSSession

	handlerMu  sync.RWMutex
	handler    exchange.UpdateHandler
	handlerGen uint64

	contractMu sync.RWMutex
	contract   exchange.Contract

	inflight sync.WaitGroup
}

// New 创建 Backpack 客户端，凭证从环境变量读取。
func New(opts exchange.Options) (exchange.Client, error) {
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		opts:    opts,
		baseURL: defaultBaseURL,
		wsURL:   defaultWSURL,
		pubKey:  os.Getenv(envPublicKey),
		secKey:  os.Getenv(envSecretKey),
		httpc:   httpc,
		limiter: exchange.NewTokenBucketLimiter(8, 16),
		log:     opts.Log,
	}, nil
}

func (c *Client) Name() string { return "backpack" }

func (c *Client) ValidateConfig() error {
	var missing []string
	if c.pubKey == "" {
		missing = append(missing, envPublicKey)
	}
	if c.secKey == "" {
		missing = append(missing, envSecretKey)
	}
	if len(missing) > 0 {
		return &exchange.ConfigError{Exchange: "backpack", MissingKeys: missing}
	}
	if !c.opts.Direction.Valid() {
		return &exchange.ConfigError{Exchange: "backpack", Reason: fmt.Sprintf("invalid direction %q", c.opts.Direction)}
	}
	sig, err := newSigner(c.pubKey, c.secKey)
	if err != nil {
		return &exchange.ConfigError{Exchange: "backpack", Reason: err.Error()}
	}
	c.sig = sig
	return nil
}

// sideOut buy/sell -> Bid/Ask
func sideOut(s exchange.Side) string {
	if s == exchange.SideBuy {
		return "Bid"
	}
	return "Ask"
}

// sideIn Bid/Ask -> buy/sell
func sideIn(s string) exchange.Side {
	if s == "Bid" {
		return exchange.SideBuy
	}
	return exchange.SideSell
}

// do 执行一次 REST 调用。instruction 为空表示公开接口。
func (c *Client) do(ctx context.Context, method, path, instruction string, params map[string]string, out interface{}) error {
	c.inflight.Add(1)
	defer c.inflight.Done()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			q := url.Values{}
			for k, v := range params {
				q.Set(k, v)
			}
			endpoint += "?" + q.Encode()
		}
	} else if len(params) > 0 {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if instruction != "" {
		if c.sig == nil {
			sig, err := newSigner(c.pubKey, c.secKey)
			if err != nil {
				return err
			}
			c.sig = sig
		}
		signature, ts := c.sig.sign(instruction, params)
		req.Header.Set("X-API-Key", c.pubKey)
		req.Header.Set("X-Signature", signature)
		req.Header.Set("X-Timestamp", ts)
		req.Header.Set("X-Window", strconv.Itoa(signWindowMs))
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &exchange.TransientError{Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &exchange.TransientError{Cause: err}
	}
	if resp.StatusCode >= 500 {
		return &exchange.TransientError{Cause: fmt.Errorf("backpack %s status %d", path, resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return &apiError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("backpack api status %d: %s", e.Status, e.Body)
}

func (e *apiError) notFound() bool {
	return e.Status == http.StatusNotFound ||
		strings.Contains(strings.ToLower(e.Body), "not found")
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	if c.sig == nil {
		sig, err := newSigner(c.pubKey, c.secKey)
		if err != nil {
			return &exchange.ConnectionError{Exchange: "backpack", Cause: err}
		}
		c.sig = sig
	}

	c.ws = &exchange.WSSession{
		Endpoint: func(ctx context.Context) (string, http.Header, error) {
			return c.wsURL, nil, nil
		},
		OnConnected: c.subscribeOrders,
		OnMessage:   c.onWSMessage,
		Log:         c.log,
	}
	if err := c.ws.Start(ctx); err != nil {
		return &exchange.ConnectionError{Exchange: "backpack", Cause: err}
	}
	c.connected = true
	return nil
}

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

	if c.ws != nil {
		c.ws.Stop()
		c.ws = nil
	}
	c.connected = false
	return nil
}

func (c *Client) GetContractAttributes(ctx context.Context) (exchange.Contract, error) {
	var markets []struct {
		Symbol      string `json:"symbol"`
		BaseSymbol  string `json:"baseSymbol"`
		QuoteSymbol string `json:"quoteSymbol"`
		MarketType  string `json:"marketType"`
		Filters     struct {
			Price struct {
				TickSize string `json:"tickSize"`
			} `json:"price"`
			Quantity struct {
				MinQuantity string `json:"minQuantity"`
			} `json:"quantity"`
		} `json:"filters"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/markets", "", nil, &markets); err != nil {
		return exchange.Contract{}, err
	}

	ticker := strings.ToUpper(c.opts.Ticker)
	for _, m := range markets {
		if m.BaseSymbol != ticker || m.MarketType != "PERP" {
			continue
		}
		tick, err := decimal.NewFromString(m.Filters.Price.TickSize)
		if err != nil || !tick.IsPositive() {
			return exchange.Contract{}, fmt.Errorf("backpack: invalid tick size %q for %s", m.Filters.Price.TickSize, m.Symbol)
		}
		if m.Filters.Quantity.MinQuantity != "" {
			minQty, err := decimal.NewFromString(m.Filters.Quantity.MinQuantity)
			if err == nil && c.opts.Quantity.LessThan(minQty) {
				return exchange.Contract{}, fmt.Errorf("backpack: quantity %s below minimum %s", c.opts.Quantity, minQty)
			}
		}
		contract := exchange.Contract{ContractID: m.Symbol, TickSize: tick}
		c.contractMu.Lock()
		c.contract = contract
		c.maker = exchange.MakerStrategy{Tick: tick, Log: c.log}
		c.contractMu.Unlock()
		return contract, nil
	}
	return exchange.Contract{}, &exchange.ContractNotFoundError{Exchange: "backpack", Ticker: c.opts.Ticker}
}

// FetchBBOPrices depth 接口的 bids 按价格升序排列，最优买价在末尾。
func (c *Client) FetchBBOPrices(ctx context.Context, contractID string) (exchange.BBO, error) {
	var depth struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/depth", "", map[string]string{"symbol": contractID}, &depth); err != nil {
		return exchange.BBO{}, err
	}

	var bbo exchange.BBO
	if len(depth.Bids) > 0 {
		bid, err := decimal.NewFromString(depth.Bids[len(depth.Bids)-1][0])
		if err != nil {
			return exchange.BBO{}, fmt.Errorf("parse bid: %w", err)
		}
		bbo.Bid = bid
	}
	if len(depth.Asks) > 0 {
		ask, err := decimal.NewFromString(depth.Asks[0][0])
		if err != nil {
			return exchange.BBO{}, fmt.Errorf("parse ask: %w", err)
		}
		bbo.Ask = ask
	}
	metrics.UpdateBBO(contractID, bbo.Bid.InexactFloat64(), bbo.Ask.InexactFloat64())
	return bbo, nil
}

// mapStatus Backpack 状态 -> 统一状态
func mapStatus(s string) exchange.Status {
	switch s {
	case "New", "TriggerPending":
		return exchange.StatusOpen
	case "PartiallyFilled":
		return exchange.StatusPartial
	case "Filled":
		return exchange.StatusFilled
	case "Cancelled":
		return exchange.StatusCanceled
	case "Expired":
		return exchange.StatusExpired
	default:
		return exchange.Status(s)
	}
}

type orderResp struct {
	ID               string `json:"id"`
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	Status           string `json:"status"`
	Price            string `json:"price"`
	Quantity         string `json:"quantity"`
	ExecutedQuantity string `json:"executedQuantity"`
}

func (r orderResp) toInfo() exchange.OrderInfo {
	price, _ := decimal.NewFromString(r.Price)
	size, _ := decimal.NewFromString(r.Quantity)
	filled, _ := decimal.NewFromString(r.ExecutedQuantity)
	return exchange.OrderInfo{
		OrderID:       r.ID,
		Side:          sideIn(r.Side),
		Size:          size,
		Price:         price,
		Status:        mapStatus(r.Status),
		FilledSize:    filled,
		RemainingSize: size.Sub(filled),
	}
}

func (c *Client) SubmitPostOnly(ctx context.Context, contractID string, quantity, price decimal.Decimal, side exchange.Side) (exchange.OrderResult, error) {
	params := map[string]string{
		"symbol":    contractID,
		"side":      sideOut(side),
		"orderType": "Limit",
		"price":     price.String(),
		"quantity":  quantity.String(),
		"postOnly":  "true",
	}
	var resp orderResp
	if err := c.do(ctx, http.MethodPost, "/api/v1/order", "orderExecute", params, &resp); err != nil {
		if ae, ok := err.(*apiError); ok {
			c.log.Warn("order rejected", zap.Int("status", ae.Status))
			metrics.OrdersRejected.WithLabelValues("backpack", string(side), "limit").Inc()
			return exchange.OrderResult{Status: exchange.StatusRejected, ErrorMessage: ae.Body}, nil
		}
		return exchange.Failure(err.Error()), err
	}
	metrics.OrdersPlaced.WithLabelValues("backpack", string(side), "limit").Inc()
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

	params := map[string]string{"symbol": symbol, "orderId": orderID}
	var resp orderResp
	if err := c.do(ctx, http.MethodDelete, "/api/v1/order", "orderCancel", params, &resp); err != nil {
		if ae, ok := err.(*apiError); ok && ae.notFound() {
			// 订单已成交或已撤销
			return exchange.OrderResult{Success: true, OrderID: orderID}, nil
		}
		if _, ok := err.(*exchange.TransientError); ok {
			return exchange.Failure(err.Error()), err
		}
		return exchange.OrderResult{Success: false, OrderID: orderID, ErrorMessage: err.Error()}, nil
	}
	metrics.OrdersCanceled.WithLabelValues("backpack", string(sideIn(resp.Side)), "limit").Inc()
	return exchange.OrderResult{Success: true, OrderID: orderID, Status: mapStatus(resp.Status)}, nil
}

func (c *Client) GetOrderInfo(ctx context.Context, orderID string) (*exchange.OrderInfo, error) {
	c.contractMu.RLock()
	symbol := c.contract.ContractID
	c.contractMu.RUnlock()

	params := map[string]string{"symbol": symbol, "orderId": orderID}
	var resp orderResp
	if err := c.do(ctx, http.MethodGet, "/api/v1/order", "orderQuery", params, &resp); err != nil {
		if ae, ok := err.(*apiError); ok && ae.notFound() {
			return nil, nil
		}
		return nil, err
	}
	info := resp.toInfo()
	return &info, nil
}

func (c *Client) GetActiveOrders(ctx context.Context, contractID string) ([]exchange.OrderInfo, error) {
	params := map[string]string{"symbol": contractID}
	var resp []orderResp
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders", "orderQueryAll", params, &resp); err != nil {
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

	var resp []struct {
		Symbol      string `json:"symbol"`
		NetQuantity string `json:"netQuantity"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/position", "positionQuery", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	for _, p := range resp {
		if p.Symbol == symbol {
			qty, err := decimal.NewFromString(p.NetQuantity)
			if err != nil {
				return decimal.Zero, fmt.Errorf("parse netQuantity %q: %w", p.NetQuantity, err)
			}
			metrics.PositionSize.WithLabelValues("backpack", symbol).Set(qty.Abs().InexactFloat64())
			return qty.Abs(), nil
		}
	}
	return decimal.Zero, nil
}

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
