// Package edgex 实现 edgeX 永续合约的交易客户端。
// 所有响应包在 {code, data} 信封里，code 非 SUCCESS 即业务失败；
// 私有接口按 账户ID + 时间戳签名 鉴权。
package edgex

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-trader-go/exchange"
	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/metrics"
)

const (
	defaultBaseURL = "https://pro.edgex.exchange"
	defaultWSURL   = "wss://quote.edgex.exchange/api/v1/private/ws"

	envAccountID = "EDGEX_ACCOUNT_ID"
	envStarkKey  = "EDGEX_STARK_PRIVATE_KEY"

	codeSuccess       = "SUCCESS"
	codeOrderNotFound = "ORDER_NOT_FOUND"
)

type Client struct {
	opts      exchange.Options
	baseURL   string
	wsURL     string
	accountID string
	starkKey  string
	httpc     *http.Client
	limiter   exchange.RateLimiter
	log       *logger.Logger

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

// New 创建 edgeX 客户端，凭证从环境变量读取。
func New(opts exchange.Options) (exchange.Client, error) {
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		opts:      opts,
		baseURL:   defaultBaseURL,
		wsURL:     defaultWSURL,
		accountID: os.Getenv(envAccountID),
		starkKey:  os.Getenv(envStarkKey),
		httpc:     httpc,
		limiter:   exchange.NewTokenBucketLimiter(8, 16),
		log:       opts.Log,
	}, nil
}

func (c *Client) Name() string { return "edgex" }

func (c *Client) ValidateConfig() error {
	var missing []string
	if c.accountID == "" {
		missing = append(missing, envAccountID)
	}
	if c.starkKey == "" {
		missing = append(missing, envStarkKey)
	}
	if len(missing) > 0 {
		return &exchange.ConfigError{Exchange: "edgex", MissingKeys: missing}
	}
	if !c.opts.Direction.Valid() {
		return &exchange.ConfigError{Exchange: "edgex", Reason: fmt.Sprintf("invalid direction %q", c.opts.Direction)}
	}
	return nil
}

// sign 对 时间戳+方法+路径+请求体 做 HMAC-SHA256。
func (c *Client) sign(ts, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.starkKey))
	mac.Write([]byte(ts))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type apiError struct {
	Code string
	Msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("edgex api error %s: %s", e.Code, e.Msg)
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// do 执行一次 REST 调用，私有接口附带签名头。code 非 SUCCESS 返回 *apiError。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload, out interface{}, signed bool) error {
	c.inflight.Add(1)
	defer c.inflight.Done()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var raw []byte
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	var body io.Reader
	if raw != nil {
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signed {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req.Header.Set("X-edgeX-Api-Timestamp", ts)
		req.Header.Set("X-edgeX-Api-Signature", c.sign(ts, method, path, raw))
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &exchange.TransientError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &exchange.TransientError{Cause: fmt.Errorf("edgex %s status %d", path, resp.StatusCode)}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if env.Code != codeSuccess {
		return &apiError{Code: env.Code, Msg: env.Msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", path, err)
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

	c.ws = &exchange.WSSession{
		Endpoint: func(ctx context.Context) (string, http.Header, error) {
			ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
			h := http.Header{}
			h.Set("X-edgeX-Api-Timestamp", ts)
			h.Set("X-edgeX-Api-Signature", c.sign(ts, "GET", "/api/v1/private/ws", nil))
			h.Set("X-edgeX-Account-Id", c.accountID)
			return c.wsURL, h, nil
		},
		OnMessage: c.onWSMessage,
		Log:       c.log,
	}
	if err := c.ws.Start(ctx); err != nil {
		return &exchange.ConnectionError{Exchange: "edgex", Cause: err}
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
	var meta struct {
		ContractList []struct {
			ContractID   string `json:"contractId"`
			ContractName string `json:"contractName"`
			TickSize     string `json:"tickSize"`
			MinOrderSize string `json:"minOrderSize"`
		} `json:"contractList"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/public/meta/getMetaData", nil, nil, &meta, false); err != nil {
		return exchange.Contract{}, err
	}

	name := strings.ToUpper(c.opts.Ticker) + "USDT"
	for _, m := range meta.ContractList {
		if m.ContractName != name {
			continue
		}
		tick, err := decimal.NewFromString(m.TickSize)
		if err != nil || !tick.IsPositive() {
			return exchange.Contract{}, fmt.Errorf("edgex: invalid tick size %q for %s", m.TickSize, m.ContractName)
		}
		if m.MinOrderSize != "" {
			minSize, err := decimal.NewFromString(m.MinOrderSize)
			if err == nil && c.opts.Quantity.LessThan(minSize) {
				return exchange.Contract{}, fmt.Errorf("edgex: quantity %s below minimum %s", c.opts.Quantity, minSize)
			}
		}
		contract := exchange.Contract{ContractID: m.ContractID, TickSize: tick}
		c.contractMu.Lock()
		c.contract = contract
		c.maker = exchange.MakerStrategy{Tick: tick, Log: c.log}
		c.contractMu.Unlock()
		return contract, nil
	}
	return exchange.Contract{}, &exchange.ContractNotFoundError{Exchange: "edgex", Ticker: c.opts.Ticker}
}

func (c *Client) FetchBBOPrices(ctx context.Context, contractID string) (exchange.BBO, error) {
	query := url.Values{"contractId": {contractID}}
	var resp struct {
		BestBid string `json:"bestBid"`
		BestAsk string `json:"bestAsk"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/public/quote/getTicker", query, nil, &resp, false); err != nil {
		return exchange.BBO{}, err
	}
	bid, err := decimal.NewFromString(resp.BestBid)
	if err != nil {
		return exchange.BBO{}, fmt.Errorf("parse best bid %q: %w", resp.BestBid, err)
	}
	ask, err := decimal.NewFromString(resp.BestAsk)
	if err != nil {
		return exchange.BBO{}, fmt.Errorf("parse best ask %q: %w", resp.BestAsk, err)
	}
	metrics.UpdateBBO(contractID, bid.InexactFloat64(), ask.InexactFloat64())
	return exchange.BBO{Bid: bid, Ask: ask}, nil
}

func mapStatus(raw string) exchange.Status {
	switch raw {
	case "PENDING", "UNTRIGGERED":
		return exchange.StatusPending
	case "OPEN":
		return exchange.StatusOpen
	case "FILLED":
		return exchange.StatusFilled
	case "CANCELED", "CANCELING":
		return exchange.StatusCanceled
	case "REJECTED":
		return exchange.StatusRejected
	case "EXPIRED":
		return exchange.StatusExpired
	default:
		return exchange.Status(raw)
	}
}

type orderResp struct {
	OrderID      string `json:"orderId"`
	ContractID   string `json:"contractId"`
	Side         string `json:"side"` // BUY / SELL
	Status       string `json:"status"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	CumFillSize  string `json:"cumFillSize"`
	CancelReason string `json:"cancelReason"`
}

func (r orderResp) toInfo() exchange.OrderInfo {
	price, _ := decimal.NewFromString(r.Price)
	size, _ := decimal.NewFromString(r.Size)
	filled, _ := decimal.NewFromString(r.CumFillSize)

	status := mapStatus(r.Status)
	if status == exchange.StatusOpen && filled.IsPositive() {
		status = exchange.StatusPartial
	}

	return exchange.OrderInfo{
		OrderID:       r.OrderID,
		Side:          exchange.Side(strings.ToLower(r.Side)),
		Size:          size,
		Price:         price,
		Status:        status,
		FilledSize:    filled,
		RemainingSize: size.Sub(filled),
		CancelReason:  r.CancelReason,
	}
}

func (c *Client) SubmitPostOnly(ctx context.Context, contractID string, quantity, price decimal.Decimal, side exchange.Side) (exchange.OrderResult, error) {
	payload := map[string]interface{}{
		"accountId":     c.accountID,
		"contractId":    contractID,
		"side":          strings.ToUpper(string(side)),
		"type":          "LIMIT",
		"timeInForce":   "POST_ONLY",
		"size":          quantity.String(),
		"price":         price.String(),
		"clientOrderId": "grid-" + uuid.NewString(),
	}
	var resp orderResp
	if err := c.do(ctx, http.MethodPost, "/api/v1/private/order/createOrder", nil, payload, &resp, true); err != nil {
		if ae, ok := err.(*apiError); ok {
			c.log.Warn("order rejected", zap.String("code", ae.Code))
			metrics.OrdersRejected.WithLabelValues("edgex", string(side), "limit").Inc()
			return exchange.OrderResult{Status: exchange.StatusRejected, ErrorMessage: ae.Msg}, nil
		}
		return exchange.Failure(err.Error()), err
	}
	metrics.OrdersPlaced.WithLabelValues("edgex", string(side), "limit").Inc()

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
	payload := map[string]string{"accountId": c.accountID, "orderId": orderID}
	err := c.do(ctx, http.MethodPost, "/api/v1/private/order/cancelOrderById", nil, payload, nil, true)
	if err != nil {
		if ae, ok := err.(*apiError); ok && ae.Code == codeOrderNotFound {
			// 订单已成交或已撤销
			return exchange.OrderResult{Success: true, OrderID: orderID}, nil
		}
		if _, ok := err.(*exchange.TransientError); ok {
			return exchange.Failure(err.Error()), err
		}
		return exchange.OrderResult{Success: false, OrderID: orderID, ErrorMessage: err.Error()}, nil
	}
	metrics.OrdersCanceled.WithLabelValues("edgex", "", "limit").Inc()
	return exchange.OrderResult{Success: true, OrderID: orderID}, nil
}

func (c *Client) GetOrderInfo(ctx context.Context, orderID string) (*exchange.OrderInfo, error) {
	query := url.Values{"accountId": {c.accountID}, "orderId": {orderID}}
	var resp orderResp
	if err := c.do(ctx, http.MethodGet, "/api/v1/private/order/getOrderById", query, nil, &resp, true); err != nil {
		if ae, ok := err.(*apiError); ok && ae.Code == codeOrderNotFound {
			return nil, nil
		}
		return nil, err
	}
	info := resp.toInfo()
	return &info, nil
}

func (c *Client) GetActiveOrders(ctx context.Context, contractID string) ([]exchange.OrderInfo, error) {
	query := url.Values{"accountId": {c.accountID}, "contractId": {contractID}}
	var resp struct {
		OrderList []orderResp `json:"orderList"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/private/order/getActiveOrders", query, nil, &resp, true); err != nil {
		return nil, err
	}
	out := make([]exchange.OrderInfo, 0, len(resp.OrderList))
	for _, r := range resp.OrderList {
		out = append(out, r.toInfo())
	}
	return out, nil
}

func (c *Client) GetAccountPositions(ctx context.Context) (decimal.Decimal, error) {
	c.contractMu.RLock()
	contractID := c.contract.ContractID
	c.contractMu.RUnlock()

	query := url.Values{"accountId": {c.accountID}}
	var resp struct {
		PositionList []struct {
			ContractID string `json:"contractId"`
			OpenSize   string `json:"openSize"`
		} `json:"positionList"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/private/account/getPositions", query, nil, &resp, true); err != nil {
		return decimal.Zero, err
	}
	for _, p := range resp.PositionList {
		if p.ContractID == contractID {
			size, err := decimal.NewFromString(p.OpenSize)
			if err != nil {
				return decimal.Zero, fmt.Errorf("parse position size %q: %w", p.OpenSize, err)
			}
			metrics.PositionSize.WithLabelValues("edgex", contractID).Set(size.Abs().InexactFloat64())
			return size.Abs(), nil
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
