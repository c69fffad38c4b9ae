// Package paradex 实现 Paradex 永续合约的交易客户端。
// REST 走 JWT Bearer 鉴权，token 短时有效需定期换发；
// 刚提交的订单先处于 NEW（尚未入簿），需要轮询直到状态落定。
package paradex

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

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-trader-go/exchange"
	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/metrics"
)

const (
	defaultBaseURL = "https://api.prod.paradex.trade/v1"
	defaultWSURL   = "wss://ws.api.prod.paradex.trade/v1"

	envL1Address  = "PARADEX_L1_ADDRESS"
	envL2PrivKey  = "PARADEX_L2_PRIVATE_KEY"
	tokenLifetime = 4 * time.Minute // 服务端 5 分钟过期，提前换发
)

type Client struct {
	opts      exchange.Options
	baseURL   string
	wsURL     string
	l1Address string
	l2PrivKey string
	httpc     *http.Client
	limiter   exchange.RateLimiter
	log       *logger.Logger

	maker exchange.MakerStrategy

	tokenMu    sync.Mutex
	token      string
	tokenUntil time.Time

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

// New 创建 Paradex 客户端，凭证从环境变量读取。
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
		l1Address: os.Getenv(envL1Address),
		l2PrivKey: os.Getenv(envL2PrivKey),
		httpc:     httpc,
		limiter:   exchange.NewTokenBucketLimiter(8, 16),
		log:       opts.Log,
	}, nil
}

func (c *Client) Name() string { return "paradex" }

func (c *Client) ValidateConfig() error {
	var missing []string
	if c.l1Address == "" {
		missing = append(missing, envL1Address)
	}
	if c.l2PrivKey == "" {
		missing = append(missing, envL2PrivKey)
	}
	if len(missing) > 0 {
		return &exchange.ConfigError{Exchange: "paradex", MissingKeys: missing}
	}
	if !c.opts.Direction.Valid() {
		return &exchange.ConfigError{Exchange: "paradex", Reason: fmt.Sprintf("invalid direction %q", c.opts.Direction)}
	}
	return nil
}

// ensureToken 换发 JWT。请求用账户私钥对时间戳做 HMAC 证明身份。
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenUntil) {
		return c.token, nil
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(c.l2PrivKey))
	mac.Write([]byte(ts))
	signature := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("PARADEX-STARKNET-ACCOUNT", c.l1Address)
	req.Header.Set("PARADEX-STARKNET-SIGNATURE", signature)
	req.Header.Set("PARADEX-TIMESTAMP", ts)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", &exchange.TransientError{Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("paradex auth status %d", resp.StatusCode)
	}
	var body struct {
		JWTToken string `json:"jwt_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	if body.JWTToken == "" {
		return "", fmt.Errorf("paradex auth returned empty token")
	}
	c.token = body.JWTToken
	c.tokenUntil = time.Now().Add(tokenLifetime)
	return c.token, nil
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("paradex api status %d: %s", e.Status, e.Body)
}

func (e *apiError) notFound() bool { return e.Status == http.StatusNotFound }

// do 执行一次 REST 调用，signed 时先确保 JWT 有效。
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

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
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
	if signed {
		token, err := c.ensureToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
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
		return &exchange.TransientError{Cause: fmt.Errorf("paradex %s status %d", path, resp.StatusCode)}
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

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	if _, err := c.ensureToken(ctx); err != nil {
		return &exchange.ConnectionError{Exchange: "paradex", Cause: err}
	}

	c.ws = &exchange.WSSession{
		Endpoint: func(ctx context.Context) (string, http.Header, error) {
			token, err := c.ensureToken(ctx)
			if err != nil {
				return "", nil, err
			}
			h := http.Header{}
			h.Set("Authorization", "Bearer "+token)
			return c.wsURL, h, nil
		},
		OnConnected: c.subscribeOrders,
		OnMessage:   c.onWSMessage,
		Log:         c.log,
	}
	if err := c.ws.Start(ctx); err != nil {
		return &exchange.ConnectionError{Exchange: "paradex", Cause: err}
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
	var resp struct {
		Results []struct {
			Symbol        string `json:"symbol"`
			BaseCurrency  string `json:"base_currency"`
			QuoteCurrency string `json:"quote_currency"`
			AssetKind     string `json:"asset_kind"`
			PriceTickSize string `json:"price_tick_size"`
			MinOrderSize  string `json:"min_order_size"`
		} `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/markets", nil, nil, &resp, false); err != nil {
		return exchange.Contract{}, err
	}

	ticker := strings.ToUpper(c.opts.Ticker)
	for _, m := range resp.Results {
		if m.BaseCurrency != ticker || m.AssetKind != "PERP" {
			continue
		}
		tick, err := decimal.NewFromString(m.PriceTickSize)
		if err != nil || !tick.IsPositive() {
			return exchange.Contract{}, fmt.Errorf("paradex: invalid tick size %q for %s", m.PriceTickSize, m.Symbol)
		}
		if m.MinOrderSize != "" {
			minSize, err := decimal.NewFromString(m.MinOrderSize)
			if err == nil && c.opts.Quantity.LessThan(minSize) {
				return exchange.Contract{}, fmt.Errorf("paradex: quantity %s below minimum %s", c.opts.Quantity, minSize)
			}
		}
		contract := exchange.Contract{ContractID: m.Symbol, TickSize: tick}
		c.contractMu.Lock()
		c.contract = contract
		c.maker = exchange.MakerStrategy{Tick: tick, Log: c.log}
		c.contractMu.Unlock()
		return contract, nil
	}
	return exchange.Contract{}, &exchange.ContractNotFoundError{Exchange: "paradex", Ticker: c.opts.Ticker}
}

func (c *Client) FetchBBOPrices(ctx context.Context, contractID string) (exchange.BBO, error) {
	var resp struct {
		Bid string `json:"bid"`
		Ask string `json:"ask"`
	}
	if err := c.do(ctx, http.MethodGet, "/bbo/"+contractID, nil, nil, &resp, false); err != nil {
		return exchange.BBO{}, err
	}
	bid, err := decimal.NewFromString(resp.Bid)
	if err != nil {
		return exchange.BBO{}, fmt.Errorf("parse bid %q: %w", resp.Bid, err)
	}
	ask, err := decimal.NewFromString(resp.Ask)
	if err != nil {
		return exchange.BBO{}, fmt.Errorf("parse ask %q: %w", resp.Ask, err)
	}
	metrics.UpdateBBO(contractID, bid.InexactFloat64(), ask.InexactFloat64())
	return exchange.BBO{Bid: bid, Ask: ask}, nil
}

type orderResp struct {
	ID            string `json:"id"`
	Market        string `json:"market"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	RemainingSize string `json:"remaining_size"`
	CancelReason  string `json:"cancel_reason"`
}

// toInfo Paradex 的状态机是 NEW -> OPEN -> CLOSED，CLOSED 的含义
// 由 cancel_reason 区分：空表示完全成交。
func (r orderResp) toInfo() exchange.OrderInfo {
	price, _ := decimal.NewFromString(r.Price)
	size, _ := decimal.NewFromString(r.Size)
	remaining, _ := decimal.NewFromString(r.RemainingSize)
	filled := size.Sub(remaining)

	var status exchange.Status
	switch r.Status {
	case "NEW", "UNTRIGGERED":
		status = exchange.StatusPending
	case "OPEN":
		if filled.IsPositive() {
			status = exchange.StatusPartial
		} else {
			status = exchange.StatusOpen
		}
	case "CLOSED":
		if r.CancelReason != "" {
			status = exchange.StatusCanceled
		} else {
			status = exchange.StatusFilled
		}
	default:
		status = exchange.Status(r.Status)
	}

	return exchange.OrderInfo{
		OrderID:       r.ID,
		Side:          exchange.Side(strings.ToLower(r.Side)),
		Size:          size,
		Price:         price,
		Status:        status,
		FilledSize:    filled,
		RemainingSize: remaining,
		CancelReason:  r.CancelReason,
	}
}

// SubmitPostOnly 提交后轮询直到订单离开 NEW。10 秒仍未处理视为服务端故障。
func (c *Client) SubmitPostOnly(ctx context.Context, contractID string, quantity, price decimal.Decimal, side exchange.Side) (exchange.OrderResult, error) {
	payload := map[string]interface{}{
		"market":      contractID,
		"side":        strings.ToUpper(string(side)),
		"type":        "LIMIT",
		"size":        quantity.String(),
		"price":       price.String(),
		"instruction": "POST_ONLY",
	}
	var resp orderResp
	if err := c.do(ctx, http.MethodPost, "/orders", nil, payload, &resp, true); err != nil {
		if ae, ok := err.(*apiError); ok {
			c.log.Warn("order rejected", zap.Int("status", ae.Status))
			metrics.OrdersRejected.WithLabelValues("paradex", string(side), "limit").Inc()
			return exchange.OrderResult{Status: exchange.StatusRejected, ErrorMessage: ae.Body}, nil
		}
		return exchange.Failure(err.Error()), err
	}
	metrics.OrdersPlaced.WithLabelValues("paradex", string(side), "limit").Inc()

	info := resp.toInfo()
	deadline := time.Now().Add(10 * time.Second)
	for info.Status == exchange.StatusPending {
		if time.Now().After(deadline) {
			return exchange.Failure("order stuck in NEW"),
				fmt.Errorf("paradex: order not processed after 10 seconds")
		}
		select {
		case <-ctx.Done():
			return exchange.Failure(ctx.Err().Error()), ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		latest, err := c.GetOrderInfo(ctx, info.OrderID)
		if err != nil {
			continue
		}
		if latest != nil {
			info = *latest
		}
	}

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
	err := c.do(ctx, http.MethodDelete, "/orders/"+orderID, nil, nil, nil, true)
	if err != nil {
		if ae, ok := err.(*apiError); ok && ae.notFound() {
			// 订单已成交或已撤销
			return exchange.OrderResult{Success: true, OrderID: orderID}, nil
		}
		if _, ok := err.(*exchange.TransientError); ok {
			return exchange.Failure(err.Error()), err
		}
		return exchange.OrderResult{Success: false, OrderID: orderID, ErrorMessage: err.Error()}, nil
	}
	metrics.OrdersCanceled.WithLabelValues("paradex", "", "limit").Inc()
	return exchange.OrderResult{Success: true, OrderID: orderID}, nil
}

func (c *Client) GetOrderInfo(ctx context.Context, orderID string) (*exchange.OrderInfo, error) {
	var resp orderResp
	if err := c.do(ctx, http.MethodGet, "/orders/"+orderID, nil, nil, &resp, true); err != nil {
		if ae, ok := err.(*apiError); ok && ae.notFound() {
			return nil, nil
		}
		return nil, err
	}
	info := resp.toInfo()
	return &info, nil
}

func (c *Client) GetActiveOrders(ctx context.Context, contractID string) ([]exchange.OrderInfo, error) {
	query := url.Values{"market": {contractID}}
	var resp struct {
		Results []orderResp `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/orders", query, nil, &resp, true); err != nil {
		return nil, err
	}
	out := make([]exchange.OrderInfo, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, r.toInfo())
	}
	return out, nil
}

func (c *Client) GetAccountPositions(ctx context.Context) (decimal.Decimal, error) {
	c.contractMu.RLock()
	symbol := c.contract.ContractID
	c.contractMu.RUnlock()

	var resp struct {
		Results []struct {
			Market string `json:"market"`
			Size   string `json:"size"`
		} `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/positions", nil, nil, &resp, true); err != nil {
		return decimal.Zero, err
	}
	for _, p := range resp.Results {
		if p.Market == symbol {
			size, err := decimal.NewFromString(p.Size)
			if err != nil {
				return decimal.Zero, fmt.Errorf("parse position size %q: %w", p.Size, err)
			}
			metrics.PositionSize.WithLabelValues("paradex", symbol).Set(size.Abs().InexactFloat64())
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
