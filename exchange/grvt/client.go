// Package grvt 实现 GRVT 永续合约的交易客户端。
// GRVT 的订单是 legs 结构：方向由 is_buying_asset 表达，
// 成交量在 state.traded_size 数组里按 leg 对齐。
package grvt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
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
	envAccountID  = "GRVT_TRADING_ACCOUNT_ID"
	envPrivateKey = "GRVT_PRIVATE_KEY"
	envAPIKey     = "GRVT_API_KEY"
	envEnviron    = "GRVT_ENVIRONMENT"
)

// 各环境的服务域名
var environments = map[string]struct{ trade, market, ws string }{
	"prod":    {"https://trades.grvt.io", "https://market-data.grvt.io", "wss://trades.grvt.io/ws/full"},
	"testnet": {"https://trades.testnet.grvt.io", "https://market-data.testnet.grvt.io", "wss://trades.testnet.grvt.io/ws/full"},
}

type Client struct {
	opts      exchange.Options
	tradeURL  string
	marketURL string
	wsURL     string
	accountID string
	privKey   string
	apiKey    string
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

// New 创建 GRVT 客户端，凭证从环境变量读取。
func New(opts exchange.Options) (exchange.Client, error) {
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	envName := strings.ToLower(os.Getenv(envEnviron))
	env, ok := environments[envName]
	if !ok {
		env = environments["prod"]
	}
	return &Client{
		opts:      opts,
		tradeURL:  env.trade,
		marketURL: env.market,
		wsURL:     env.ws,
		accountID: os.Getenv(envAccountID),
		privKey:   os.Getenv(envPrivateKey),
		apiKey:    os.Getenv(envAPIKey),
		httpc:     httpc,
		limiter:   exchange.NewTokenBucketLimiter(8, 16),
		log:       opts.Log,
	}, nil
}

func (c *Client) Name() string { return "grvt" }

func (c *Client) ValidateConfig() error {
	var missing []string
	if c.accountID == "" {
		missing = append(missing, envAccountID)
	}
	if c.privKey == "" {
		missing = append(missing, envPrivateKey)
	}
	if c.apiKey == "" {
		missing = append(missing, envAPIKey)
	}
	if len(missing) > 0 {
		return &exchange.ConfigError{Exchange: "grvt", MissingKeys: missing}
	}
	if !c.opts.Direction.Valid() {
		return &exchange.ConfigError{Exchange: "grvt", Reason: fmt.Sprintf("invalid direction %q", c.opts.Direction)}
	}
	return nil
}

// post 所有 GRVT 接口都是 POST JSON。
func (c *Client) post(ctx context.Context, base, path string, payload, out interface{}) error {
	c.inflight.Add(1)
	defer c.inflight.Done()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Grvt-Api-Key", c.apiKey)
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
		return &exchange.TransientError{Cause: fmt.Errorf("grvt %s status %d", path, resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("grvt %s status %d: %s", path, resp.StatusCode, string(raw))
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

	c.ws = &exchange.WSSession{
		Endpoint: func(ctx context.Context) (string, http.Header, error) {
			h := http.Header{}
			h.Set("X-Grvt-Api-Key", c.apiKey)
			return c.wsURL, h, nil
		},
		OnConnected: c.subscribeOrders,
		OnMessage:   c.onWSMessage,
		Log:         c.log,
	}
	if err := c.ws.Start(ctx); err != nil {
		return &exchange.ConnectionError{Exchange: "grvt", Cause: err}
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

type instrument struct {
	Instrument string `json:"instrument"`
	Base       string `json:"base"`
	Quote      string `json:"quote"`
	Kind       string `json:"kind"`
	TickSize   string `json:"tick_size"`
	MinSize    string `json:"min_size"`
}

func (c *Client) GetContractAttributes(ctx context.Context) (exchange.Contract, error) {
	var resp struct {
		Result []instrument `json:"result"`
	}
	if err := c.post(ctx, c.marketURL, "/full/v1/instruments", map[string]interface{}{
		"kind": []string{"PERPETUAL"}, "is_active": true,
	}, &resp); err != nil {
		return exchange.Contract{}, err
	}

	ticker := strings.ToUpper(c.opts.Ticker)
	for _, m := range resp.Result {
		if m.Base != ticker || m.Quote != "USDT" || m.Kind != "PERPETUAL" {
			continue
		}
		tick, err := decimal.NewFromString(m.TickSize)
		if err != nil || !tick.IsPositive() {
			return exchange.Contract{}, fmt.Errorf("grvt: invalid tick size %q for %s", m.TickSize, m.Instrument)
		}
		if m.MinSize != "" {
			minSize, err := decimal.NewFromString(m.MinSize)
			if err == nil && c.opts.Quantity.LessThan(minSize) {
				return exchange.Contract{}, fmt.Errorf("grvt: quantity %s below minimum %s", c.opts.Quantity, minSize)
			}
		}
		contract := exchange.Contract{ContractID: m.Instrument, TickSize: tick}
		c.contractMu.Lock()
		c.contract = contract
		c.maker = exchange.MakerStrategy{Tick: tick, Log: c.log}
		c.contractMu.Unlock()
		return contract, nil
	}
	return exchange.Contract{}, &exchange.ContractNotFoundError{Exchange: "grvt", Ticker: c.opts.Ticker}
}

func (c *Client) FetchBBOPrices(ctx context.Context, contractID string) (exchange.BBO, error) {
	var resp struct {
		Result struct {
			Bids []struct {
				Price string `json:"price"`
			} `json:"bids"`
			Asks []struct {
				Price string `json:"price"`
			} `json:"asks"`
		} `json:"result"`
	}
	if err := c.post(ctx, c.marketURL, "/full/v1/book", map[string]interface{}{
		"instrument": contractID, "depth": 10,
	}, &resp); err != nil {
		return exchange.BBO{}, err
	}

	var bbo exchange.BBO
	if len(resp.Result.Bids) > 0 {
		bid, err := decimal.NewFromString(resp.Result.Bids[0].Price)
		if err != nil {
			return exchange.BBO{}, fmt.Errorf("parse bid %q: %w", resp.Result.Bids[0].Price, err)
		}
		bbo.Bid = bid
	}
	if len(resp.Result.Asks) > 0 {
		ask, err := decimal.NewFromString(resp.Result.Asks[0].Price)
		if err != nil {
			return exchange.BBO{}, fmt.Errorf("parse ask %q: %w", resp.Result.Asks[0].Price, err)
		}
		bbo.Ask = ask
	}
	metrics.UpdateBBO(contractID, bbo.Bid.InexactFloat64(), bbo.Ask.InexactFloat64())
	return bbo, nil
}

// orderPayload legs 结构的订单
type orderPayload struct {
	OrderID  string `json:"order_id"`
	Legs     []leg  `json:"legs"`
	State    state  `json:"state"`
	Metadata struct {
		ClientOrderID string `json:"client_order_id"`
	} `json:"metadata"`
}

type leg struct {
	Instrument    string `json:"instrument"`
	Size          string `json:"size"`
	LimitPrice    string `json:"limit_price"`
	IsBuyingAsset bool   `json:"is_buying_asset"`
}

type state struct {
	Status     string   `json:"status"`
	TradedSize []string `json:"traded_size"`
	BookSize   []string `json:"book_size"`
}

// mapStatus GRVT 状态 -> 统一状态。REJECTED 在 GRVT 语义里表示
// 订单被撤出簿外，等价于 CANCELED。
func mapStatus(s string, traded decimal.Decimal) exchange.Status {
	switch s {
	case "PENDING":
		return exchange.StatusPending
	case "OPEN":
		if traded.IsPositive() {
			return exchange.StatusPartial
		}
		return exchange.StatusOpen
	case "FILLED":
		return exchange.StatusFilled
	case "CANCELLED", "REJECTED":
		return exchange.StatusCanceled
	case "EXPIRED":
		return exchange.StatusExpired
	default:
		return exchange.Status(s)
	}
}

func (o orderPayload) toInfo() (exchange.OrderInfo, error) {
	if len(o.Legs) == 0 {
		return exchange.OrderInfo{}, fmt.Errorf("grvt: order %s has no legs", o.OrderID)
	}
	lg := o.Legs[0]
	side := exchange.SideSell
	if lg.IsBuyingAsset {
		side = exchange.SideBuy
	}
	size, _ := decimal.NewFromString(lg.Size)
	price, _ := decimal.NewFromString(lg.LimitPrice)
	var filled, remaining decimal.Decimal
	if len(o.State.TradedSize) > 0 {
		filled, _ = decimal.NewFromString(o.State.TradedSize[0])
	}
	if len(o.State.BookSize) > 0 {
		remaining, _ = decimal.NewFromString(o.State.BookSize[0])
	}
	return exchange.OrderInfo{
		OrderID:       o.OrderID,
		Side:          side,
		Size:          size,
		Price:         price,
		Status:        mapStatus(o.State.Status, filled),
		FilledSize:    filled,
		RemainingSize: remaining,
	}, nil
}

// SubmitPostOnly 提交 post-only 订单后轮询状态直到离开 PENDING。
// 交易所 10 秒内仍未处理视为服务端故障。
func (c *Client) SubmitPostOnly(ctx context.Context, contractID string, quantity, price decimal.Decimal, side exchange.Side) (exchange.OrderResult, error) {
	clientOrderID := uuid.NewString()
	payload := map[string]interface{}{
		"order": map[string]interface{}{
			"sub_account_id": c.accountID,
			"time_in_force":  "GOOD_TILL_TIME",
			"post_only":      true,
			"legs": []leg{{
				Instrument:    contractID,
				Size:          quantity.String(),
				LimitPrice:    price.String(),
				IsBuyingAsset: side == exchange.SideBuy,
			}},
			"metadata": map[string]string{"client_order_id": clientOrderID},
		},
	}
	var resp struct {
		Result orderPayload `json:"result"`
	}
	if err := c.post(ctx, c.tradeURL, "/full/v1/create_order", payload, &resp); err != nil {
		return exchange.Failure(err.Error()), err
	}
	metrics.OrdersPlaced.WithLabelValues("grvt", string(side), "limit").Inc()

	info, err := resp.Result.toInfo()
	if err != nil {
		return exchange.Failure(err.Error()), err
	}

	deadline := time.Now().Add(10 * time.Second)
	for info.Status == exchange.StatusPending {
		if time.Now().After(deadline) {
			return exchange.Failure("order stuck in PENDING"),
				fmt.Errorf("grvt: order not processed after 10 seconds")
		}
		select {
		case <-ctx.Done():
			return exchange.Failure(ctx.Err().Error()), ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		latest, err := c.fetchOrderByClientID(ctx, clientOrderID)
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

func (c *Client) fetchOrderByClientID(ctx context.Context, clientOrderID string) (*exchange.OrderInfo, error) {
	return c.fetchOrder(ctx, map[string]interface{}{"client_order_id": clientOrderID})
}

func (c *Client) fetchOrder(ctx context.Context, payload map[string]interface{}) (*exchange.OrderInfo, error) {
	payload["sub_account_id"] = c.accountID
	var resp struct {
		Result *orderPayload `json:"result"`
	}
	if err := c.post(ctx, c.tradeURL, "/full/v1/order", payload, &resp); err != nil {
		return nil, err
	}
	if resp.Result == nil || resp.Result.OrderID == "" {
		return nil, nil
	}
	info, err := resp.Result.toInfo()
	if err != nil {
		return nil, err
	}
	return &info, nil
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
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	err := c.post(ctx, c.tradeURL, "/full/v1/cancel_order", map[string]interface{}{
		"sub_account_id": c.accountID,
		"order_id":       orderID,
	}, &resp)
	if err != nil {
		// 订单已成交/已撤销时交易所报“not found”，撤单目的已经达成
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return exchange.OrderResult{Success: true, OrderID: orderID}, nil
		}
		if _, ok := err.(*exchange.TransientError); ok {
			return exchange.Failure(err.Error()), err
		}
		return exchange.OrderResult{Success: false, OrderID: orderID, ErrorMessage: err.Error()}, nil
	}
	metrics.OrdersCanceled.WithLabelValues("grvt", "", "limit").Inc()
	return exchange.OrderResult{Success: true, OrderID: orderID}, nil
}

func (c *Client) GetOrderInfo(ctx context.Context, orderID string) (*exchange.OrderInfo, error) {
	info, err := c.fetchOrder(ctx, map[string]interface{}{"order_id": orderID})
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "not found") {
		return nil, nil
	}
	return info, err
}

func (c *Client) GetActiveOrders(ctx context.Context, contractID string) ([]exchange.OrderInfo, error) {
	var resp struct {
		Result []orderPayload `json:"result"`
	}
	if err := c.post(ctx, c.tradeURL, "/full/v1/open_orders", map[string]interface{}{
		"sub_account_id": c.accountID,
		"kind":           []string{"PERPETUAL"},
	}, &resp); err != nil {
		return nil, err
	}
	out := make([]exchange.OrderInfo, 0, len(resp.Result))
	for _, o := range resp.Result {
		info, err := o.toInfo()
		if err != nil {
			continue
		}
		if len(o.Legs) > 0 && o.Legs[0].Instrument != contractID {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (c *Client) GetAccountPositions(ctx context.Context) (decimal.Decimal, error) {
	c.contractMu.RLock()
	symbol := c.contract.ContractID
	c.contractMu.RUnlock()

	var resp struct {
		Result []struct {
			Instrument string `json:"instrument"`
			Size       string `json:"size"`
		} `json:"result"`
	}
	if err := c.post(ctx, c.tradeURL, "/full/v1/positions", map[string]interface{}{
		"sub_account_id": c.accountID,
		"kind":           []string{"PERPETUAL"},
	}, &resp); err != nil {
		return decimal.Zero, err
	}
	for _, p := range resp.Result {
		if p.Instrument == symbol {
			size, err := decimal.NewFromString(p.Size)
			if err != nil {
				return decimal.Zero, fmt.Errorf("parse position size %q: %w", p.Size, err)
			}
			metrics.PositionSize.WithLabelValues("grvt", symbol).Set(size.Abs().InexactFloat64())
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
