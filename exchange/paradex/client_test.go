package paradex

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-trader-go/exchange"
	"grid-trader-go/infrastructure/logger"
)

func newTestClient(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()
	c := &Client{
		opts: exchange.Options{
			Ticker:    "ETH",
			Quantity:  decimal.NewFromFloat(0.1),
			Direction: exchange.SideBuy,
			Log:       logger.Nop(),
		},
		baseURL:   ts.URL,
		l1Address: "0xabc",
		l2PrivKey: "l2-priv",
		httpc:     ts.Client(),
		limiter:   exchange.NopLimiter{},
		log:       logger.Nop(),
	}
	c.token = "test-jwt"
	c.tokenUntil = time.Now().Add(time.Hour)
	c.contract = exchange.Contract{ContractID: "ETH-USD-PERP", TickSize: decimal.NewFromFloat(0.01)}
	c.maker = exchange.MakerStrategy{Tick: c.contract.TickSize, Log: c.log, MaxAttempts: 3}
	return c
}

func TestValidateConfigMissingKeys(t *testing.T) {
	t.Setenv(envL1Address, "")
	t.Setenv(envL2PrivKey, "")
	cli, err := New(exchange.Options{Ticker: "ETH", Direction: exchange.SideBuy, Quantity: decimal.NewFromFloat(0.1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ce *exchange.ConfigError
	if !errors.As(cli.ValidateConfig(), &ce) {
		t.Fatalf("expected ConfigError")
	}
	if len(ce.MissingKeys) != 2 {
		t.Fatalf("expected 2 missing keys, got %v", ce.MissingKeys)
	}
}

func TestEnsureTokenRefresh(t *testing.T) {
	var authCalls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("PARADEX-STARKNET-ACCOUNT") != "0xabc" {
			t.Errorf("missing account header")
		}
		if r.Header.Get("PARADEX-STARKNET-SIGNATURE") == "" {
			t.Errorf("missing signature header")
		}
		atomic.AddInt32(&authCalls, 1)
		json.NewEncoder(w).Encode(map[string]string{"jwt_token": "fresh-jwt"})
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	c.token = ""

	token, err := c.ensureToken(context.Background())
	if err != nil {
		t.Fatalf("ensureToken: %v", err)
	}
	if token != "fresh-jwt" {
		t.Fatalf("token = %q", token)
	}
	// 未过期时复用缓存
	if _, err := c.ensureToken(context.Background()); err != nil {
		t.Fatalf("ensureToken cached: %v", err)
	}
	if n := atomic.LoadInt32(&authCalls); n != 1 {
		t.Fatalf("auth called %d times, want 1", n)
	}
}

func TestGetContractAttributes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]string{
				{"symbol": "BTC-USD-PERP", "base_currency": "BTC", "asset_kind": "PERP", "price_tick_size": "0.1"},
				{"symbol": "ETH-USD-PERP", "base_currency": "ETH", "asset_kind": "PERP", "price_tick_size": "0.01", "min_order_size": "0.01"},
			},
		})
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	contract, err := c.GetContractAttributes(context.Background())
	if err != nil {
		t.Fatalf("GetContractAttributes: %v", err)
	}
	if contract.ContractID != "ETH-USD-PERP" {
		t.Fatalf("contract = %s", contract.ContractID)
	}
	if !contract.TickSize.Equal(decimal.NewFromFloat(0.01)) {
		t.Fatalf("tick = %s", contract.TickSize)
	}
}

func TestGetContractAttributesNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"results": []map[string]string{}})
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	_, err := c.GetContractAttributes(context.Background())
	var nf *exchange.ContractNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected ContractNotFoundError, got %v", err)
	}
}

func TestSubmitPostOnlyPollsNew(t *testing.T) {
	var polls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/orders":
			if got := r.Header.Get("Authorization"); got != "Bearer test-jwt" {
				t.Errorf("Authorization = %q", got)
			}
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			if body["instruction"] != "POST_ONLY" {
				t.Errorf("instruction = %v", body["instruction"])
			}
			json.NewEncoder(w).Encode(orderResp{
				ID: "ord-1", Market: "ETH-USD-PERP", Side: "BUY",
				Status: "NEW", Price: "2000", Size: "0.1", RemainingSize: "0.1",
			})
		case r.Method == http.MethodGet && r.URL.Path == "/orders/ord-1":
			status := "NEW"
			if atomic.AddInt32(&polls, 1) >= 2 {
				status = "OPEN"
			}
			json.NewEncoder(w).Encode(orderResp{
				ID: "ord-1", Market: "ETH-USD-PERP", Side: "BUY",
				Status: status, Price: "2000", Size: "0.1", RemainingSize: "0.1",
			})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	res, err := c.SubmitPostOnly(context.Background(), "ETH-USD-PERP",
		decimal.NewFromFloat(0.1), decimal.NewFromInt(2000), exchange.SideBuy)
	if err != nil {
		t.Fatalf("SubmitPostOnly: %v", err)
	}
	if res.Status != exchange.StatusOpen {
		t.Fatalf("status = %s", res.Status)
	}
	if atomic.LoadInt32(&polls) < 2 {
		t.Fatalf("expected at least 2 polls, got %d", polls)
	}
}

func TestSubmitPostOnlyRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"POST_ONLY_WOULD_CROSS"}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	res, err := c.SubmitPostOnly(context.Background(), "ETH-USD-PERP",
		decimal.NewFromFloat(0.1), decimal.NewFromInt(2000), exchange.SideBuy)
	if err != nil {
		t.Fatalf("venue rejection should not surface as error, got %v", err)
	}
	if res.Status != exchange.StatusRejected {
		t.Fatalf("status = %s", res.Status)
	}
}

func TestCancelOrderAlreadyGone(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"order not found"}`))
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	res, err := c.CancelOrder(context.Background(), "ord-gone")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if !res.Success {
		t.Fatalf("cancel of already-gone order must succeed")
	}
}

func TestGetOrderInfoAbsent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	info, err := c.GetOrderInfo(context.Background(), "ord-missing")
	if err != nil {
		t.Fatalf("absent order must not be an error, got %v", err)
	}
	if info != nil {
		t.Fatalf("expected nil info, got %+v", info)
	}
}

func TestOrderRespToInfo(t *testing.T) {
	cases := []struct {
		name string
		resp orderResp
		want exchange.Status
	}{
		{"new", orderResp{Status: "NEW", Size: "0.1", RemainingSize: "0.1"}, exchange.StatusPending},
		{"open", orderResp{Status: "OPEN", Size: "0.1", RemainingSize: "0.1"}, exchange.StatusOpen},
		{"partial", orderResp{Status: "OPEN", Size: "0.1", RemainingSize: "0.04"}, exchange.StatusPartial},
		{"filled", orderResp{Status: "CLOSED", Size: "0.1", RemainingSize: "0"}, exchange.StatusFilled},
		{"canceled", orderResp{Status: "CLOSED", Size: "0.1", RemainingSize: "0.06", CancelReason: "USER_CANCELED"}, exchange.StatusCanceled},
	}
	for _, tc := range cases {
		if got := tc.resp.toInfo().Status; got != tc.want {
			t.Errorf("%s: status = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestWSOrderUpdate(t *testing.T) {
	c := newTestClient(t, httptest.NewServer(http.NotFoundHandler()))

	var got exchange.OrderUpdate
	unsubscribe := c.SetOrderUpdateHandler(func(u exchange.OrderUpdate) { got = u })

	msg := `{"jsonrpc":"2.0","method":"subscription","params":{"channel":"orders.ETH-USD-PERP","data":{
		"id":"ord-9","market":"ETH-USD-PERP","side":"SELL","status":"OPEN",
		"price":"2100","size":"0.1","remaining_size":"0.07"}}}`
	c.onWSMessage([]byte(msg))

	if got.OrderID != "ord-9" {
		t.Fatalf("update not delivered: %+v", got)
	}
	if got.Status != exchange.StatusPartial {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Side != exchange.SideSell {
		t.Fatalf("side = %s", got.Side)
	}
	// 买方向会话里的卖单是平仓单
	if got.OrderType != exchange.OrderTypeClose {
		t.Fatalf("order type = %s", got.OrderType)
	}
	if !got.FilledSize.Equal(decimal.NewFromFloat(0.03)) {
		t.Fatalf("filled = %s", got.FilledSize)
	}

	unsubscribe()
	got = exchange.OrderUpdate{}
	c.onWSMessage([]byte(msg))
	if got.OrderID != "" {
		t.Fatalf("handler should be removed after unsubscribe")
	}
}

func TestWSIgnoresOtherMarkets(t *testing.T) {
	c := newTestClient(t, httptest.NewServer(http.NotFoundHandler()))

	called := false
	c.SetOrderUpdateHandler(func(exchange.OrderUpdate) { called = true })
	c.onWSMessage([]byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"orders.BTC-USD-PERP","data":{"id":"x","market":"BTC-USD-PERP","status":"OPEN","size":"1","remaining_size":"1"}}}`))
	if called {
		t.Fatalf("update for another market must be dropped")
	}
}
