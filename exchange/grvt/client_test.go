package grvt

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

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
		tradeURL:  ts.URL,
		marketURL: ts.URL,
		accountID: "acc-1",
		privKey:   "priv",
		apiKey:    "key",
		httpc:     ts.Client(),
		limiter:   exchange.NopLimiter{},
		log:       logger.Nop(),
	}
	c.contract = exchange.Contract{ContractID: "ETH_USDT_Perp", TickSize: decimal.NewFromFloat(0.01)}
	c.maker = exchange.MakerStrategy{Tick: c.contract.TickSize, Log: c.log, MaxAttempts: 3}
	return c
}

func TestValidateConfigMissingKeys(t *testing.T) {
	t.Setenv(envAccountID, "")
	t.Setenv(envPrivateKey, "")
	t.Setenv(envAPIKey, "")
	cli, err := New(exchange.Options{Ticker: "ETH", Direction: exchange.SideBuy, Quantity: decimal.NewFromFloat(0.1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ce *exchange.ConfigError
	if !errors.As(cli.ValidateConfig(), &ce) {
		t.Fatalf("expected ConfigError")
	}
	if len(ce.MissingKeys) != 3 {
		t.Fatalf("expected 3 missing keys, got %v", ce.MissingKeys)
	}
}

func TestStatusMapping(t *testing.T) {
	zero := decimal.Zero
	some := decimal.NewFromFloat(0.05)

	cases := []struct {
		raw    string
		traded decimal.Decimal
		want   exchange.Status
	}{
		{"PENDING", zero, exchange.StatusPending},
		{"OPEN", zero, exchange.StatusOpen},
		{"OPEN", some, exchange.StatusPartial},
		{"FILLED", some, exchange.StatusFilled},
		{"CANCELLED", zero, exchange.StatusCanceled},
		{"REJECTED", zero, exchange.StatusCanceled},
	}
	for _, tc := range cases {
		if got := mapStatus(tc.raw, tc.traded); got != tc.want {
			t.Errorf("mapStatus(%s, %s) = %s, want %s", tc.raw, tc.traded, got, tc.want)
		}
	}
}

func TestGetContractAttributes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":[
			{"instrument":"BTC_USDT_Perp","base":"BTC","quote":"USDT","kind":"PERPETUAL","tick_size":"0.1","min_size":"0.001"},
			{"instrument":"ETH_USDT_Perp","base":"ETH","quote":"USDT","kind":"PERPETUAL","tick_size":"0.01","min_size":"0.01"}
		]}`)
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	contract, err := c.GetContractAttributes(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if contract.ContractID != "ETH_USDT_Perp" || !contract.TickSize.Equal(decimal.NewFromFloat(0.01)) {
		t.Fatalf("unexpected contract: %+v", contract)
	}
}

func TestGetContractAttributesQuantityBelowMin(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":[
			{"instrument":"ETH_USDT_Perp","base":"ETH","quote":"USDT","kind":"PERPETUAL","tick_size":"0.01","min_size":"1"}
		]}`)
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	if _, err := c.GetContractAttributes(context.Background()); err == nil {
		t.Fatal("quantity below min_size should fail")
	}
}

func TestSubmitPostOnlyPollsPending(t *testing.T) {
	polls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/full/v1/create_order":
			io.WriteString(w, `{"result":{"order_id":"ord-1",
				"legs":[{"instrument":"ETH_USDT_Perp","size":"0.1","limit_price":"2000.49","is_buying_asset":true}],
				"state":{"status":"PENDING","traded_size":["0"],"book_size":["0.1"]},
				"metadata":{"client_order_id":"cid-1"}}}`)
		case "/full/v1/order":
			polls++
			status := "PENDING"
			if polls >= 2 {
				status = "OPEN"
			}
			io.WriteString(w, `{"result":{"order_id":"ord-1",
				"legs":[{"instrument":"ETH_USDT_Perp","size":"0.1","limit_price":"2000.49","is_buying_asset":true}],
				"state":{"status":"`+status+`","traded_size":["0"],"book_size":["0.1"]},
				"metadata":{"client_order_id":"cid-1"}}}`)
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	res, err := c.SubmitPostOnly(context.Background(), "ETH_USDT_Perp",
		decimal.NewFromFloat(0.1), decimal.NewFromFloat(2000.49), exchange.SideBuy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OrderID != "ord-1" || res.Status != exchange.StatusOpen {
		t.Fatalf("unexpected result: %+v", res)
	}
	if polls < 2 {
		t.Fatalf("expected PENDING to be polled, polls=%d", polls)
	}
}

func TestGetOrderInfoAbsent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":null}`)
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	info, err := c.GetOrderInfo(context.Background(), "ord-404")
	if err != nil {
		t.Fatalf("absent order must not be an error: %v", err)
	}
	if info != nil {
		t.Fatalf("expected nil info, got %+v", info)
	}
}

func TestCancelOrderAlreadyGone(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"code":404,"message":"order not found"}`)
	}))
	defer ts.Close()

	c := newTestClient(t, ts)
	res, err := c.CancelOrder(context.Background(), "ord-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("cancel of a finished order should count as success: %+v", res)
	}
}

func TestWSOrderUpdate(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()
	c := newTestClient(t, ts)

	var got exchange.OrderUpdate
	c.SetOrderUpdateHandler(func(u exchange.OrderUpdate) { got = u })

	c.onWSMessage([]byte(`{"feed":{"order_id":"ord-9",
		"legs":[{"instrument":"ETH_USDT_Perp","size":"0.1","limit_price":"2000.49","is_buying_asset":false}],
		"state":{"status":"OPEN","traded_size":["0.04"],"book_size":["0.06"]}}}`))

	if got.OrderID != "ord-9" {
		t.Fatalf("update not delivered: %+v", got)
	}
	if got.Status != exchange.StatusPartial {
		t.Fatalf("OPEN with traded size should map to PARTIALLY_FILLED, got %s", got.Status)
	}
	if got.Side != exchange.SideSell {
		t.Fatalf("is_buying_asset=false should be sell, got %s", got.Side)
	}
	// 买方向会话里的卖单是平仓单
	if got.OrderType != exchange.OrderTypeClose {
		t.Fatalf("expected close order, got %s", got.OrderType)
	}
}

func TestWSIgnoresOtherInstruments(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()
	c := newTestClient(t, ts)

	delivered := false
	c.SetOrderUpdateHandler(func(exchange.OrderUpdate) { delivered = true })
	c.onWSMessage([]byte(`{"feed":{"order_id":"x",
		"legs":[{"instrument":"BTC_USDT_Perp","size":"1","limit_price":"50000","is_buying_asset":true}],
		"state":{"status":"OPEN","traded_size":["0"]}}}`))
	if delivered {
		t.Fatal("updates for other instruments must be dropped")
	}
}
