package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-trader-go/config"
	"grid-trader-go/exchange"
	"grid-trader-go/infrastructure/alert"
	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/order"
)

// mockClient 以函数字段注入各操作的行为，未设置的操作返回零值。
type mockClient struct {
	bbo          exchange.BBO
	bboErr       error
	placeOpen    func() (exchange.OrderResult, error)
	placeClose   func(quantity, price decimal.Decimal, side exchange.Side) (exchange.OrderResult, error)
	cancel       func(orderID string) (exchange.OrderResult, error)
	orderInfo    func(orderID string) (*exchange.OrderInfo, error)
	activeOrders []exchange.OrderInfo
	position     decimal.Decimal
}

func (m *mockClient) Name() string                         { return "mock" }
func (m *mockClient) ValidateConfig() error                { return nil }
func (m *mockClient) Connect(ctx context.Context) error    { return nil }
func (m *mockClient) Disconnect(ctx context.Context) error { return nil }
func (m *mockClient) SetOrderUpdateHandler(h exchange.UpdateHandler) func() {
	return func() {}
}

func (m *mockClient) GetContractAttributes(ctx context.Context) (exchange.Contract, error) {
	return exchange.Contract{ContractID: "ETH-PERP", TickSize: decimal.NewFromFloat(0.01)}, nil
}

func (m *mockClient) FetchBBOPrices(ctx context.Context, contractID string) (exchange.BBO, error) {
	return m.bbo, m.bboErr
}

func (m *mockClient) PlaceOpenOrder(ctx context.Context, contractID string, quantity decimal.Decimal, direction exchange.Side) (exchange.OrderResult, error) {
	if m.placeOpen != nil {
		return m.placeOpen()
	}
	return exchange.OrderResult{Success: true, OrderID: "open-1", Side: direction, Size: quantity, Status: exchange.StatusOpen}, nil
}

func (m *mockClient) PlaceCloseOrder(ctx context.Context, contractID string, quantity, price decimal.Decimal, side exchange.Side) (exchange.OrderResult, error) {
	if m.placeClose != nil {
		return m.placeClose(quantity, price, side)
	}
	return exchange.OrderResult{Success: true, OrderID: "close-1", Side: side, Size: quantity, Price: price, Status: exchange.StatusOpen}, nil
}

func (m *mockClient) CancelOrder(ctx context.Context, orderID string) (exchange.OrderResult, error) {
	if m.cancel != nil {
		return m.cancel(orderID)
	}
	return exchange.OrderResult{Success: true, OrderID: orderID}, nil
}

func (m *mockClient) GetOrderInfo(ctx context.Context, orderID string) (*exchange.OrderInfo, error) {
	if m.orderInfo != nil {
		return m.orderInfo(orderID)
	}
	return nil, nil
}

func (m *mockClient) GetActiveOrders(ctx context.Context, contractID string) ([]exchange.OrderInfo, error) {
	return m.activeOrders, nil
}

func (m *mockClient) GetAccountPositions(ctx context.Context) (decimal.Decimal, error) {
	return m.position, nil
}

func testConfig() config.TradingConfig {
	return config.TradingConfig{
		Exchange:   "mock",
		Ticker:     "ETH",
		Quantity:   decimal.NewFromFloat(0.1),
		Direction:  exchange.SideBuy,
		MaxOrders:  12,
		WaitTime:   120 * time.Second,
		TakeProfit: decimal.NewFromFloat(0.02),
		GridStep:   decimal.NewFromInt(-100),
		StopPrice:  decimal.NewFromInt(-1),
		PausePrice: decimal.NewFromInt(-1),
	}
}

func newTestEngine(t *testing.T, cfg config.TradingConfig, client *mockClient) *Engine {
	t.Helper()
	tracker := order.NewTracker(logger.Nop(), time.Minute)
	e, err := New(cfg, Components{
		Client:  client,
		Tracker: tracker,
		Logger:  logger.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.contract = exchange.Contract{ContractID: "ETH-PERP", TickSize: decimal.NewFromFloat(0.01)}
	return e
}

func TestCalculateWait(t *testing.T) {
	cfg := testConfig()
	e := newTestEngine(t, cfg, &mockClient{})

	// 平仓单减少（有成交）立即放行
	e.lastCloseOrders = 5
	if got := e.calculateWait(4); got != 0 {
		t.Fatalf("filled close order should release immediately, got %s", got)
	}

	// 达到上限后每轮只等 1 秒再查
	if got := e.calculateWait(12); got != time.Second {
		t.Fatalf("at max orders want 1s, got %s", got)
	}

	// 冷却期之内
	e.lastCloseOrders = 0
	e.lastOpenOrderTime = time.Now()
	if got := e.calculateWait(8); got != time.Second {
		t.Fatalf("inside cooldown want 1s, got %s", got)
	}

	// 冷却期已过：8/12 >= 2/3，冷却 2*wait
	e.lastCloseOrders = 0
	e.lastOpenOrderTime = time.Now().Add(-3 * cfg.WaitTime)
	if got := e.calculateWait(8); got != 0 {
		t.Fatalf("cooldown elapsed want 0, got %s", got)
	}

	// 1/4 档：1/12 < 1/6，冷却 wait/4
	e.lastCloseOrders = 0
	e.lastOpenOrderTime = time.Now().Add(-cfg.WaitTime / 2)
	if got := e.calculateWait(1); got != 0 {
		t.Fatalf("quarter cooldown elapsed want 0, got %s", got)
	}
	e.lastCloseOrders = 0
	e.lastOpenOrderTime = time.Now().Add(-cfg.WaitTime / 8)
	if got := e.calculateWait(1); got != time.Second {
		t.Fatalf("quarter cooldown pending want 1s, got %s", got)
	}
}

func TestCloseTargetPrice(t *testing.T) {
	cfg := testConfig()
	cfg.TakeProfit = decimal.NewFromInt(1) // 1%
	e := newTestEngine(t, cfg, &mockClient{})

	// 买开 -> 卖平，目标价上浮 1% 并对齐 tick
	got := e.closeTargetPrice(decimal.NewFromInt(2000))
	if !got.Equal(decimal.NewFromInt(2020)) {
		t.Fatalf("buy close target = %s, want 2020", got)
	}

	cfg.Direction = exchange.SideSell
	e2 := newTestEngine(t, cfg, &mockClient{})
	got = e2.closeTargetPrice(decimal.NewFromInt(2000))
	if !got.Equal(decimal.NewFromInt(1980)) {
		t.Fatalf("sell close target = %s, want 1980", got)
	}
}

func TestCheckPriceCondition(t *testing.T) {
	cfg := testConfig()
	cfg.StopPrice = decimal.NewFromInt(2500)
	cfg.PausePrice = decimal.NewFromInt(2400)
	client := &mockClient{bbo: exchange.BBO{Bid: decimal.NewFromInt(2000), Ask: decimal.NewFromInt(2001)}}
	e := newTestEngine(t, cfg, client)

	stop, pause, err := e.checkPriceCondition(context.Background())
	if err != nil || stop || pause {
		t.Fatalf("below both limits: stop=%v pause=%v err=%v", stop, pause, err)
	}

	client.bbo = exchange.BBO{Bid: decimal.NewFromInt(2400), Ask: decimal.NewFromInt(2401)}
	_, pause, _ = e.checkPriceCondition(context.Background())
	if !pause {
		t.Fatalf("pause price breached, expected pause")
	}

	client.bbo = exchange.BBO{Bid: decimal.NewFromInt(2500), Ask: decimal.NewFromInt(2501)}
	stop, _, _ = e.checkPriceCondition(context.Background())
	if !stop {
		t.Fatalf("stop price breached, expected stop")
	}
}

func TestCheckPriceConditionDisabled(t *testing.T) {
	client := &mockClient{bboErr: context.DeadlineExceeded}
	e := newTestEngine(t, testConfig(), client)

	// 两个开关都是 -1 时不应发起任何行情请求
	stop, pause, err := e.checkPriceCondition(context.Background())
	if err != nil || stop || pause {
		t.Fatalf("disabled limits must not trigger: stop=%v pause=%v err=%v", stop, pause, err)
	}
}

func TestMeetGridStep(t *testing.T) {
	cfg := testConfig()
	cfg.GridStep = decimal.NewFromInt(1) // 1%
	cfg.TakeProfit = decimal.NewFromInt(1)
	client := &mockClient{bbo: exchange.BBO{Bid: decimal.NewFromInt(1999), Ask: decimal.NewFromInt(2000)}}
	e := newTestEngine(t, cfg, client)

	// 无在途平仓单时永远满足
	ok, err := e.meetGridStep(context.Background(), nil)
	if err != nil || !ok {
		t.Fatalf("no close orders: ok=%v err=%v", ok, err)
	}

	// 新止盈价 2020，最近平仓价 2100：2100/2020 > 1.01，满足
	far := []exchange.OrderInfo{{Price: decimal.NewFromInt(2100)}}
	if ok, _ = e.meetGridStep(context.Background(), far); !ok {
		t.Fatalf("far close order should pass")
	}

	// 最近平仓价 2030：2030/2020 < 1.01，不满足
	near := []exchange.OrderInfo{{Price: decimal.NewFromInt(2030)}, {Price: decimal.NewFromInt(2100)}}
	if ok, _ = e.meetGridStep(context.Background(), near); ok {
		t.Fatalf("near close order should block placement")
	}
}

func TestStatusCheckMismatch(t *testing.T) {
	cfg := testConfig()
	client := &mockClient{position: decimal.NewFromInt(1)}
	e := newTestEngine(t, cfg, client)

	mock := alert.NewMockChannel("test")
	e.alerts = alert.NewManager([]alert.Channel{mock}, 0)

	// 持仓 1.0，在途平仓 0.1，偏差远超 2*0.1
	closeOrders := []exchange.OrderInfo{{Size: decimal.NewFromFloat(0.1)}}
	mismatch, err := e.statusCheck(context.Background(), closeOrders)
	if err != nil {
		t.Fatalf("statusCheck: %v", err)
	}
	if !mismatch {
		t.Fatalf("expected mismatch")
	}
	if mock.Count() == 0 {
		t.Fatalf("expected critical alert")
	}

	// 偏差在容忍范围内
	client.position = decimal.NewFromFloat(0.2)
	e.lastStatusLog = time.Time{}
	mismatch, err = e.statusCheck(context.Background(), closeOrders)
	if err != nil || mismatch {
		t.Fatalf("balanced position: mismatch=%v err=%v", mismatch, err)
	}
}

func TestPlaceAndMonitorOpenFilledImmediately(t *testing.T) {
	cfg := testConfig()
	var gotQty, gotPrice decimal.Decimal
	var gotSide exchange.Side
	client := &mockClient{
		placeOpen: func() (exchange.OrderResult, error) {
			return exchange.OrderResult{
				Success: true, OrderID: "open-1", Side: exchange.SideBuy,
				Size: decimal.NewFromFloat(0.1), Price: decimal.NewFromInt(2000),
				Status: exchange.StatusFilled, FilledSize: decimal.NewFromFloat(0.1),
			}, nil
		},
		placeClose: func(quantity, price decimal.Decimal, side exchange.Side) (exchange.OrderResult, error) {
			gotQty, gotPrice, gotSide = quantity, price, side
			return exchange.OrderResult{Success: true, OrderID: "close-1", Status: exchange.StatusOpen}, nil
		},
	}
	e := newTestEngine(t, cfg, client)

	if err := e.placeAndMonitorOpen(context.Background()); err != nil {
		t.Fatalf("placeAndMonitorOpen: %v", err)
	}
	if !gotQty.Equal(decimal.NewFromFloat(0.1)) {
		t.Fatalf("close quantity = %s", gotQty)
	}
	if gotSide != exchange.SideSell {
		t.Fatalf("close side = %s", gotSide)
	}
	// 2000 * (1 + 0.02/100) = 2000.4
	if !gotPrice.Equal(decimal.NewFromFloat(2000.4)) {
		t.Fatalf("close price = %s", gotPrice)
	}

	_, opens, closes, _ := e.Stats()
	if opens != 1 || closes != 1 {
		t.Fatalf("stats opens=%d closes=%d", opens, closes)
	}
}

func TestHandleOpenResultPartialFillAfterCancel(t *testing.T) {
	cfg := testConfig()
	var closedQty decimal.Decimal
	client := &mockClient{
		// 价格已远离挂单价，轮询应立刻退出并撤单
		bbo: exchange.BBO{Bid: decimal.NewFromInt(2010), Ask: decimal.NewFromInt(2011)},
		orderInfo: func(orderID string) (*exchange.OrderInfo, error) {
			return &exchange.OrderInfo{
				OrderID: orderID, Status: exchange.StatusCanceled,
				FilledSize: decimal.NewFromFloat(0.04),
			}, nil
		},
		placeClose: func(quantity, price decimal.Decimal, side exchange.Side) (exchange.OrderResult, error) {
			closedQty = quantity
			return exchange.OrderResult{Success: true, OrderID: "close-1", Status: exchange.StatusOpen}, nil
		},
	}
	e := newTestEngine(t, cfg, client)

	res := exchange.OrderResult{
		Success: true, OrderID: "open-1", Side: exchange.SideBuy,
		Size: decimal.NewFromFloat(0.1), Price: decimal.NewFromInt(2000),
		Status: exchange.StatusOpen,
	}
	watch := newOpenWatch(res.OrderID)
	// 撤单回报先到，带回部分成交量
	watch.markCanceled(decimal.NewFromFloat(0.04))

	if err := e.handleOpenResult(context.Background(), res, watch); err != nil {
		t.Fatalf("handleOpenResult: %v", err)
	}
	if !closedQty.Equal(decimal.NewFromFloat(0.04)) {
		t.Fatalf("close placed for %s, want partial fill 0.04", closedQty)
	}
}

func TestHandleOpenResultNoFillNoClose(t *testing.T) {
	cfg := testConfig()
	closeCalled := false
	client := &mockClient{
		bbo: exchange.BBO{Bid: decimal.NewFromInt(2010), Ask: decimal.NewFromInt(2011)},
		orderInfo: func(orderID string) (*exchange.OrderInfo, error) {
			return &exchange.OrderInfo{OrderID: orderID, Status: exchange.StatusCanceled}, nil
		},
		placeClose: func(quantity, price decimal.Decimal, side exchange.Side) (exchange.OrderResult, error) {
			closeCalled = true
			return exchange.OrderResult{Success: true}, nil
		},
	}
	e := newTestEngine(t, cfg, client)

	res := exchange.OrderResult{
		Success: true, OrderID: "open-1", Side: exchange.SideBuy,
		Size: decimal.NewFromFloat(0.1), Price: decimal.NewFromInt(2000),
		Status: exchange.StatusOpen,
	}
	watch := newOpenWatch(res.OrderID)
	watch.markCanceled(decimal.Zero)

	if err := e.handleOpenResult(context.Background(), res, watch); err != nil {
		t.Fatalf("handleOpenResult: %v", err)
	}
	if closeCalled {
		t.Fatalf("no fill must not place a close order")
	}
}
