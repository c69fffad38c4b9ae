package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// fakeSubmitter 逐次返回脚本化的提交结果。
type fakeSubmitter struct {
	bbo        BBO
	bboErr     error
	results    []OrderResult
	submitted  []decimal.Decimal
	sides      []Side
	active     int
	activeErr  error
	auditCalls int
}

func (f *fakeSubmitter) FetchBBOPrices(ctx context.Context, contractID string) (BBO, error) {
	return f.bbo, f.bboErr
}

func (f *fakeSubmitter) SubmitPostOnly(ctx context.Context, contractID string, quantity, price decimal.Decimal, side Side) (OrderResult, error) {
	f.submitted = append(f.submitted, price)
	f.sides = append(f.sides, side)
	if len(f.results) == 0 {
		return OrderResult{Status: StatusOpen, OrderID: "ord"}, nil
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res, nil
}

func (f *fakeSubmitter) ActiveOrderCount(ctx context.Context, contractID string, side Side) (int, error) {
	f.auditCalls++
	return f.active, f.activeErr
}

func testMaker() MakerStrategy {
	return MakerStrategy{Tick: d("0.01"), MaxAttempts: 20, Pause: time.Millisecond}
}

func TestPlaceOpenAccepted(t *testing.T) {
	sub := &fakeSubmitter{bbo: BBO{Bid: d("1999.99"), Ask: d("2000.01")}}
	res, err := testMaker().PlaceOpen(context.Background(), sub, "ETH-PERP", d("0.1"), SideBuy)
	if err != nil {
		t.Fatalf("PlaceOpen: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success: %+v", res)
	}
	if !res.Price.Equal(d("2000.00")) {
		t.Fatalf("price = %s, want ask-tick 2000.00", res.Price)
	}
	if res.Side != SideBuy || !res.Size.Equal(d("0.1")) {
		t.Fatalf("result = %+v", res)
	}
}

func TestPlaceOpenRetriesOnRejection(t *testing.T) {
	sub := &fakeSubmitter{
		bbo: BBO{Bid: d("1999.99"), Ask: d("2000.01")},
		results: []OrderResult{
			{Status: StatusRejected},
			{Status: StatusExpired},
			{Status: StatusOpen, OrderID: "ord-3"},
		},
	}
	res, err := testMaker().PlaceOpen(context.Background(), sub, "ETH-PERP", d("0.1"), SideBuy)
	if err != nil {
		t.Fatalf("PlaceOpen: %v", err)
	}
	if res.OrderID != "ord-3" {
		t.Fatalf("expected third attempt to win, got %+v", res)
	}
	if len(sub.submitted) != 3 {
		t.Fatalf("submitted %d times, want 3", len(sub.submitted))
	}
}

func TestPlaceOpenInvalidBBO(t *testing.T) {
	sub := &fakeSubmitter{bbo: BBO{Bid: d("2000"), Ask: d("2000")}}
	res, err := testMaker().PlaceOpen(context.Background(), sub, "ETH-PERP", d("0.1"), SideBuy)
	// 盘口不可用不是程序错误：Failure 结果 + nil error
	if err != nil {
		t.Fatalf("invalid bbo should not be an error, got %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure result")
	}
	if len(sub.submitted) != 0 {
		t.Fatalf("must not submit against an invalid book")
	}
}

func TestPlaceOpenAuditAbnormal(t *testing.T) {
	rejects := make([]OrderResult, 10)
	for i := range rejects {
		rejects[i] = OrderResult{Status: StatusRejected}
	}
	sub := &fakeSubmitter{
		bbo:     BBO{Bid: d("1999.99"), Ask: d("2000.01")},
		results: rejects,
		active:  3, // 审计时发现异常多的活跃开仓单
	}
	_, err := testMaker().PlaceOpen(context.Background(), sub, "ETH-PERP", d("0.1"), SideBuy)
	if err == nil {
		t.Fatalf("abnormal active order count must abort the loop")
	}
	if sub.auditCalls == 0 {
		t.Fatalf("audit was never performed")
	}
}

func TestPlaceOpenAttemptsExhausted(t *testing.T) {
	rejects := make([]OrderResult, 30)
	for i := range rejects {
		rejects[i] = OrderResult{Status: StatusRejected}
	}
	sub := &fakeSubmitter{
		bbo:     BBO{Bid: d("1999.99"), Ask: d("2000.01")},
		results: rejects,
	}
	m := testMaker()
	m.MaxAttempts = 4 // 不触发审计
	_, err := m.PlaceOpen(context.Background(), sub, "ETH-PERP", d("0.1"), SideBuy)
	if err == nil {
		t.Fatalf("expected attempts-exhausted error")
	}
}

func TestPlaceCloseClampsStaleTarget(t *testing.T) {
	sub := &fakeSubmitter{bbo: BBO{Bid: d("2000.00"), Ask: d("2000.02")}}
	res, err := testMaker().PlaceClose(context.Background(), sub, "ETH-PERP", d("0.1"), d("1999.00"), SideSell)
	if err != nil {
		t.Fatalf("PlaceClose: %v", err)
	}
	// 目标价已低于买一，应替换为 bid+tick
	if !res.Price.Equal(d("2000.01")) {
		t.Fatalf("clamped price = %s, want 2000.01", res.Price)
	}
}

func TestPlaceCloseKeepsFreshTarget(t *testing.T) {
	sub := &fakeSubmitter{bbo: BBO{Bid: d("2000.00"), Ask: d("2000.02")}}
	res, err := testMaker().PlaceClose(context.Background(), sub, "ETH-PERP", d("0.1"), d("2040.00"), SideSell)
	if err != nil {
		t.Fatalf("PlaceClose: %v", err)
	}
	if !res.Price.Equal(d("2040.00")) {
		t.Fatalf("fresh target rewritten to %s", res.Price)
	}
}

func TestPlaceCloseContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sub := &fakeSubmitter{bbo: BBO{Bid: d("2000.00"), Ask: d("2000.02")}}
	_, err := testMaker().PlaceClose(ctx, sub, "ETH-PERP", d("0.1"), d("2040.00"), SideSell)
	if err == nil {
		t.Fatalf("canceled context must abort")
	}
}
