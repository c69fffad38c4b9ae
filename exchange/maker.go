package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-trader-go/infrastructure/logger"
)

// PostOnlySubmitter venue 提交 post-only 限价单的最小能力集，
// 供 MakerStrategy 驱动下单循环。
type PostOnlySubmitter interface {
	FetchBBOPrices(ctx context.Context, contractID string) (BBO, error)
	// SubmitPostOnly 提交一笔 post-only 限价单并等待交易所确认到
	// 非 PENDING 状态。被动成交保护拒单时返回 REJECTED/EXPIRED 结果而非 error。
	SubmitPostOnly(ctx context.Context, contractID string, quantity, price decimal.Decimal, side Side) (OrderResult, error)
	// ActiveOrderCount 统计指定方向的活跃订单数。
	ActiveOrderCount(ctx context.Context, contractID string, side Side) (int, error)
}

// MakerStrategy 以 maker 安全价反复尝试挂单，直到交易所接受。
// post-only 保护拒单说明盘口已移动，重新取价重试；
// 每 5 次尝试核对一次活跃订单数，异常增长立即报错而不是继续下单。
type MakerStrategy struct {
	Tick        decimal.Decimal
	Log         *logger.Logger
	MaxAttempts int           // <=0 表示只受 ctx 约束
	Pause       time.Duration // 两次尝试之间的间隔
}

const auditEvery = 5

func (m MakerStrategy) pause(ctx context.Context) error {
	d := m.Pause
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PlaceOpen 开仓：每次尝试都重新取盘口并按 MakerOpenPrice 定价。
func (m MakerStrategy) PlaceOpen(ctx context.Context, s PostOnlySubmitter, contractID string, quantity decimal.Decimal, direction Side) (OrderResult, error) {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return Failure(err.Error()), err
		}
		attempt++
		if m.MaxAttempts > 0 && attempt > m.MaxAttempts {
			return Failure("open order attempts exhausted"), fmt.Errorf("open order not accepted after %d attempts", m.MaxAttempts)
		}
		if attempt%auditEvery == 0 {
			if m.Log != nil {
				m.Log.Info("open order retry", zap.Int("attempt", attempt))
			}
			n, err := s.ActiveOrderCount(ctx, contractID, direction)
			if err == nil && n > 1 {
				return Failure("active open orders abnormal"), fmt.Errorf("active open orders abnormal: %d", n)
			}
		}

		bbo, err := s.FetchBBOPrices(ctx, contractID)
		if err != nil {
			if m.Log != nil {
				m.Log.Warn("fetch bbo failed", zap.Error(err))
			}
			if err := m.pause(ctx); err != nil {
				return Failure(err.Error()), err
			}
			continue
		}
		if !bbo.Valid() {
			return Failure("invalid bid/ask prices"), nil
		}

		price, err := MakerOpenPrice(direction, bbo, m.Tick)
		if err != nil {
			return Failure(err.Error()), err
		}

		res, err := s.SubmitPostOnly(ctx, contractID, quantity, price, direction)
		if err != nil {
			if m.Log != nil {
				m.Log.Warn("open order submit failed", zap.Error(err))
			}
			if err := m.pause(ctx); err != nil {
				return Failure(err.Error()), err
			}
			continue
		}
		switch res.Status {
		case StatusRejected, StatusExpired:
			// post-only 保护拒单，价格已过期
			continue
		case StatusOpen, StatusFilled, StatusPartial:
			res.Success = true
			res.Side = direction
			res.Size = quantity
			res.Price = price
			return res, nil
		default:
			return Failure(fmt.Sprintf("unexpected order status: %s", res.Status)),
				fmt.Errorf("unexpected order status after submit: %s", res.Status)
		}
	}
}

// PlaceClose 平仓：目标价过期时做非对称钳制，绝不穿越盘口吃单。
func (m MakerStrategy) PlaceClose(ctx context.Context, s PostOnlySubmitter, contractID string, quantity, price decimal.Decimal, side Side) (OrderResult, error) {
	baseline, err := s.ActiveOrderCount(ctx, contractID, side)
	if err != nil {
		baseline = -1 // 基线不可得时跳过审计
	}
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return Failure(err.Error()), err
		}
		attempt++
		if m.MaxAttempts > 0 && attempt > m.MaxAttempts {
			return Failure("close order attempts exhausted"), fmt.Errorf("close order not accepted after %d attempts", m.MaxAttempts)
		}
		if attempt%auditEvery == 0 && baseline >= 0 {
			if m.Log != nil {
				m.Log.Info("close order retry", zap.Int("attempt", attempt))
			}
			current, err := s.ActiveOrderCount(ctx, contractID, side)
			if err == nil {
				if current-baseline > 1 {
					return Failure("active close orders abnormal"),
						fmt.Errorf("active close orders abnormal: baseline=%d current=%d", baseline, current)
				}
				baseline = current
			}
		}

		bbo, err := s.FetchBBOPrices(ctx, contractID)
		if err != nil {
			if m.Log != nil {
				m.Log.Warn("fetch bbo failed", zap.Error(err))
			}
			if err := m.pause(ctx); err != nil {
				return Failure(err.Error()), err
			}
			continue
		}
		if !bbo.Valid() {
			return Failure("invalid bid/ask prices"), nil
		}

		adjusted, err := ClampClosePrice(side, price, bbo, m.Tick)
		if err != nil {
			return Failure(err.Error()), err
		}

		res, err := s.SubmitPostOnly(ctx, contractID, quantity, adjusted, side)
		if err != nil {
			if m.Log != nil {
				m.Log.Warn("close order submit failed", zap.Error(err))
			}
			if err := m.pause(ctx); err != nil {
				return Failure(err.Error()), err
			}
			continue
		}
		switch res.Status {
		case StatusRejected, StatusExpired:
			continue
		case StatusOpen, StatusFilled, StatusPartial:
			res.Success = true
			res.Side = side
			res.Size = quantity
			res.Price = adjusted
			return res, nil
		default:
			return Failure(fmt.Sprintf("unexpected order status: %s", res.Status)),
				fmt.Errorf("unexpected order status after submit: %s", res.Status)
		}
	}
}
