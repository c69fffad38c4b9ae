package config

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// disabled 表示价格开关关闭的哨兵值。
var disabled = decimal.NewFromInt(-1)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	t := cfg.Trading
	if t.Exchange == "" {
		return ErrInvalid("trading.exchange is required")
	}
	if t.Ticker == "" {
		return ErrInvalid("trading.ticker is required")
	}
	if !t.Quantity.IsPositive() {
		return ErrInvalid("trading.quantity must be > 0")
	}
	if !t.Direction.Valid() {
		return ErrInvalid(fmt.Sprintf("trading.direction must be buy or sell, got %q", t.Direction))
	}
	if t.MaxOrders <= 0 {
		return ErrInvalid("trading.maxOrders must be > 0")
	}
	if t.WaitTime <= 0 {
		return ErrInvalid("trading.waitTime must be > 0")
	}
	if !t.TakeProfit.IsPositive() {
		return ErrInvalid("trading.takeProfit must be > 0")
	}
	// stopPrice/pausePrice 允许 -1（关闭），但不允许 0 或其它非正值
	if !t.StopPrice.IsPositive() && !t.StopPrice.Equal(disabled) {
		return ErrInvalid("trading.stopPrice must be > 0 or -1 to disable")
	}
	if !t.PausePrice.IsPositive() && !t.PausePrice.Equal(disabled) {
		return ErrInvalid("trading.pausePrice must be > 0 or -1 to disable")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return ErrInvalid("metrics.addr is required when metrics.enabled")
	}
	return nil
}
