package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MakerOpenPrice 计算开仓单的 maker 安全价：买单贴在卖一下方一个 tick，
// 卖单贴在买一上方一个 tick，保证不吃掉对手盘。
func MakerOpenPrice(direction Side, bbo BBO, tick decimal.Decimal) (decimal.Decimal, error) {
	if !bbo.Valid() {
		return decimal.Zero, fmt.Errorf("invalid bid/ask prices: bid=%s ask=%s", bbo.Bid, bbo.Ask)
	}
	var price decimal.Decimal
	switch direction {
	case SideBuy:
		price = bbo.Ask.Sub(tick)
	case SideSell:
		price = bbo.Bid.Add(tick)
	default:
		return decimal.Zero, fmt.Errorf("invalid direction: %s", direction)
	}
	return RoundToTick(price, tick), nil
}

// ClampClosePrice 平仓单的非对称价格保护：调用方给出的目标价相对实时盘口
// 已经过期时替换为贴盘价，否则原价提交。
//   - 卖单目标价 <= 买一：替换为 买一 + tick
//   - 买单目标价 >= 卖一：替换为 卖一 - tick
//
// 该规则刻意不对称，防止目标价失效后意外变成 taker 成交；不要“简化”成对称版本。
func ClampClosePrice(side Side, target decimal.Decimal, bbo BBO, tick decimal.Decimal) (decimal.Decimal, error) {
	if !bbo.Valid() {
		return decimal.Zero, fmt.Errorf("invalid bid/ask prices: bid=%s ask=%s", bbo.Bid, bbo.Ask)
	}
	if !side.Valid() {
		return decimal.Zero, fmt.Errorf("invalid side: %s", side)
	}
	adjusted := target
	if side == SideSell && target.LessThanOrEqual(bbo.Bid) {
		adjusted = bbo.Bid.Add(tick)
	} else if side == SideBuy && target.GreaterThanOrEqual(bbo.Ask) {
		adjusted = bbo.Ask.Sub(tick)
	}
	return RoundToTick(adjusted, tick), nil
}
