package exchange

import "github.com/shopspring/decimal"

// RoundToTick 把价格对齐到最小报价单位的整数倍（四舍五入）。
// tick 非正时原样返回。对齐后的价格再次对齐结果不变。
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	steps := price.Div(tick).Round(0)
	return steps.Mul(tick)
}

// AlignedToTick 判断价格是否已对齐到 tick 网格。
func AlignedToTick(price, tick decimal.Decimal) bool {
	if !tick.IsPositive() {
		return true
	}
	return price.Mod(tick).IsZero()
}
