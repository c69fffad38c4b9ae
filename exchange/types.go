package exchange

import (
	"github.com/shopspring/decimal"
)

// Side 订单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite 返回相反方向（开仓方向 -> 平仓方向）。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid 判断方向是否合法。
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Status 订单状态，各交易所的原始状态在 adapter 边界统一映射到该集合。
type Status string

const (
	StatusPending   Status = "PENDING"   // 本地已提交，交易所尚未确认
	StatusOpen      Status = "OPEN"      // 交易所已挂单
	StatusPartial   Status = "PARTIALLY_FILLED"
	StatusFilled    Status = "FILLED"
	StatusCanceled  Status = "CANCELED"
	StatusRejected  Status = "REJECTED"
	StatusExpired   Status = "EXPIRED"
)

// IsTerminal 终态订单不再接受任何状态迁移。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// OrderResult 下单/撤单等变更操作的统一结果。
// 约束：Success=false 时必须携带 ErrorMessage；OrderID 仅在交易所接受订单后设置。
type OrderResult struct {
	Success      bool
	OrderID      string
	Side         Side
	Size         decimal.Decimal
	Price        decimal.Decimal
	Status       Status
	FilledSize   decimal.Decimal
	ErrorMessage string
}

// Failure 构造失败结果。
func Failure(msg string) OrderResult {
	return OrderResult{Success: false, ErrorMessage: msg}
}

// OrderInfo 订单的某一时刻快照。
// 约束：FilledSize + RemainingSize <= Size；终态 FILLED 时 RemainingSize 为 0。
type OrderInfo struct {
	OrderID       string
	Side          Side
	Size          decimal.Decimal
	Price         decimal.Decimal
	Status        Status
	FilledSize    decimal.Decimal
	RemainingSize decimal.Decimal
	CancelReason  string
}

// Contract 合约属性，每个 ticker 每次会话只解析一次，TickSize 会话内不变。
type Contract struct {
	ContractID string
	TickSize   decimal.Decimal
}

// BBO 盘口最优买卖价。
type BBO struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Valid 盘口数据可用：双边价格为正且未交叉。
func (b BBO) Valid() bool {
	return b.Bid.IsPositive() && b.Ask.IsPositive() && b.Bid.LessThan(b.Ask)
}

// OrderType 区分开仓/平仓回报，由 adapter 根据方向推断。
type OrderType string

const (
	OrderTypeOpen  OrderType = "OPEN"
	OrderTypeClose OrderType = "CLOSE"
)

// OrderUpdate WebSocket 推送的订单事件，已在 adapter 边界归一化。
type OrderUpdate struct {
	OrderID    string
	ContractID string
	Side       Side
	OrderType  OrderType
	Status     Status
	Size       decimal.Decimal
	Price      decimal.Decimal
	FilledSize decimal.Decimal
}
