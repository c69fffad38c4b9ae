package order

import (
	"fmt"

	"grid-trader-go/exchange"
)

// StateTransition 状态转换
type StateTransition struct {
	From exchange.Status
	To   exchange.Status
}

// StateMachine 订单状态机。转换表固定，构造后只读。
type StateMachine struct {
	transitions map[StateTransition]bool
}

// NewStateMachine 创建状态机并装载所有合法转换。
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	sm.initializeTransitions()
	return sm
}

func (sm *StateMachine) initializeTransitions() {
	legal := []StateTransition{
		// PENDING：本地提交成功后的初始状态。推送可能先于确认到达，
		// 因此允许直接跳到任意后继状态。
		{exchange.StatusPending, exchange.StatusOpen},
		{exchange.StatusPending, exchange.StatusPartial},
		{exchange.StatusPending, exchange.StatusFilled},
		{exchange.StatusPending, exchange.StatusCanceled},
		{exchange.StatusPending, exchange.StatusRejected},
		{exchange.StatusPending, exchange.StatusExpired},

		// OPEN
		{exchange.StatusOpen, exchange.StatusPartial},
		{exchange.StatusOpen, exchange.StatusFilled},
		{exchange.StatusOpen, exchange.StatusCanceled},
		{exchange.StatusOpen, exchange.StatusExpired},

		// PARTIALLY_FILLED（多次部分成交自转换由 ValidateTransition 的
		// 幂等分支覆盖）
		{exchange.StatusPartial, exchange.StatusFilled},
		{exchange.StatusPartial, exchange.StatusCanceled},
		{exchange.StatusPartial, exchange.StatusExpired},

		// 终态（FILLED/CANCELED/REJECTED/EXPIRED）没有出边
	}
	for _, t := range legal {
		sm.transitions[t] = true
	}
}

// ValidateTransition 验证状态转换是否合法。相同状态视为幂等允许。
func (sm *StateMachine) ValidateTransition(from, to exchange.Status) error {
	if from == to {
		return nil
	}
	if !sm.transitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("illegal state transition: %s -> %s", from, to)
	}
	return nil
}

// AllowedTransitions 返回当前状态所有合法的目标状态。
func (sm *StateMachine) AllowedTransitions(current exchange.Status) []exchange.Status {
	allowed := make([]exchange.Status, 0)
	for t := range sm.transitions {
		if t.From == current {
			allowed = append(allowed, t.To)
		}
	}
	return allowed
}

// CanCancel 判断当前状态下是否可以撤单。
func (sm *StateMachine) CanCancel(status exchange.Status) bool {
	switch status {
	case exchange.StatusPending, exchange.StatusOpen, exchange.StatusPartial:
		return true
	default:
		return false
	}
}
