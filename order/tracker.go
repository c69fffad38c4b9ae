package order

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-trader-go/exchange"
	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/metrics"
)

// Outcome 单个订单事件的处理结果。
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"   // 状态/成交量发生变化
	OutcomeDuplicate Outcome = "duplicate" // 重复投递，无变化
	OutcomeStale     Outcome = "stale"     // 乱序旧事件（状态回退或成交量倒退）
	OutcomeTerminal  Outcome = "terminal"  // 订单已终态，事件忽略
	OutcomeUnknown   Outcome = "unknown"   // 非本进程下的订单，丢弃
)

// DefaultRetention 终态订单保留时长，必须大于 REST/WS 传播延迟的上限。
const DefaultRetention = 60 * time.Second

// Tracker 订单生命周期跟踪器，唯一持有本进程已下订单 orderID -> OrderInfo
// 的权威映射。REST 响应与 WebSocket 推送统一经转换表对账，不做 last-write-wins。
//
// 并发模型：同一 orderID 的事件串行（每单独立互斥锁），不同 orderID 并行。
type Tracker struct {
	sm        *StateMachine
	log       *logger.Logger
	fills     *FillHistory
	retention time.Duration

	mu      sync.RWMutex
	entries map[string]*trackedOrder

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type trackedOrder struct {
	mu         sync.Mutex
	info       exchange.OrderInfo
	orderType  exchange.OrderType
	terminalAt time.Time // 终态进入时间，零值表示仍活跃
}

// NewTracker 创建跟踪器。retention <= 0 时使用 DefaultRetention。
func NewTracker(log *logger.Logger, retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		sm:        NewStateMachine(),
		log:       log,
		fills:     NewFillHistory(256, 5*time.Minute),
		retention: retention,
		entries:   make(map[string]*trackedOrder),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start 启动终态订单的后台清理循环。
func (t *Tracker) Start(ctx context.Context) {
	go func() {
		defer close(t.doneCh)
		ticker := time.NewTicker(t.retention / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			case <-ticker.C:
				t.evictExpired()
			}
		}
	}()
}

// Stop 停止清理循环。
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	<-t.doneCh
}

// Track 登记一笔本进程刚提交的订单。状态为空时按 PENDING 处理。
// 同一 orderID 重复登记是幂等的。
func (t *Tracker) Track(res exchange.OrderResult, orderType exchange.OrderType) {
	if !res.Success || res.OrderID == "" {
		return
	}
	status := res.Status
	if status == "" {
		status = exchange.StatusPending
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[res.OrderID]; ok {
		return
	}
	entry := &trackedOrder{
		info: exchange.OrderInfo{
			OrderID:       res.OrderID,
			Side:          res.Side,
			Size:          res.Size,
			Price:         res.Price,
			Status:        status,
			FilledSize:    res.FilledSize,
			RemainingSize: res.Size.Sub(res.FilledSize),
		},
		orderType: orderType,
	}
	if status.IsTerminal() {
		entry.terminalAt = time.Now()
	}
	t.entries[res.OrderID] = entry
}

// Apply 应用一条订单事件（WS 推送或 REST 快照），返回处理结果与
// 应用后的订单快照。事件允许乱序、重复到达：
//   - FilledSize 只接受单调不减的更新；
//   - 终态订单忽略一切后续事件；
//   - 未知 orderID 记录日志后丢弃（可能属于其它会话）。
func (t *Tracker) Apply(u exchange.OrderUpdate) (exchange.OrderInfo, Outcome) {
	t.mu.RLock()
	entry, ok := t.entries[u.OrderID]
	t.mu.RUnlock()
	if !ok {
		if t.log != nil {
			t.log.Debug("order update for unknown order dropped",
				zap.String("order_id", u.OrderID), zap.String("status", string(u.Status)))
		}
		metrics.TrackerEvents.WithLabelValues(string(OutcomeUnknown)).Inc()
		return exchange.OrderInfo{}, OutcomeUnknown
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	outcome := t.applyLocked(entry, u)
	metrics.TrackerEvents.WithLabelValues(string(outcome)).Inc()
	if outcome == OutcomeApplied && entry.info.Status.IsTerminal() && entry.terminalAt.IsZero() {
		entry.terminalAt = time.Now()
	}
	return entry.info, outcome
}

func (t *Tracker) applyLocked(entry *trackedOrder, u exchange.OrderUpdate) Outcome {
	info := &entry.info

	if info.Status.IsTerminal() {
		return OutcomeTerminal
	}
	if u.FilledSize.LessThan(info.FilledSize) {
		// 成交量倒退只可能是乱序旧事件
		return OutcomeStale
	}
	if err := t.sm.ValidateTransition(info.Status, u.Status); err != nil {
		if t.log != nil {
			t.log.Debug("stale order update ignored",
				zap.String("order_id", u.OrderID),
				zap.String("from", string(info.Status)),
				zap.String("to", string(u.Status)))
		}
		return OutcomeStale
	}
	if u.Status == info.Status && u.FilledSize.Equal(info.FilledSize) {
		return OutcomeDuplicate
	}

	prevFilled := info.FilledSize
	info.Status = u.Status
	info.FilledSize = u.FilledSize
	if u.Size.IsPositive() {
		info.Size = u.Size
	}
	if u.Price.IsPositive() {
		info.Price = u.Price
	}
	if info.Status == exchange.StatusFilled {
		info.FilledSize = info.Size
	}
	info.RemainingSize = info.Size.Sub(info.FilledSize)
	if info.RemainingSize.IsNegative() {
		info.RemainingSize = decimal.Zero
	}

	if info.FilledSize.GreaterThan(prevFilled) {
		t.fills.Record(u.OrderID, info.Side, info.Price, info.FilledSize.Sub(prevFilled))
	}
	return OutcomeApplied
}

// ApplySnapshot 用 REST 查询到的订单快照对账，等价于一条订单事件。
func (t *Tracker) ApplySnapshot(info exchange.OrderInfo) (exchange.OrderInfo, Outcome) {
	return t.Apply(exchange.OrderUpdate{
		OrderID:    info.OrderID,
		Side:       info.Side,
		Status:     info.Status,
		Size:       info.Size,
		Price:      info.Price,
		FilledSize: info.FilledSize,
	})
}

// Get 返回订单当前快照。
func (t *Tracker) Get(orderID string) (exchange.OrderInfo, bool) {
	t.mu.RLock()
	entry, ok := t.entries[orderID]
	t.mu.RUnlock()
	if !ok {
		return exchange.OrderInfo{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.info, true
}

// OrderType 返回登记时记录的订单类型（开仓/平仓）。
func (t *Tracker) OrderType(orderID string) (exchange.OrderType, bool) {
	t.mu.RLock()
	entry, ok := t.entries[orderID]
	t.mu.RUnlock()
	if !ok {
		return "", false
	}
	return entry.orderType, true
}

// Active 返回所有未进入终态的订单快照。
func (t *Tracker) Active() []exchange.OrderInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []exchange.OrderInfo
	for _, entry := range t.entries {
		entry.mu.Lock()
		if !entry.info.Status.IsTerminal() {
			out = append(out, entry.info)
		}
		entry.mu.Unlock()
	}
	return out
}

// Fills 返回成交历史。
func (t *Tracker) Fills() *FillHistory {
	return t.fills
}

// Len 当前跟踪的订单数（含待清理的终态订单）。
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// evictExpired 清理超过保留期的终态订单。
func (t *Tracker) evictExpired() {
	cutoff := time.Now().Add(-t.retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, entry := range t.entries {
		entry.mu.Lock()
		expired := !entry.terminalAt.IsZero() && entry.terminalAt.Before(cutoff)
		entry.mu.Unlock()
		if expired {
			delete(t.entries, id)
		}
	}
}
