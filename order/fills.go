package order

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"grid-trader-go/exchange"
)

// FillEvent 一笔增量成交
type FillEvent struct {
	OrderID   string
	Side      exchange.Side
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Timestamp time.Time
}

// FillHistory 滑动窗口成交历史，供策略判断近期成交节奏
type FillHistory struct {
	mu sync.RWMutex

	recent     []FillEvent
	maxHistory int
	windowSize time.Duration

	totalFills  int
	totalVolume decimal.Decimal
}

// NewFillHistory 创建成交历史
func NewFillHistory(maxHistory int, windowSize time.Duration) *FillHistory {
	if maxHistory <= 0 {
		maxHistory = 100
	}
	if windowSize <= 0 {
		windowSize = 5 * time.Minute
	}
	return &FillHistory{
		recent:     make([]FillEvent, 0, maxHistory),
		maxHistory: maxHistory,
		windowSize: windowSize,
	}
}

// Record 记录一笔增量成交
func (f *FillHistory) Record(orderID string, side exchange.Side, price, quantity decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.recent = append(f.recent, FillEvent{
		OrderID:   orderID,
		Side:      side,
		Price:     price,
		Quantity:  quantity,
		Timestamp: time.Now(),
	})
	f.totalFills++
	f.totalVolume = f.totalVolume.Add(quantity)

	f.trimLocked()
}

// trimLocked 清理窗口外与超量的记录
func (f *FillHistory) trimLocked() {
	cutoff := time.Now().Add(-f.windowSize)
	start := 0
	for start < len(f.recent) && !f.recent[start].Timestamp.After(cutoff) {
		start++
	}
	if start > 0 {
		f.recent = f.recent[start:]
	}
	if len(f.recent) > f.maxHistory {
		f.recent = f.recent[len(f.recent)-f.maxHistory:]
	}
}

// Recent 返回指定时段内的成交（只读副本）
func (f *FillHistory) Recent(d time.Duration) []FillEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()

	cutoff := time.Now().Add(-d)
	var out []FillEvent
	for _, fe := range f.recent {
		if fe.Timestamp.After(cutoff) {
			out = append(out, fe)
		}
	}
	return out
}

// RatePerMinute 窗口内每分钟成交笔数
func (f *FillHistory) RatePerMinute() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	minutes := f.windowSize.Minutes()
	if minutes <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-f.windowSize)
	count := 0
	for _, fe := range f.recent {
		if fe.Timestamp.After(cutoff) {
			count++
		}
	}
	return float64(count) / minutes
}

// TotalFills 累计成交笔数
func (f *FillHistory) TotalFills() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.totalFills
}

// TotalVolume 累计成交量
func (f *FillHistory) TotalVolume() decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.totalVolume
}

// Reset 清空历史
func (f *FillHistory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recent = f.recent[:0]
	f.totalFills = 0
	f.totalVolume = decimal.Zero
}
