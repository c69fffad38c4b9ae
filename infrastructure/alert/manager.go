package alert

import (
	"fmt"
	"sync"
	"time"
)

// Level 告警级别
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Alert 告警信息
type Alert struct {
	Level     Level
	Message   string
	Timestamp time.Time
	Fields    map[string]interface{}
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Throttler 告警限流器，同一 key 在间隔内只放行一次
type Throttler struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
	interval time.Duration
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
	}
}

// Allow 检查是否允许发送
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	last, ok := t.lastSent[key]
	if !ok || now.Sub(last) >= t.interval {
		t.lastSent[key] = now
		return true
	}
	return false
}

// Clear 清空限流记录
func (t *Throttler) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = make(map[string]time.Time)
}

// Manager 告警管理器，把告警扇出到所有通道
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	throttle *Throttler
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	if throttleInterval <= 0 {
		throttleInterval = 5 * time.Minute
	}
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
	}
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// Send 发送告警。同级别同消息的告警受限流约束；
// 所有通道都失败时返回最后一个错误。
func (m *Manager) Send(a Alert) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	key := fmt.Sprintf("%s:%s", a.Level, a.Message)
	if !m.throttle.Allow(key) {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	sent := 0
	for _, ch := range m.channels {
		if err := ch.Send(a); err != nil {
			lastErr = fmt.Errorf("channel %s: %w", ch.Name(), err)
		} else {
			sent++
		}
	}
	if sent == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// Warning 发送 WARNING 级别告警
func (m *Manager) Warning(message string, fields map[string]interface{}) error {
	return m.Send(Alert{Level: LevelWarning, Message: message, Fields: fields})
}

// Critical 发送 CRITICAL 级别告警，用于仓位不一致、触发止损等需要人工介入的场景
func (m *Manager) Critical(message string, fields map[string]interface{}) error {
	return m.Send(Alert{Level: LevelCritical, Message: message, Fields: fields})
}

// ResetThrottle 重置限流器
func (m *Manager) ResetThrottle() {
	m.throttle.Clear()
}
