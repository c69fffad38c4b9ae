package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"grid-trader-go/infrastructure/logger"
)

// LoggerChannel 把告警写入结构化日志
type LoggerChannel struct {
	log  *logger.Logger
	name string
}

// NewLoggerChannel 创建日志告警通道
func NewLoggerChannel(name string, log *logger.Logger) *LoggerChannel {
	return &LoggerChannel{log: log, name: name}
}

func (c *LoggerChannel) Send(a Alert) error {
	fields := []zap.Field{zap.String("level", string(a.Level))}
	for k, v := range a.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch a.Level {
	case LevelError, LevelCritical:
		c.log.Error("ALERT: "+a.Message, fields...)
	case LevelWarning:
		c.log.Warn("ALERT: "+a.Message, fields...)
	default:
		c.log.Info("ALERT: "+a.Message, fields...)
	}
	return nil
}

func (c *LoggerChannel) Name() string { return c.name }

// WebhookChannel 把告警 POST 到外部 webhook（飞书/Slack 兼容的 JSON 体）
type WebhookChannel struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookChannel 创建 webhook 告警通道
func NewWebhookChannel(name, url string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookChannel{name: name, url: url, client: client}
}

func (c *WebhookChannel) Send(a Alert) error {
	payload := map[string]interface{}{
		"level":     string(a.Level),
		"message":   a.Message,
		"timestamp": a.Timestamp.Format(time.RFC3339),
		"fields":    a.Fields,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	resp, err := c.client.Post(c.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

func (c *WebhookChannel) Name() string { return c.name }

// MockChannel 模拟告警通道（用于测试）
type MockChannel struct {
	name      string
	alerts    []Alert
	shouldErr bool
}

// NewMockChannel 创建模拟告警通道
func NewMockChannel(name string) *MockChannel {
	return &MockChannel{name: name}
}

func (c *MockChannel) Send(a Alert) error {
	if c.shouldErr {
		return fmt.Errorf("mock error")
	}
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *MockChannel) Name() string { return c.name }

// Alerts 获取接收到的告警
func (c *MockChannel) Alerts() []Alert { return c.alerts }

// Count 返回接收到的告警数量
func (c *MockChannel) Count() int { return len(c.alerts) }

// SetShouldError 设置是否返回错误
func (c *MockChannel) SetShouldError(v bool) { c.shouldErr = v }
