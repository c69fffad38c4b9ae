package edgex

import (
	"encoding/json"

	"go.uber.org/zap"

	"grid-trader-go/exchange"
)

// 私有 WS 连接建立即推送本账户事件，无需显式订阅。
type wsEvent struct {
	Type    string    `json:"type"`
	Content orderResp `json:"content"`
}

func (c *Client) onWSMessage(raw []byte) {
	var event wsEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		c.log.Debug("drop unparsable ws message", zap.Error(err))
		return
	}
	if event.Type != "ORDER_UPDATE" {
		return
	}

	c.contractMu.RLock()
	contractID := c.contract.ContractID
	c.contractMu.RUnlock()
	if event.Content.ContractID != contractID {
		return
	}

	info := event.Content.toInfo()
	orderType := exchange.OrderTypeOpen
	if info.Side == c.opts.CloseSide() {
		orderType = exchange.OrderTypeClose
	}

	c.handlerMu.RLock()
	handler := c.handler
	c.handlerMu.RUnlock()
	if handler == nil {
		return
	}
	handler(exchange.OrderUpdate{
		OrderID:    info.OrderID,
		ContractID: event.Content.ContractID,
		Side:       info.Side,
		OrderType:  orderType,
		Status:     info.Status,
		Size:       info.Size,
		Price:      info.Price,
		FilledSize: info.FilledSize,
	})
}
