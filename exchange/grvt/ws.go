package grvt

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-trader-go/exchange"
)

// subscribeOrders 连接（或重连）后订阅本合约的订单流。
func (c *Client) subscribeOrders(ctx context.Context) {
	c.contractMu.RLock()
	instrument := c.contract.ContractID
	c.contractMu.RUnlock()
	if instrument == "" {
		return
	}

	sub, _ := json.Marshal(map[string]interface{}{
		"request_id": 1,
		"stream":     "v1.order",
		"feed":       []string{instrument},
		"method":     "subscribe",
		"is_full":    true,
	})
	if !c.ws.Send(sub) {
		c.log.Warn("order stream subscribe failed", zap.String("instrument", instrument))
	}
}

// onWSMessage 处理订单流推送。非 feed 消息（订阅确认、心跳）只记日志。
func (c *Client) onWSMessage(raw []byte) {
	var msg struct {
		Feed   *orderPayload `json:"feed"`
		Method string        `json:"method"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Debug("ws message decode failed", zap.Error(err))
		return
	}
	if msg.Feed == nil {
		c.log.Debug("ws message ignored", zap.String("method", msg.Method))
		return
	}
	if len(msg.Feed.Legs) == 0 {
		return
	}

	c.contractMu.RLock()
	instrument := c.contract.ContractID
	c.contractMu.RUnlock()
	if instrument != "" && msg.Feed.Legs[0].Instrument != instrument {
		return
	}

	info, err := msg.Feed.toInfo()
	if err != nil {
		return
	}
	if info.OrderID == "" || info.Status == "" {
		c.log.Debug("order update missing id or status")
		return
	}

	orderType := exchange.OrderTypeOpen
	if info.Side == c.opts.CloseSide() {
		orderType = exchange.OrderTypeClose
	}

	var filled decimal.Decimal
	if len(msg.Feed.State.TradedSize) > 0 {
		filled, _ = decimal.NewFromString(msg.Feed.State.TradedSize[0])
	}

	update := exchange.OrderUpdate{
		OrderID:    info.OrderID,
		ContractID: msg.Feed.Legs[0].Instrument,
		Side:       info.Side,
		OrderType:  orderType,
		Status:     info.Status,
		Size:       info.Size,
		Price:      info.Price,
		FilledSize: filled,
	}

	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()
	if h != nil {
		h(update)
	}
}
