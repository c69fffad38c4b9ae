package paradex

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"grid-trader-go/exchange"
)

// subscribeOrders WS 走 JSON-RPC，订阅当前合约的订单频道。
func (c *Client) subscribeOrders(ctx context.Context) {
	c.contractMu.RLock()
	symbol := c.contract.ContractID
	c.contractMu.RUnlock()
	if symbol == "" {
		return
	}

	msg := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "subscribe",
		"params":  map[string]string{"channel": "orders." + symbol},
		"id":      1,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if !c.ws.Send(raw) {
		c.log.Warn("order channel subscribe not sent", zap.String("channel", "orders."+symbol))
	}
}

type wsOrderMessage struct {
	Method string `json:"method"`
	Params struct {
		Channel string    `json:"channel"`
		Data    orderResp `json:"data"`
	} `json:"params"`
}

func (c *Client) onWSMessage(raw []byte) {
	var msg wsOrderMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Debug("drop unparsable ws message", zap.Error(err))
		return
	}
	if msg.Method != "subscription" || !strings.HasPrefix(msg.Params.Channel, "orders.") {
		return
	}

	c.contractMu.RLock()
	symbol := c.contract.ContractID
	c.contractMu.RUnlock()
	if msg.Params.Data.Market != symbol {
		return
	}

	info := msg.Params.Data.toInfo()
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
		Side:       info.Side,
		OrderType:  orderType,
		Status:     info.Status,
		Size:       info.Size,
		Price:      info.Price,
		FilledSize: info.FilledSize,
	})
}
