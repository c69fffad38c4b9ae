package aster

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-trader-go/exchange"
)

// orderTradeUpdate 用户数据流的订单事件（Binance futures 兼容格式）
type orderTradeUpdate struct {
	Event string `json:"e"`
	Order struct {
		Symbol    string `json:"s"`
		Side      string `json:"S"`
		OrderID   int64  `json:"i"`
		Status    string `json:"X"`
		OrigQty   string `json:"q"`
		Price     string `json:"p"`
		FilledQty string `json:"z"`
	} `json:"o"`
}

// onWSMessage 归一化用户流消息并投递给已注册的回调。
// 非订单事件（listenKey 过期、账户更新等）只记日志。
func (c *Client) onWSMessage(raw []byte) {
	var event orderTradeUpdate
	if err := json.Unmarshal(raw, &event); err != nil {
		c.log.Debug("ws message decode failed", zap.Error(err))
		return
	}
	if event.Event != "ORDER_TRADE_UPDATE" {
		c.log.Debug("ws message ignored", zap.String("event", event.Event))
		return
	}

	c.contractMu.RLock()
	symbol := c.contract.ContractID
	c.contractMu.RUnlock()
	if symbol != "" && event.Order.Symbol != symbol {
		return
	}

	side := exchange.Side(strings.ToLower(event.Order.Side))
	size, _ := decimal.NewFromString(event.Order.OrigQty)
	price, _ := decimal.NewFromString(event.Order.Price)
	filled, _ := decimal.NewFromString(event.Order.FilledQty)

	orderType := exchange.OrderTypeOpen
	if side == c.opts.CloseSide() {
		orderType = exchange.OrderTypeClose
	}

	status := mapStatus(event.Order.Status)
	// NEW 事件已有部分成交时按 PARTIALLY_FILLED 处理
	if status == exchange.StatusOpen && filled.IsPositive() {
		status = exchange.StatusPartial
	}

	update := exchange.OrderUpdate{
		OrderID:    formatOrderID(event.Order.OrderID),
		ContractID: event.Order.Symbol,
		Side:       side,
		OrderType:  orderType,
		Status:     status,
		Size:       size,
		Price:      price,
		FilledSize: filled,
	}

	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()
	if h != nil {
		h(update)
	}
}
