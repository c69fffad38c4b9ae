package backpack

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-trader-go/exchange"
)

// subscribeOrders 订阅私有订单流。私有流的订阅本身需要签名。
func (c *Client) subscribeOrders(ctx context.Context) {
	c.contractMu.RLock()
	symbol := c.contract.ContractID
	c.contractMu.RUnlock()
	if symbol == "" || c.sig == nil {
		return
	}

	signature, ts := c.sig.sign("subscribe", nil)
	sub, _ := json.Marshal(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": []string{"account.orderUpdate." + symbol},
		"signature": []string{
			c.pubKey, signature, ts, strconv.Itoa(signWindowMs),
		},
	})
	if !c.ws.Send(sub) {
		c.log.Warn("order stream subscribe failed", zap.String("symbol", symbol))
	}
}

// wsOrderEvent 订单流事件。e 区分事件类型，z 为累计成交量。
type wsOrderEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		Event    string `json:"e"`
		OrderID  string `json:"i"`
		Symbol   string `json:"s"`
		Side     string `json:"S"`
		Quantity string `json:"q"`
		Price    string `json:"p"`
		Filled   string `json:"z"`
	} `json:"data"`
}

// wsEventStatus 事件类型 -> 统一状态。orderFill 在成交量达到委托量前是部分成交。
func wsEventStatus(event string, filled, size decimal.Decimal) (exchange.Status, bool) {
	switch event {
	case "orderAccepted":
		if filled.IsPositive() {
			return exchange.StatusPartial, true
		}
		return exchange.StatusOpen, true
	case "orderFill":
		if filled.GreaterThanOrEqual(size) && size.IsPositive() {
			return exchange.StatusFilled, true
		}
		return exchange.StatusPartial, true
	case "orderCancelled":
		return exchange.StatusCanceled, true
	case "orderExpired":
		return exchange.StatusExpired, true
	default:
		return "", false
	}
}

func (c *Client) onWSMessage(raw []byte) {
	var event wsOrderEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		c.log.Debug("ws message decode failed", zap.Error(err))
		return
	}
	if event.Data.Event == "" || event.Data.OrderID == "" {
		return
	}

	c.contractMu.RLock()
	symbol := c.contract.ContractID
	c.contractMu.RUnlock()
	if symbol != "" && event.Data.Symbol != symbol {
		return
	}

	size, _ := decimal.NewFromString(event.Data.Quantity)
	price, _ := decimal.NewFromString(event.Data.Price)
	filled, _ := decimal.NewFromString(event.Data.Filled)

	status, ok := wsEventStatus(event.Data.Event, filled, size)
	if !ok {
		c.log.Debug("ws event ignored", zap.String("event", event.Data.Event))
		return
	}

	side := sideIn(event.Data.Side)
	orderType := exchange.OrderTypeOpen
	if side == c.opts.CloseSide() {
		orderType = exchange.OrderTypeClose
	}

	update := exchange.OrderUpdate{
		OrderID:    event.Data.OrderID,
		ContractID: event.Data.Symbol,
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
