// Package metrics provides Prometheus metrics for the grid trader.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WSConnected WebSocket 连接状态（1=已连接）
	WSConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grid_ws_connected",
		Help: "Whether the exchange websocket session is connected (1) or not (0)",
	})

	// WSReconnects WebSocket 重连次数
	WSReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grid_ws_reconnects_total",
		Help: "Total number of websocket reconnect attempts",
	})

	// OrdersPlaced 按交易所/方向/类型统计的下单次数
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_orders_placed_total",
		Help: "Total orders accepted by the venue",
	}, []string{"exchange", "side", "type"})

	// OrdersRejected 被交易所拒绝的下单次数
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_orders_rejected_total",
		Help: "Total orders rejected by the venue",
	}, []string{"exchange", "side", "type"})

	// OrdersFilled 完全成交次数
	OrdersFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_orders_filled_total",
		Help: "Total orders fully filled",
	}, []string{"exchange", "side", "type"})

	// OrdersCanceled 撤单次数
	OrdersCanceled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_orders_canceled_total",
		Help: "Total orders canceled",
	}, []string{"exchange", "side", "type"})

	// RetryExhausted 重试耗尽后降级为默认值的次数
	RetryExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_retry_exhausted_total",
		Help: "Total operations that fell back to a default after retries were exhausted",
	}, []string{"op"})

	// PositionSize 当前持仓绝对值
	PositionSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grid_position_size",
		Help: "Absolute position size per contract",
	}, []string{"exchange", "contract"})

	// ActiveCloseOrders 当前活跃平仓单数量
	ActiveCloseOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grid_active_close_orders",
		Help: "Number of active close orders",
	})

	// BestBid 最近一次读取的盘口买一价
	BestBid = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grid_best_bid",
		Help: "Last observed best bid price",
	}, []string{"contract"})

	// BestAsk 最近一次读取的盘口卖一价
	BestAsk = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "grid_best_ask",
		Help: "Last observed best ask price",
	}, []string{"contract"})

	// TrackerEvents 按结果统计的订单事件处理次数
	TrackerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grid_tracker_events_total",
		Help: "Order update events processed by the lifecycle tracker",
	}, []string{"outcome"})
)

// UpdateBBO 记录盘口价（仅用于观测，精度损失可接受）。
func UpdateBBO(contract string, bid, ask float64) {
	BestBid.WithLabelValues(contract).Set(bid)
	BestAsk.WithLabelValues(contract).Set(ask)
}

// StartMetricsServer 启动Prometheus指标服务器
func StartMetricsServer(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(addr, nil)
	}()
}
