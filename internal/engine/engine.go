// Package engine 实现网格交易主循环：挂开仓单、等待成交、
// 按止盈距离挂平仓单，并根据在途平仓单数量自适应节流。
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-trader-go/config"
	"grid-trader-go/exchange"
	"grid-trader-go/infrastructure/alert"
	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/order"
	"grid-trader-go/retry"
)

// State 引擎状态
type State int

const (
	// StateIdle 空闲状态
	StateIdle State = iota
	// StateRunning 运行状态
	StateRunning
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// ErrStopPrice 价格触达停止线后引擎主动停止。
var ErrStopPrice = errors.New("stop price triggered")

// ErrPositionMismatch 持仓与在途平仓量偏差过大，需要人工干预。
var ErrPositionMismatch = errors.New("position mismatch detected")

// Components 引擎依赖组件
type Components struct {
	Client  exchange.Client
	Tracker *order.Tracker
	Alerts  *alert.Manager
	Logger  *logger.Logger
}

// Engine 网格交易引擎。单 goroutine 主循环串行决策，
// WebSocket 事件只通过 Tracker 与 openWatch 汇入。
type Engine struct {
	cfg    config.TradingConfig
	client exchange.Client
	track  *order.Tracker
	alerts *alert.Manager
	log    *logger.Logger

	contract exchange.Contract

	state State
	mu    sync.RWMutex

	// 当前监控中的开仓单，WS 回调通过它通知成交/撤销
	watchMu sync.Mutex
	watch   *openWatch

	// 节流状态
	lastOpenOrderTime time.Time
	lastCloseOrders   int

	lastStatusLog time.Time

	stats Statistics
}

// Statistics 引擎统计信息
type Statistics struct {
	StartTime   time.Time
	TotalRounds int64
	TotalOpens  int64
	TotalCloses int64
	TotalErrors int64
	mu          sync.RWMutex
}

// openWatch 跟踪一张开仓单从提交到成交/撤销的过程。
type openWatch struct {
	orderID string

	mu         sync.Mutex
	filledSize decimal.Decimal

	filled   chan struct{}
	canceled chan struct{}
	once     sync.Once
	cancOnce sync.Once
}

func newOpenWatch(orderID string) *openWatch {
	return &openWatch{
		orderID:  orderID,
		filled:   make(chan struct{}),
		canceled: make(chan struct{}),
	}
}

func (w *openWatch) markFilled(size decimal.Decimal) {
	w.mu.Lock()
	w.filledSize = size
	w.mu.Unlock()
	w.once.Do(func() { close(w.filled) })
}

func (w *openWatch) markCanceled(size decimal.Decimal) {
	w.mu.Lock()
	w.filledSize = size
	w.mu.Unlock()
	w.cancOnce.Do(func() { close(w.canceled) })
}

func (w *openWatch) filledAmount() decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filledSize
}

func (w *openWatch) isFilled() bool {
	select {
	case <-w.filled:
		return true
	default:
		return false
	}
}

// New 创建网格引擎
func New(cfg config.TradingConfig, components Components) (*Engine, error) {
	if components.Client == nil {
		return nil, errors.New("engine: client is required")
	}
	if components.Tracker == nil {
		return nil, errors.New("engine: tracker is required")
	}
	if components.Logger == nil {
		components.Logger = logger.Nop()
	}
	return &Engine{
		cfg:    cfg,
		client: components.Client,
		track:  components.Tracker,
		alerts: components.Alerts,
		log:    components.Logger,
		state:  StateIdle,
	}, nil
}

// State 返回当前状态
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Stats 返回统计快照
func (e *Engine) Stats() (rounds, opens, closes, errs int64) {
	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()
	return e.stats.TotalRounds, e.stats.TotalOpens, e.stats.TotalCloses, e.stats.TotalErrors
}

func (e *Engine) recordError() {
	e.stats.mu.Lock()
	e.stats.TotalErrors++
	e.stats.mu.Unlock()
}

// Run 解析合约、建立连接并进入主循环，阻塞直到 ctx 取消或触发停止条件。
// 返回 nil 表示正常收到取消信号退出。
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.state = StateRunning
	e.stats.StartTime = time.Now()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.state = StateStopped
		e.mu.Unlock()
	}()

	contract, err := e.client.GetContractAttributes(ctx)
	if err != nil {
		return fmt.Errorf("resolve contract: %w", err)
	}
	e.contract = contract

	e.log.Info("trading configuration",
		zap.String("exchange", e.cfg.Exchange),
		zap.String("ticker", e.cfg.Ticker),
		zap.String("contract_id", contract.ContractID),
		zap.String("tick_size", contract.TickSize.String()),
		zap.String("quantity", e.cfg.Quantity.String()),
		zap.String("direction", string(e.cfg.Direction)),
		zap.Int("max_orders", e.cfg.MaxOrders),
		zap.Duration("wait_time", e.cfg.WaitTime),
		zap.String("take_profit_pct", e.cfg.TakeProfit.String()),
		zap.String("grid_step_pct", e.cfg.GridStep.String()),
		zap.String("stop_price", e.cfg.StopPrice.String()),
		zap.String("pause_price", e.cfg.PausePrice.String()))

	unsubscribe := e.client.SetOrderUpdateHandler(e.onOrderUpdate)
	defer unsubscribe()

	if err := e.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer e.shutdown()

	// 等待 WS 会话稳定，避免错过启动瞬间的订单事件
	if err := sleepCtx(ctx, 5*time.Second); err != nil {
		return nil
	}

	return e.loop(ctx)
}

// shutdown 优雅收尾：先排空在途请求再断开连接。
func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.client.Disconnect(ctx); err != nil {
		e.log.Error("disconnect failed", zap.Error(err))
	}
}

// loop 主循环。每一轮：刷新在途平仓单、周期性状态检查、
// 停止/暂停价格检查、节流判断、网格间距判断、挂单并跟踪。
func (e *Engine) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.log.Info("shutdown signal received")
			return nil
		default:
		}

		e.stats.mu.Lock()
		e.stats.TotalRounds++
		e.stats.mu.Unlock()

		closeOrders, err := e.activeCloseOrders(ctx)
		if err != nil {
			e.recordError()
			e.log.Error("fetch active orders failed", zap.Error(err))
			if err := sleepCtx(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}

		mismatch, err := e.statusCheck(ctx, closeOrders)
		if err != nil {
			e.recordError()
			e.log.Error("status check failed", zap.Error(err))
		}
		if mismatch {
			return ErrPositionMismatch
		}

		stop, pause, err := e.checkPriceCondition(ctx)
		if err != nil {
			e.recordError()
			e.log.Error("price condition check failed", zap.Error(err))
			if err := sleepCtx(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}
		if stop {
			msg := fmt.Sprintf("[%s_%s] stopped trading due to stop price triggered",
				e.cfg.Exchange, e.cfg.Ticker)
			e.log.Warn(msg)
			if e.alerts != nil {
				e.alerts.Critical(msg, map[string]interface{}{
					"stop_price": e.cfg.StopPrice.String(),
				})
			}
			return ErrStopPrice
		}
		if pause {
			if err := sleepCtx(ctx, 5*time.Second); err != nil {
				return nil
			}
			continue
		}

		if wait := e.calculateWait(len(closeOrders)); wait > 0 {
			if err := sleepCtx(ctx, wait); err != nil {
				return nil
			}
			continue
		}

		ok, err := e.meetGridStep(ctx, closeOrders)
		if err != nil {
			e.recordError()
			e.log.Error("grid step check failed", zap.Error(err))
		}
		if !ok {
			if err := sleepCtx(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}

		if err := e.placeAndMonitorOpen(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.recordError()
			e.log.Error("open order round failed", zap.Error(err))
		}
		e.lastCloseOrders++
	}
}

// onOrderUpdate WS 事件入口：先喂给 Tracker，再通知在监控的开仓单。
func (e *Engine) onOrderUpdate(u exchange.OrderUpdate) {
	info, outcome := e.track.Apply(u)

	e.watchMu.Lock()
	watch := e.watch
	e.watchMu.Unlock()
	if watch == nil || watch.orderID != u.OrderID || u.OrderType != exchange.OrderTypeOpen {
		return
	}
	if outcome == order.OutcomeStale || outcome == order.OutcomeDuplicate {
		return
	}

	switch u.Status {
	case exchange.StatusFilled:
		watch.markFilled(info.FilledSize)
		e.log.LogTransaction(u.OrderID, string(u.Side), u.Size.String(), u.Price.String(), string(u.Status))
	case exchange.StatusCanceled:
		watch.markCanceled(info.FilledSize)
	}
}

// activeCloseOrders 查询活跃订单并过滤出平仓方向。
func (e *Engine) activeCloseOrders(ctx context.Context) ([]exchange.OrderInfo, error) {
	orders, err := retry.Query(ctx, e.log, "get_active_orders", nil, retry.DefaultPolicy(),
		func(ctx context.Context) ([]exchange.OrderInfo, error) {
			return e.client.GetActiveOrders(ctx, e.contract.ContractID)
		})
	if err != nil {
		return nil, err
	}
	closeSide := e.cfg.Direction.Opposite()
	out := orders[:0]
	for _, o := range orders {
		if o.Side == closeSide {
			out = append(out, o)
		}
	}
	return out, nil
}

// statusCheck 每 60 秒对账一次：当前持仓应当与在途平仓量一致，
// 偏差超过 2 倍单笔数量视为失衡，告警并要求停机。
func (e *Engine) statusCheck(ctx context.Context, closeOrders []exchange.OrderInfo) (bool, error) {
	if time.Since(e.lastStatusLog) < time.Minute && !e.lastStatusLog.IsZero() {
		return false, nil
	}
	e.lastStatusLog = time.Now()

	position, err := e.client.GetAccountPositions(ctx)
	if err != nil {
		return false, err
	}

	closeAmount := decimal.Zero
	for _, o := range closeOrders {
		closeAmount = closeAmount.Add(o.Size)
	}

	e.log.Info("status",
		zap.String("position", position.String()),
		zap.String("active_close_amount", closeAmount.String()),
		zap.Int("close_orders", len(closeOrders)))

	if position.Sub(closeAmount).Abs().GreaterThan(e.cfg.Quantity.Mul(decimal.NewFromInt(2))) {
		msg := fmt.Sprintf("[%s_%s] position mismatch: position %s vs active closing %s, please rebalance manually",
			e.cfg.Exchange, e.cfg.Ticker, position, closeAmount)
		e.log.Error(msg)
		if e.alerts != nil {
			e.alerts.Critical(msg, map[string]interface{}{
				"position":     position.String(),
				"close_amount": closeAmount.String(),
				"close_orders": len(closeOrders),
			})
		}
		return true, nil
	}
	return false, nil
}

// checkPriceCondition 停止/暂停价格检查。两者都为 -1 时直接放行。
func (e *Engine) checkPriceCondition(ctx context.Context) (stop, pause bool, err error) {
	if !e.cfg.StopEnabled() && !e.cfg.PauseEnabled() {
		return false, false, nil
	}

	bbo, err := e.client.FetchBBOPrices(ctx, e.contract.ContractID)
	if err != nil {
		return false, false, err
	}

	// 做多时价格上破触发，做空时价格下破触发
	breached := func(limit decimal.Decimal) bool {
		if e.cfg.Direction == exchange.SideBuy {
			return bbo.Ask.GreaterThanOrEqual(limit)
		}
		return bbo.Bid.LessThanOrEqual(limit)
	}

	if e.cfg.StopEnabled() && breached(e.cfg.StopPrice) {
		return true, false, nil
	}
	if e.cfg.PauseEnabled() && breached(e.cfg.PausePrice) {
		return false, true, nil
	}
	return false, false, nil
}

// calculateWait 按在途平仓单占比决定冷却时间：
// 占比越高挂单越慢，达到上限则完全停手。
func (e *Engine) calculateWait(closeOrders int) time.Duration {
	if closeOrders < e.lastCloseOrders {
		// 有平仓单成交了，立即补仓
		e.lastCloseOrders = closeOrders
		return 0
	}
	e.lastCloseOrders = closeOrders

	if closeOrders >= e.cfg.MaxOrders {
		return time.Second
	}

	ratio := float64(closeOrders) / float64(e.cfg.MaxOrders)
	var cooldown time.Duration
	switch {
	case ratio >= 2.0/3.0:
		cooldown = 2 * e.cfg.WaitTime
	case ratio >= 1.0/3.0:
		cooldown = e.cfg.WaitTime
	case ratio >= 1.0/6.0:
		cooldown = e.cfg.WaitTime / 2
	default:
		cooldown = e.cfg.WaitTime / 4
	}

	// 启动时已有在途平仓单也要遵守冷却
	if e.lastOpenOrderTime.IsZero() && closeOrders > 0 {
		e.lastOpenOrderTime = time.Now()
	}

	if time.Since(e.lastOpenOrderTime) > cooldown {
		return 0
	}
	return time.Second
}

// closeTargetPrice 止盈目标价：平仓卖单加价、平仓买单减价。
func (e *Engine) closeTargetPrice(fillPrice decimal.Decimal) decimal.Decimal {
	pct := e.cfg.TakeProfit.Div(decimal.NewFromInt(100))
	var target decimal.Decimal
	if e.cfg.Direction.Opposite() == exchange.SideSell {
		target = fillPrice.Mul(decimal.NewFromInt(1).Add(pct))
	} else {
		target = fillPrice.Mul(decimal.NewFromInt(1).Sub(pct))
	}
	return exchange.RoundToTick(target, e.contract.TickSize)
}

// meetGridStep 网格间距检查：新开仓的止盈价必须与最近一张平仓单
// 拉开至少 grid_step% 的距离，防止成交密集时网格堆叠。
func (e *Engine) meetGridStep(ctx context.Context, closeOrders []exchange.OrderInfo) (bool, error) {
	if !e.cfg.GridStepEnabled() || len(closeOrders) == 0 {
		return true, nil
	}

	// 买方向取最低的平仓价，卖方向取最高的
	next := closeOrders[0].Price
	for _, o := range closeOrders[1:] {
		if e.cfg.Direction == exchange.SideBuy {
			if o.Price.LessThan(next) {
				next = o.Price
			}
		} else if o.Price.GreaterThan(next) {
			next = o.Price
		}
	}

	bbo, err := e.client.FetchBBOPrices(ctx, e.contract.ContractID)
	if err != nil {
		return false, err
	}
	if !bbo.Valid() {
		return false, fmt.Errorf("no bid/ask data available")
	}

	threshold := decimal.NewFromInt(1).Add(e.cfg.GridStep.Div(decimal.NewFromInt(100)))
	pct := e.cfg.TakeProfit.Div(decimal.NewFromInt(100))

	if e.cfg.Direction == exchange.SideBuy {
		newClose := bbo.Ask.Mul(decimal.NewFromInt(1).Add(pct))
		return next.Div(newClose).GreaterThan(threshold), nil
	}
	newClose := bbo.Bid.Mul(decimal.NewFromInt(1).Sub(pct))
	return newClose.Div(next).GreaterThan(threshold), nil
}

// placeAndMonitorOpen 挂开仓单并跟踪到终态，成交部分立即挂对应的平仓单。
func (e *Engine) placeAndMonitorOpen(ctx context.Context) error {
	res, err := e.client.PlaceOpenOrder(ctx, e.contract.ContractID, e.cfg.Quantity, e.cfg.Direction)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("place open order: %s", res.ErrorMessage)
	}

	e.stats.mu.Lock()
	e.stats.TotalOpens++
	e.stats.mu.Unlock()

	e.track.Track(res, exchange.OrderTypeOpen)

	watch := newOpenWatch(res.OrderID)
	e.watchMu.Lock()
	e.watch = watch
	e.watchMu.Unlock()
	defer func() {
		e.watchMu.Lock()
		e.watch = nil
		e.watchMu.Unlock()
	}()

	if res.Status == exchange.StatusFilled {
		watch.markFilled(res.Size)
	} else {
		// 给订单 10 秒成交窗口
		select {
		case <-watch.filled:
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return e.handleOpenResult(ctx, res, watch)
}

// handleOpenResult 已成交则直接挂平仓单；未成交则在价格未走远时
// 继续等待，否则撤单并只为已成交部分挂平仓单。
func (e *Engine) handleOpenResult(ctx context.Context, res exchange.OrderResult, watch *openWatch) error {
	if watch.isFilled() {
		e.lastOpenOrderTime = time.Now()
		return e.placeClose(ctx, e.cfg.Quantity, res.Price)
	}

	// 只要盘口还没越过挂单价且订单仍在簿上，就继续等
	for {
		stillTight, status, err := e.openStillWorthWaiting(ctx, res)
		if err != nil {
			e.log.Error("open order poll failed", zap.Error(err))
			break
		}
		if !stillTight || status != exchange.StatusOpen {
			break
		}
		e.log.Info("waiting for open order to fill", zap.String("order_id", res.OrderID))
		if err := sleepCtx(ctx, 5*time.Second); err != nil {
			return ctx.Err()
		}
	}

	e.log.Info("cancelling open order", zap.String("order_id", res.OrderID))
	cancelRes, err := e.client.CancelOrder(ctx, res.OrderID)
	if err != nil {
		return err
	}

	filled := watch.filledAmount()
	if cancelRes.Success {
		// 等撤单回报带回最终成交量，超时则退回 REST 查询
		select {
		case <-watch.canceled:
			filled = watch.filledAmount()
		case <-watch.filled:
			filled = watch.filledAmount()
		case <-time.After(5 * time.Second):
			info, err := e.client.GetOrderInfo(ctx, res.OrderID)
			if err == nil && info != nil {
				filled = info.FilledSize
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if filled.IsPositive() {
		e.lastOpenOrderTime = time.Now()
		return e.placeClose(ctx, filled, res.Price)
	}
	return nil
}

// openStillWorthWaiting 判断盘口是否仍贴着我们的开仓价。
// 买单：卖一未上穿挂单价；卖单：买一未下穿挂单价。
func (e *Engine) openStillWorthWaiting(ctx context.Context, res exchange.OrderResult) (bool, exchange.Status, error) {
	bbo, err := e.client.FetchBBOPrices(ctx, e.contract.ContractID)
	if err != nil {
		return false, "", err
	}

	var tight bool
	if e.cfg.Direction == exchange.SideBuy {
		tight = bbo.Ask.LessThanOrEqual(res.Price.Add(e.contract.TickSize))
	} else {
		tight = bbo.Bid.GreaterThanOrEqual(res.Price.Sub(e.contract.TickSize))
	}

	info, err := e.client.GetOrderInfo(ctx, res.OrderID)
	if err != nil {
		return false, "", err
	}
	if info == nil {
		return false, exchange.StatusCanceled, nil
	}
	return tight, info.Status, nil
}

// placeClose 按止盈距离挂平仓单。失败是致命错误：持仓已经暴露，
// 没有平仓单挂出会让仓位失衡。
func (e *Engine) placeClose(ctx context.Context, quantity, fillPrice decimal.Decimal) error {
	closeSide := e.cfg.Direction.Opposite()
	target := e.closeTargetPrice(fillPrice)

	res, err := e.client.PlaceCloseOrder(ctx, e.contract.ContractID, quantity, target, closeSide)
	if err != nil {
		return fmt.Errorf("place close order: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("place close order: %s", res.ErrorMessage)
	}

	e.stats.mu.Lock()
	e.stats.TotalCloses++
	e.stats.mu.Unlock()

	e.track.Track(res, exchange.OrderTypeClose)
	e.log.LogOrder("close_placed", res.OrderID, map[string]interface{}{
		"side":  string(closeSide),
		"size":  quantity.String(),
		"price": target.String(),
	})
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
