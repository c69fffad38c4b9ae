package exchange

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"grid-trader-go/infrastructure/logger"
)

// UpdateHandler 接收归一化后的订单事件回调。
type UpdateHandler func(OrderUpdate)

// Client 交易所统一契约，每个 venue 实现一份。
// 读操作失败时优雅降级（默认值/absent），变更操作始终返回明确的 OrderResult，
// 保证调用方的状态机不会因为静默失败而失真。
type Client interface {
	// Name 返回交易所标识（小写）。
	Name() string

	// ValidateConfig 在任何网络调用前检查必需凭证是否齐全，
	// 缺失时返回 *ConfigError 并逐项列出缺失键。
	ValidateConfig() error

	// Connect 建立 REST 鉴权上下文与 WebSocket 会话。幂等：未 Disconnect
	// 前重复调用复用现有会话。失败返回 *ConnectionError。
	Connect(ctx context.Context) error

	// Disconnect 先排空在途 REST 调用再关闭 WebSocket，避免丢失
	// 刚撤单订单的最后一笔成交事件。
	Disconnect(ctx context.Context) error

	// GetContractAttributes 解析 ticker 对应的合约 ID 与 tick size，
	// 每次会话调用一次。未上市返回 *ContractNotFoundError。
	GetContractAttributes(ctx context.Context) (Contract, error)

	// FetchBBOPrices 获取盘口最优买卖价，只读。
	FetchBBOPrices(ctx context.Context, contractID string) (BBO, error)

	// PlaceOpenOrder 按 maker 安全价开仓：买单 ask-tick、卖单 bid+tick，
	// 提交前对齐 tick 网格，绝不穿越盘口。
	PlaceOpenOrder(ctx context.Context, contractID string, quantity decimal.Decimal, direction Side) (OrderResult, error)

	// PlaceCloseOrder 按调用方目标价平仓，目标价过期时执行
	// ClampClosePrice 的非对称保护。
	PlaceCloseOrder(ctx context.Context, contractID string, quantity, price decimal.Decimal, side Side) (OrderResult, error)

	// CancelOrder 撤单。交易所报告“已成交/已撤销”也视为成功，
	// 撤单与成交竞争是常态而非错误。
	CancelOrder(ctx context.Context, orderID string) (OrderResult, error)

	// GetOrderInfo 查询订单快照；交易所无记录时返回 (nil, nil)。
	GetOrderInfo(ctx context.Context, orderID string) (*OrderInfo, error)

	// GetActiveOrders 查询活跃订单，可能为空，顺序不保证。
	GetActiveOrders(ctx context.Context, contractID string) ([]OrderInfo, error)

	// GetAccountPositions 查询当前合约持仓绝对值，空仓返回 0。
	GetAccountPositions(ctx context.Context) (decimal.Decimal, error)

	// SetOrderUpdateHandler 注册订单事件回调，返回取消订阅函数。
	// 同一时刻最多一个回调，重复注册替换旧回调。
	SetOrderUpdateHandler(h UpdateHandler) (unsubscribe func())
}

// Options venue 构造参数。凭证由各 venue 自行从环境变量读取，
// 核心只把它们当不透明字符串且从不写入日志。
type Options struct {
	Ticker     string
	Quantity   decimal.Decimal
	Direction  Side
	Log        *logger.Logger
	HTTPClient *http.Client // 可注入 httptest，nil 时各 venue 使用带超时的默认客户端
}

// CloseSide 平仓方向与开仓方向相反。
func (o Options) CloseSide() Side {
	return o.Direction.Opposite()
}
