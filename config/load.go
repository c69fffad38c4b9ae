package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"grid-trader-go/exchange"
	"grid-trader-go/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
// 配置在进程启动时解析一次，运行期间不再变更。
type AppConfig struct {
	Env       string        `yaml:"env"`
	Trading   TradingConfig `yaml:"trading"`
	Log       logger.Config `yaml:"log"`
	Metrics   MetricsConfig `yaml:"metrics"`
	Alert     AlertConfig   `yaml:"alert"`
	EnvFile   string        `yaml:"envFile"`   // .env 文件路径，空则跳过
	Retention time.Duration `yaml:"retention"` // 终态订单保留时长
}

// TradingConfig 网格策略参数。价格/数量统一用 decimal 保持精度。
type TradingConfig struct {
	Exchange   string          `yaml:"exchange"`
	Ticker     string          `yaml:"ticker"`
	Quantity   decimal.Decimal `yaml:"quantity"`
	Direction  exchange.Side   `yaml:"direction"`
	MaxOrders  int             `yaml:"maxOrders"`  // 活跃平仓单数量上限
	WaitTime   time.Duration   `yaml:"waitTime"`   // 基础下单间隔
	GridStep   decimal.Decimal `yaml:"gridStep"`   // 与最近平仓单的最小距离（百分比）
	TakeProfit decimal.Decimal `yaml:"takeProfit"` // 止盈距离（百分比）
	StopPrice  decimal.Decimal `yaml:"stopPrice"`  // 触发后停止交易并退出，-1 关闭
	PausePrice decimal.Decimal `yaml:"pausePrice"` // 触发后暂停开新仓，-1 关闭
}

// StopEnabled 是否启用停止价。
func (t TradingConfig) StopEnabled() bool { return t.StopPrice.IsPositive() }

// PauseEnabled 是否启用暂停价。
func (t TradingConfig) PauseEnabled() bool { return t.PausePrice.IsPositive() }

// GridStepEnabled gridStep <= 0 表示不做网格间距约束。
func (t TradingConfig) GridStepEnabled() bool { return t.GridStep.IsPositive() }

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// AlertConfig 告警通道配置，webhook 为空时告警只落日志。
type AlertConfig struct {
	WebhookURL string        `yaml:"webhookURL"`
	Cooldown   time.Duration `yaml:"cooldown"`
}

// Defaults 返回带默认值的配置，Load 在其上覆盖文件内容。
func Defaults() AppConfig {
	return AppConfig{
		Env: "dev",
		Trading: TradingConfig{
			Direction:  exchange.SideBuy,
			MaxOrders:  40,
			WaitTime:   450 * time.Second,
			GridStep:   decimal.NewFromFloat(-100),
			TakeProfit: decimal.NewFromFloat(0.02),
			StopPrice:  decimal.NewFromInt(-1),
			PausePrice: decimal.NewFromInt(-1),
		},
		Log: logger.Config{
			Level:   "info",
			Outputs: []string{"console"},
			Format:  "console",
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		Alert:   AlertConfig{Cooldown: 5 * time.Minute},
		Retention: time.Minute,
	}
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
