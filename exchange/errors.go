package exchange

import (
	"fmt"
	"sort"
	"strings"
)

// ConfigError 缺失/非法凭证，启动期致命。MissingKeys 逐项列出缺失的环境变量，
// 便于运维排查，而不是单条笼统信息。
type ConfigError struct {
	Exchange    string
	MissingKeys []string
	Reason      string
}

func (e *ConfigError) Error() string {
	if len(e.MissingKeys) > 0 {
		keys := append([]string(nil), e.MissingKeys...)
		sort.Strings(keys)
		return fmt.Sprintf("%s: missing required environment variables: %s",
			e.Exchange, strings.Join(keys, ", "))
	}
	return fmt.Sprintf("%s: invalid config: %s", e.Exchange, e.Reason)
}

// ConnectionError 连接建立失败（鉴权被拒或网络不可达）。
type ConnectionError struct {
	Exchange string
	Cause    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection failed: %v", e.Exchange, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// ContractNotFoundError ticker 在该交易所未上市，对该 ticker 致命且不可重试。
type ContractNotFoundError struct {
	Exchange string
	Ticker   string
}

func (e *ContractNotFoundError) Error() string {
	return fmt.Sprintf("%s: contract not found for ticker %s", e.Exchange, e.Ticker)
}

// TransientError 超时/限流/连接重置等瞬时网络错误，由 retry 包按策略重试。
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient network error: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// Transient 包装一个瞬时错误；err 为 nil 时返回 nil。
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Cause: err}
}

// UnsupportedExchangeError 工厂收到未注册的交易所标识。
type UnsupportedExchangeError struct {
	Name      string
	Supported []string
}

func (e *UnsupportedExchangeError) Error() string {
	supported := append([]string(nil), e.Supported...)
	sort.Strings(supported)
	return fmt.Sprintf("unsupported exchange: %s (supported: %s)",
		e.Name, strings.Join(supported, ", "))
}
