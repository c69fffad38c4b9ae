// Package retry 为易失败的只读操作提供带默认值的重试包装。
//
// 契约：只有被判定为瞬时的错误（超时、连接重置、限流）会被重试；
// 配置/校验类错误属于程序错误，立即原样返回，绝不被默认值吞掉。
// 瞬时错误重试耗尽后记录最终错误并返回默认值，调用方可以把包装后的
// 调用当作不会失败的整体。
package retry

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"grid-trader-go/exchange"
	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/metrics"
)

// Policy 重试策略。
type Policy struct {
	MaxAttempts int           // 最大尝试次数（含首次），默认 3
	BaseDelay   time.Duration // 指数退避起始间隔，默认 1s
	MaxDelay    time.Duration // 退避上限，默认 10s
	CallTimeout time.Duration // 单次调用超时，默认 5s；网络调用不允许无限阻塞
}

// DefaultPolicy 返回默认策略。
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		CallTimeout: 5 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = d.CallTimeout
	}
	return p
}

// IsTransient 判断是否为可重试的瞬时网络错误。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *exchange.TransientError
	if errors.As(err, &transient) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Query 执行 fn 并按策略重试瞬时错误。
//
// 返回值语义：
//   - fn 成功：返回其结果，err 为 nil；
//   - 瞬时错误重试耗尽：记录最终错误，返回 def，err 为 nil；
//   - 非瞬时错误：立即返回 def 与该错误，由调用方决定如何失败。
func Query[T any](ctx context.Context, log *logger.Logger, op string, def T, p Policy, fn func(context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	var lastErr error
	operation := func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
		defer cancel()
		v, err := fn(callCtx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return def, backoff.Permanent(err)
		}
		return def, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.MaxInterval = p.MaxDelay

	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	)
	if err == nil {
		return v, nil
	}
	if !IsTransient(lastErr) && !errors.Is(err, context.Canceled) {
		return def, lastErr
	}
	if log != nil {
		log.Warn("operation failed after retries, using default",
			zap.String("op", op),
			zap.Int("attempts", p.MaxAttempts),
			zap.Error(lastErr),
		)
	}
	metrics.RetryExhausted.WithLabelValues(op).Inc()
	return def, nil
}
