package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-trader-go/exchange"
	"grid-trader-go/infrastructure/logger"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		CallTimeout: time.Second,
	}
}

func TestQuerySuccess(t *testing.T) {
	got, err := Query(context.Background(), logger.Nop(), "op", -1, fastPolicy(),
		func(ctx context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestQueryRetriesTransient(t *testing.T) {
	calls := 0
	got, err := Query(context.Background(), logger.Nop(), "op", -1, fastPolicy(),
		func(ctx context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, &exchange.TransientError{Cause: errors.New("reset")}
			}
			return 7, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, 3, calls)
}

func TestQueryExhaustedFallsBackToDefault(t *testing.T) {
	calls := 0
	got, err := Query(context.Background(), logger.Nop(), "op", 99, fastPolicy(),
		func(ctx context.Context) (int, error) {
			calls++
			return 0, &exchange.TransientError{Cause: errors.New("timeout")}
		})
	// 瞬时错误耗尽后降级为默认值，不向上传播
	require.NoError(t, err)
	assert.Equal(t, 99, got)
	assert.Equal(t, 3, calls)
}

func TestQueryPermanentErrorNotRetried(t *testing.T) {
	calls := 0
	cfgErr := &exchange.ConfigError{Exchange: "test", Reason: "bad direction"}
	got, err := Query(context.Background(), logger.Nop(), "op", 99, fastPolicy(),
		func(ctx context.Context) (int, error) {
			calls++
			return 0, cfgErr
		})
	// 配置错误立即上抛，绝不吞进默认值
	require.Error(t, err)
	var ce *exchange.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 99, got)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&exchange.TransientError{Cause: errors.New("x")}))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("logic bug")))
	assert.False(t, IsTransient(&exchange.ContractNotFoundError{Exchange: "e", Ticker: "T"}))
}
