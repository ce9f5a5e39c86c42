package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/receiptscout/pkg/types"
)

func fastConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	got, err := Do(context.Background(), fastConfig(), func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", types.Transient(errors.New("timeout"))
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, attempts)
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), fastConfig(), func(ctx context.Context) (int, error) {
		attempts++
		return 0, types.Transient(errors.New("rate limited"))
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTransient)
	assert.Equal(t, 3, attempts)
}

func TestDoDoesNotRetryAuthErrors(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), fastConfig(), func(ctx context.Context) (int, error) {
		attempts++
		return 0, types.Auth(errors.New("invalid_grant"))
	})

	assert.ErrorIs(t, err, types.ErrAuth)
	assert.Equal(t, 1, attempts)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, BaseDelay: time.Hour}

	attempts := 0
	_, err := Do(ctx, cfg, func(ctx context.Context) (int, error) {
		attempts++
		cancel()
		return 0, types.Transient(errors.New("timeout"))
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.BaseDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)

	filled := Config{}.withDefaults()
	assert.Equal(t, cfg, filled)
}

func TestDoPermanentStopsRetrying(t *testing.T) {
	cause := types.Transient(errors.New("connection refused"))
	attempts := 0
	_, err := Do(context.Background(), fastConfig(), func(ctx context.Context) (int, error) {
		attempts++
		return 0, Permanent(cause)
	})

	assert.Equal(t, cause, err)
	assert.Equal(t, 1, attempts)
	assert.NoError(t, Permanent(nil))
}

func TestDoBacksOffOnInjectedClock(t *testing.T) {
	mock := clock.NewMock()
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: 2 * time.Hour, Clock: mock}

	var attempts atomic.Int32
	done := make(chan error, 1)
	go func() {
		_, err := Do(context.Background(), cfg, func(ctx context.Context) (int, error) {
			attempts.Add(1)
			return 0, types.Transient(errors.New("timeout"))
		})
		done <- err
	}()

	start := mock.Now()
	for i := 0; i < 1000; i++ {
		select {
		case err := <-done:
			assert.ErrorIs(t, err, types.ErrTransient)
			assert.Equal(t, int32(3), attempts.Load())
			assert.GreaterOrEqual(t, mock.Now().Sub(start), 3*time.Hour, "one hour then two")
			return
		default:
			mock.Add(time.Hour)
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatal("backoff did not follow the injected clock")
}
