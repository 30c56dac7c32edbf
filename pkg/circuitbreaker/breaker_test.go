package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testBreakerConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RecoveryTimeout:  100 * time.Millisecond,
		MonitoringPeriod: time.Minute,
		Timeout:          time.Second,
	}
}

func failOp(ctx context.Context) (interface{}, error) { return nil, errors.New("upstream error") }
func okOp(ctx context.Context) (interface{}, error)   { return "ok", nil }

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b := NewBreaker("openai", testBreakerConfig(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Execute(ctx, failOp)
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, b.State())

	_, err := b.Execute(ctx, okOp)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	b := NewBreaker("openai", testBreakerConfig(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Execute(ctx, failOp)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	// Two consecutive successes close the circuit.
	_, err := b.Execute(ctx, okOp)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State())

	_, err = b.Execute(ctx, okOp)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("openai", testBreakerConfig(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Execute(ctx, failOp)
	}
	time.Sleep(120 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_, err := b.Execute(ctx, failOp)
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State())

	// And the recovery timer restarts.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := NewBreaker("openai", testBreakerConfig(), zap.NewNop())
	ctx := context.Background()

	b.Execute(ctx, failOp)
	b.Execute(ctx, failOp)
	b.Execute(ctx, okOp)
	b.Execute(ctx, failOp)
	b.Execute(ctx, failOp)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Stats().ConsecutiveFails)
}

func TestBreaker_TimeoutCountsAsFailure(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.FailureThreshold = 1
	b := NewBreaker("slow", cfg, zap.NewNop())

	slow := func(ctx context.Context) (interface{}, error) {
		select {
		case <-time.After(time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	_, err := b.Execute(context.Background(), slow)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_CallerCancellationSurfaces(t *testing.T) {
	b := NewBreaker("openai", testBreakerConfig(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	blocked := func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := b.Execute(ctx, blocked)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), b.Stats().TotalFailures, "caller cancellation is not a provider fault")
}

func TestBreaker_CancellationBurstKeepsCircuitClosed(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 1
	b := NewBreaker("openai", cfg, zap.NewNop())

	blocked := func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := b.Execute(ctx, blocked)
		require.ErrorIs(t, err, context.Canceled)
	}

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, int64(0), b.Stats().TotalFailures)
	assert.True(t, b.IsHealthy())

	// A genuine upstream failure still counts.
	_, err := b.Execute(context.Background(), failOp)
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_IsHealthy(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh breaker is healthy", func(t *testing.T) {
		b := NewBreaker("openai", testBreakerConfig(), zap.NewNop())
		assert.True(t, b.IsHealthy())
	})

	t.Run("open breaker is unhealthy", func(t *testing.T) {
		b := NewBreaker("openai", testBreakerConfig(), zap.NewNop())
		for i := 0; i < 3; i++ {
			b.Execute(ctx, failOp)
		}
		assert.False(t, b.IsHealthy())
	})

	t.Run("closed but failing half its requests is unhealthy", func(t *testing.T) {
		cfg := testBreakerConfig()
		cfg.FailureThreshold = 100
		b := NewBreaker("openai", cfg, zap.NewNop())
		b.Execute(ctx, okOp)
		b.Execute(ctx, failOp)
		assert.Equal(t, StateClosed, b.State())
		assert.False(t, b.IsHealthy())
	})

	t.Run("mostly succeeding is healthy", func(t *testing.T) {
		b := NewBreaker("openai", testBreakerConfig(), zap.NewNop())
		b.Execute(ctx, okOp)
		b.Execute(ctx, okOp)
		b.Execute(ctx, failOp)
		assert.True(t, b.IsHealthy())
	})
}

func TestBreaker_MonitoringPeriodResetsWindow(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 100
	cfg.MonitoringPeriod = 50 * time.Millisecond
	b := NewBreaker("openai", cfg, zap.NewNop())
	ctx := context.Background()

	b.Execute(ctx, failOp)
	b.Execute(ctx, failOp)
	require.False(t, b.IsHealthy())

	time.Sleep(60 * time.Millisecond)
	assert.True(t, b.IsHealthy(), "windowed counters should reset")

	stats := b.Stats()
	assert.Equal(t, int64(2), stats.TotalFailures, "lifetime counters survive the window reset")
	assert.Equal(t, int64(0), stats.FailuresInPeriod)
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker("openai", testBreakerConfig(), zap.NewNop())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		b.Execute(ctx, failOp)
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	_, err := b.Execute(ctx, okOp)
	assert.NoError(t, err)
}
