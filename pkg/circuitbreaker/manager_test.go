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

func okFor(value string) Operation {
	return func(ctx context.Context) (interface{}, error) { return value, nil }
}

func failWith(msg string) Operation {
	return func(ctx context.Context) (interface{}, error) { return nil, errors.New(msg) }
}

func TestManager_BreakerPerProvider(t *testing.T) {
	m := NewManager(testBreakerConfig(), zap.NewNop())
	a := m.Breaker("openai")
	b := m.Breaker("anthropic")
	assert.NotSame(t, a, b)
	assert.Same(t, a, m.Breaker("openai"))
}

func TestManager_ExecuteWithFailover(t *testing.T) {
	ctx := context.Background()
	fallbacks := []Provider{
		{Name: "anthropic", Priority: 1},
		{Name: "mistral", Priority: 2},
	}

	t.Run("primary success needs no failover", func(t *testing.T) {
		m := NewManager(testBreakerConfig(), zap.NewNop())
		var events []string
		m.Subscribe(func(event, provider string, err error) { events = append(events, event) })

		value, provider, err := m.ExecuteWithFailover(ctx, "openai", fallbacks, map[string]Operation{
			"openai": okFor("primary"),
		})
		require.NoError(t, err)
		assert.Equal(t, "primary", value)
		assert.Equal(t, "openai", provider)
		assert.Empty(t, events)
	})

	t.Run("failover walks priority order and reports success", func(t *testing.T) {
		m := NewManager(testBreakerConfig(), zap.NewNop())
		var events []string
		m.Subscribe(func(event, provider string, err error) {
			events = append(events, event+":"+provider)
		})

		value, provider, err := m.ExecuteWithFailover(ctx, "openai", fallbacks, map[string]Operation{
			"openai":    failWith("primary down"),
			"anthropic": failWith("secondary down"),
			"mistral":   okFor("tertiary"),
		})
		require.NoError(t, err)
		assert.Equal(t, "tertiary", value)
		assert.Equal(t, "mistral", provider)
		assert.Equal(t, []string{"failover-failed:anthropic", "failover-success:mistral"}, events)
	})

	t.Run("all failing aggregates the errors", func(t *testing.T) {
		m := NewManager(testBreakerConfig(), zap.NewNop())
		var final string
		m.Subscribe(func(event, provider string, err error) { final = event })

		_, _, err := m.ExecuteWithFailover(ctx, "openai", fallbacks, map[string]Operation{
			"openai":    failWith("a"),
			"anthropic": failWith("b"),
			"mistral":   failWith("c"),
		})
		require.Error(t, err)

		var allFailed *AllFailedError
		require.ErrorAs(t, err, &allFailed)
		assert.Equal(t, []string{"openai", "anthropic", "mistral"}, allFailed.Attempted)
		assert.Len(t, allFailed.Errs, 3)
		assert.Equal(t, EventAllProvidersFailed, final)
	})

	t.Run("unavailable fallbacks are skipped", func(t *testing.T) {
		m := NewManager(testBreakerConfig(), zap.NewNop())
		// Trip anthropic's breaker.
		for i := 0; i < 3; i++ {
			m.Execute(ctx, "anthropic", failWith("down"))
		}
		require.False(t, m.IsAvailable("anthropic"))

		called := false
		value, provider, err := m.ExecuteWithFailover(ctx, "openai", fallbacks, map[string]Operation{
			"openai": failWith("primary down"),
			"anthropic": func(ctx context.Context) (interface{}, error) {
				called = true
				return "never", nil
			},
			"mistral": okFor("ok"),
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", value)
		assert.Equal(t, "mistral", provider)
		assert.False(t, called)
	})

	t.Run("missing primary op is an error", func(t *testing.T) {
		m := NewManager(testBreakerConfig(), zap.NewNop())
		_, _, err := m.ExecuteWithFailover(ctx, "openai", nil, map[string]Operation{})
		assert.Error(t, err)
	})
}

func TestManager_OrderCandidates(t *testing.T) {
	m := NewManager(testBreakerConfig(), zap.NewNop())
	ctx := context.Background()

	// Degrade mistral's health score without opening it.
	m.Execute(ctx, "mistral", okFor("x"))
	m.Execute(ctx, "mistral", okFor("x"))
	m.Execute(ctx, "mistral", failWith("flaky"))
	m.Execute(ctx, "anthropic", okFor("x"))

	candidates := m.orderCandidates("openai", []Provider{
		{Name: "mistral", Priority: 1},
		{Name: "anthropic", Priority: 1},
		{Name: "gemini", Priority: 0},
		{Name: "openai", Priority: 0}, // primary, excluded
	})

	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}
	// Priority 0 first; equal priorities ordered by health score.
	assert.Equal(t, []string{"gemini", "anthropic", "mistral"}, names)
}

func TestManager_Stats(t *testing.T) {
	m := NewManager(testBreakerConfig(), zap.NewNop())
	ctx := context.Background()
	m.Execute(ctx, "openai", okFor("x"))
	m.Execute(ctx, "openai", failWith("y"))

	stats := m.Stats()
	require.Contains(t, stats, "openai")
	assert.Equal(t, int64(2), stats["openai"].TotalRequests)
	assert.Equal(t, int64(1), stats["openai"].TotalFailures)
	assert.WithinDuration(t, time.Now(), stats["openai"].LastFailureTime, time.Second)
}
