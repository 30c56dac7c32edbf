package integration

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/relaycore/relaycore/internal/config"
	"github.com/relaycore/relaycore/internal/database"
	"github.com/relaycore/relaycore/internal/models"
	"github.com/relaycore/relaycore/internal/services/budget"
	"github.com/relaycore/relaycore/internal/services/cache"
	"github.com/relaycore/relaycore/internal/services/cost"
	"github.com/relaycore/relaycore/internal/services/pipeline"
	"github.com/relaycore/relaycore/internal/services/queue"
	"github.com/relaycore/relaycore/internal/services/steering"
	"github.com/relaycore/relaycore/pkg/circuitbreaker"
)

const testRules = `
routing_rules:
  - name: automotive-gpt4
    priority: 10
    conditions:
      - field: profile
        operator: equals
        value: automotive
    action:
      provider: openai
      model: gpt-4
      cost_multiplier: 1.0
      max_latency: 3000
  - name: default
    priority: 0
    conditions: []
    action:
      provider: openai
      model: gpt-3.5-turbo
      cost_multiplier: 1.0
      max_latency: 2000
cost_constraints:
  daily_budget: 100
  per_request_max: 1.0
`

// stack wires the production components together the way serve does, with
// miniredis standing in for Redis and an in-memory database for Postgres.
// Only the provider call is stubbed.
type stack struct {
	db       *gorm.DB
	mr       *miniredis.Miniredis
	redis    *goredis.Client
	engine   *steering.Engine
	registry *budget.Registry
	tracker  *budget.Tracker
	breakers *circuitbreaker.Manager
	queue    *queue.Queue
	pipeline *pipeline.Pipeline
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// Every query must hit the same in-memory database.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func newStack(t *testing.T, call pipeline.ProviderCall, fallbacks []circuitbreaker.Provider) *stack {
	t.Helper()
	logger := zap.NewNop()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisClient := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	db := openTestDB(t)

	rulesPath := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(testRules), 0o644))
	rules, err := steering.LoadConfig(rulesPath)
	require.NoError(t, err)
	engine := steering.NewEngine(rules, logger)

	statusCache := budget.NewStatusCache(time.Minute, redisClient, logger)
	t.Cleanup(statusCache.Stop)
	registry := budget.NewRegistry(db, logger)
	tracker := budget.NewTracker(db, statusCache, logger)
	gate := budget.NewIntegration(registry, tracker, tracker, logger)

	predictor := cost.NewPredictor(logger)
	optimizer := cost.NewOptimizer(predictor, logger)

	store := cache.NewManager(redisClient, time.Hour, 1000, logger)
	t.Cleanup(store.Stop)
	semantic := cache.NewSemanticCache(cache.NewLocalEmbedder(), store, cache.SemanticCacheConfig{}, logger)

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Minute,
		Timeout:          time.Second,
	}, logger)

	var pipe *pipeline.Pipeline
	q, err := queue.New(config.QueueConfig{
		MaxSize:     64,
		Strategy:    "priority",
		Concurrency: map[string]int{"openai": 2, "anthropic": 2, "neuroweaver": 2},
		Timeout:     2 * time.Second,
		RetryDelay:  time.Millisecond,
		MaxRetries:  1,
	}, func(ctx context.Context, req *queue.Request) (interface{}, error) {
		return pipe.Execute(ctx, req)
	}, logger)
	require.NoError(t, err)
	q.Start()
	t.Cleanup(q.Stop)

	pipe = pipeline.New(pipeline.Options{
		Engine:    engine,
		Budgets:   gate,
		Status:    tracker,
		Optimizer: optimizer,
		Predictor: predictor,
		Semantic:  semantic,
		Queue:     q,
		Breakers:  breakers,
		Call:      call,
		Fallbacks: fallbacks,
		Logger:    logger,
	})

	return &stack{
		db:       db,
		mr:       mr,
		redis:    redisClient,
		engine:   engine,
		registry: registry,
		tracker:  tracker,
		breakers: breakers,
		queue:    q,
		pipeline: pipe,
	}
}

// TestRequestLifecycle walks one request through routing, budget checks,
// queueing, the provider call, and settlement, then repeats the prompt to
// verify the semantic cache short-circuits the second pass.
func TestRequestLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var upstreamCalls int32
	s := newStack(t, func(ctx context.Context, provider, model string, request *models.AIRequest) (*models.AIResponse, error) {
		atomic.AddInt32(&upstreamCalls, 1)
		return &models.AIResponse{
			RequestID: request.ID,
			Provider:  provider,
			Model:     model,
			Body:      []byte("the capital of France is Paris"),
			Cost:      0.0021,
			LatencyMs: 180,
		}, nil
	}, nil)

	def, err := s.registry.Create(ctx, &budget.CreateRequest{
		Name:      "u1 monthly",
		ScopeType: models.ScopeUser,
		ScopeID:   "u1",
		Amount:    100,
		Period:    models.PeriodMonthly,
		CreatedBy: "e2e",
	})
	require.NoError(t, err)

	prompt := "what is the capital of France"

	t.Run("routed by the profile rule", func(t *testing.T) {
		resp, err := s.pipeline.Process(ctx, &models.AIRequest{
			UserID:  "u1",
			Profile: "automotive",
			Prompt:  prompt,
		}, queue.PriorityNormal)
		require.NoError(t, err)

		assert.Equal(t, "openai", resp.Provider)
		assert.Equal(t, "gpt-4", resp.Model)
		assert.Equal(t, []byte("the capital of France is Paris"), resp.Body)
		assert.False(t, resp.Cached)
		assert.Equal(t, int32(1), atomic.LoadInt32(&upstreamCalls))
	})

	t.Run("usage settles on the user budget", func(t *testing.T) {
		status, err := s.tracker.GetBudgetStatus(ctx, def.ID)
		require.NoError(t, err)

		assert.InDelta(t, 0.0021, status.CurrentAmount, 1e-9)
		assert.Equal(t, models.StatusNormal, status.Status)
		assert.InDelta(t, 0.0021, s.engine.Book().DailySpend(), 1e-9)
		assert.True(t, s.mr.Exists("relaycore:budget:status:"+def.ID.String()),
			"status mirror should reach redis")
	})

	t.Run("repeated prompt serves from the semantic cache", func(t *testing.T) {
		resp, err := s.pipeline.Process(ctx, &models.AIRequest{
			UserID:  "u1",
			Profile: "automotive",
			Prompt:  prompt,
		}, queue.PriorityNormal)
		require.NoError(t, err)

		assert.True(t, resp.Cached)
		assert.Equal(t, []byte("the capital of France is Paris"), resp.Body)
		assert.Equal(t, int32(1), atomic.LoadInt32(&upstreamCalls), "cache hit must not call upstream")

		status, err := s.tracker.GetBudgetStatus(ctx, def.ID)
		require.NoError(t, err)
		assert.InDelta(t, 0.0021, status.CurrentAmount, 1e-9, "cache hits record no usage")
	})

	t.Logf("lifecycle complete: upstream_calls=%d, queue_stats=%+v",
		atomic.LoadInt32(&upstreamCalls), s.queue.Stats())
}

// TestDailyBudgetRedirectsRouting verifies the steering engine falls back
// to the cheap model once the day's spend reaches the configured cap, and
// resumes normal routing after the book resets.
func TestDailyBudgetRedirectsRouting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := newStack(t, func(ctx context.Context, provider, model string, request *models.AIRequest) (*models.AIResponse, error) {
		return &models.AIResponse{
			RequestID: request.ID,
			Provider:  provider,
			Model:     model,
			Body:      []byte("ok"),
			Cost:      0.001,
			LatencyMs: 90,
		}, nil
	}, nil)

	// Spend equal to the configured daily budget trips the guard.
	s.engine.Book().AddSpend(100)

	resp, err := s.pipeline.Process(ctx, &models.AIRequest{
		UserID:  "u1",
		Profile: "automotive",
		Prompt:  "summarize the maintenance schedule",
	}, queue.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, "gpt-3.5-turbo", resp.Model, "capped day routes to the fallback model")

	s.engine.Book().ResetDay()

	resp, err = s.pipeline.Process(ctx, &models.AIRequest{
		UserID:  "u1",
		Profile: "automotive",
		Prompt:  "explain the warning light",
	}, queue.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4", resp.Model, "reset book restores rule routing")
}

// TestExceededBudgetBlocksDispatch verifies an exceeded budget rejects the
// request before anything reaches the queue or a provider.
func TestExceededBudgetBlocksDispatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var upstreamCalls int32
	s := newStack(t, func(ctx context.Context, provider, model string, request *models.AIRequest) (*models.AIResponse, error) {
		atomic.AddInt32(&upstreamCalls, 1)
		return &models.AIResponse{RequestID: request.ID, Provider: provider, Model: model, Body: []byte("ok")}, nil
	}, nil)

	def, err := s.registry.Create(ctx, &budget.CreateRequest{
		Name:      "u2 daily",
		ScopeType: models.ScopeUser,
		ScopeID:   "u2",
		Amount:    1,
		Period:    models.PeriodDaily,
		CreatedBy: "e2e",
	})
	require.NoError(t, err)

	_, err = s.tracker.RecordUsage(ctx, def.ID, &budget.UsageRequest{
		Amount: 2,
		Source: models.SourceAutmatrix,
	})
	require.NoError(t, err)

	_, err = s.pipeline.Process(ctx, &models.AIRequest{
		UserID:  "u2",
		Profile: "automotive",
		Prompt:  "hello",
	}, queue.PriorityNormal)
	require.Error(t, err)

	var re *pipeline.RequestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, pipeline.KindBudgetExceeded, re.Kind)
	assert.Equal(t, "budget exceeded", re.Message)
	require.NotNil(t, re.Details)
	require.NotNil(t, re.Details.BudgetID)
	assert.Equal(t, def.ID, *re.Details.BudgetID)
	assert.Equal(t, []string{"block-all"}, re.Details.SuggestedActions)
	assert.Equal(t, int32(0), atomic.LoadInt32(&upstreamCalls), "blocked requests never dispatch")
}

// TestFailoverChainServesHealthyProvider opens the primary provider's
// breaker, fails the first fallback, and verifies the request is served by
// the next healthy provider with the failover events in order.
func TestFailoverChainServesHealthyProvider(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fallbacks := []circuitbreaker.Provider{
		{Name: "anthropic", Priority: 1},
		{Name: "neuroweaver", Priority: 2},
	}
	s := newStack(t, func(ctx context.Context, provider, model string, request *models.AIRequest) (*models.AIResponse, error) {
		switch provider {
		case "openai":
			return nil, errors.New("openai: upstream 502")
		case "anthropic":
			return nil, errors.New("anthropic: upstream 503")
		default:
			return &models.AIResponse{
				RequestID: request.ID,
				Provider:  provider,
				Model:     model,
				Body:      []byte("served by fallback"),
				Cost:      0.0009,
				LatencyMs: 240,
			}, nil
		}
	}, fallbacks)

	var mu sync.Mutex
	var events []string
	s.breakers.Subscribe(func(event, provider string, err error) {
		mu.Lock()
		events = append(events, event+":"+provider)
		mu.Unlock()
	})

	// Two consecutive failures open the openai breaker.
	boom := errors.New("upstream 500")
	for i := 0; i < 2; i++ {
		_, err := s.breakers.Execute(ctx, "openai", func(context.Context) (interface{}, error) {
			return nil, boom
		})
		require.Error(t, err)
	}
	require.False(t, s.breakers.IsAvailable("openai"))

	resp, err := s.pipeline.Process(ctx, &models.AIRequest{
		UserID:  "u1",
		Profile: "automotive",
		Prompt:  "diagnose the engine noise",
	}, queue.PriorityHigh)
	require.NoError(t, err)

	assert.Equal(t, "neuroweaver", resp.Provider)
	assert.Equal(t, []byte("served by fallback"), resp.Body)

	mu.Lock()
	got := append([]string(nil), events...)
	mu.Unlock()
	assert.Equal(t, []string{"failover-failed:anthropic", "failover-success:neuroweaver"}, got)

	for provider, stats := range s.breakers.Stats() {
		t.Logf("breaker %s: state=%s failures=%d successes=%d",
			provider, stats.State, stats.TotalFailures, stats.TotalSuccesses)
	}
}

// TestBudgetStatusSharedAcrossInstances simulates two relaycore instances
// sharing status through Redis: usage recorded by one is visible to the
// other without waiting for its local cache to warm.
func TestBudgetStatusSharedAcrossInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	redisClient := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer func() { _ = redisClient.Close() }()

	logger := zap.NewNop()
	db := openTestDB(t)
	registry := budget.NewRegistry(db, logger)

	cacheA := budget.NewStatusCache(time.Minute, redisClient, logger)
	defer cacheA.Stop()
	cacheB := budget.NewStatusCache(time.Minute, redisClient, logger)
	defer cacheB.Stop()

	instanceA := budget.NewTracker(db, cacheA, logger)
	instanceB := budget.NewTracker(db, cacheB, logger)

	def, err := registry.Create(ctx, &budget.CreateRequest{
		Name:      "team shared",
		ScopeType: models.ScopeTeam,
		ScopeID:   "team-1",
		Amount:    500,
		Period:    models.PeriodMonthly,
		CreatedBy: "e2e",
	})
	require.NoError(t, err)

	_, err = instanceA.RecordUsage(ctx, def.ID, &budget.UsageRequest{
		Amount: 10,
		Source: models.SourceRelayCore,
	})
	require.NoError(t, err)

	require.True(t, mr.Exists("relaycore:budget:status:"+def.ID.String()))

	status, err := instanceB.GetBudgetStatus(ctx, def.ID)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, status.CurrentAmount, 1e-9, "instance B should see spend from instance A")
	assert.InDelta(t, 490.0, status.Remaining, 1e-9)

	t.Logf("shared status across instances: current=%.2f remaining=%.2f status=%s",
		status.CurrentAmount, status.Remaining, status.Status)
}
