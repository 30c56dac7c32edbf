package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore/internal/config"
	"github.com/relaycore/relaycore/internal/database"
	"github.com/relaycore/relaycore/internal/logger"
	"github.com/relaycore/relaycore/internal/metrics"
	"github.com/relaycore/relaycore/internal/services/budget"
	"github.com/relaycore/relaycore/internal/services/cache"
	"github.com/relaycore/relaycore/internal/services/cost"
	"github.com/relaycore/relaycore/internal/services/neuroweaver"
	"github.com/relaycore/relaycore/internal/services/pipeline"
	"github.com/relaycore/relaycore/internal/services/queue"
	"github.com/relaycore/relaycore/internal/services/steering"
	"github.com/relaycore/relaycore/pkg/circuitbreaker"
)

func newServeCommand() *cobra.Command {
	var metricsAddr string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the routing core",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(metricsAddr)
		},
	}
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address")
	return serveCmd
}

func runServe(metricsAddr string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	conns, err := database.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer conns.Close()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Redis.Password != "" {
		redisOpts.Password = cfg.Redis.Password
	}
	redisOpts.DB = cfg.Redis.DB
	if cfg.Redis.PoolSize > 0 {
		redisOpts.PoolSize = cfg.Redis.PoolSize
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	// Steering.
	rules, err := steering.LoadConfig(cfg.Steering.RulesFile)
	if err != nil {
		return fmt.Errorf("invalid steering rules: %w", err)
	}
	if cfg.Steering.DailyBudgetUSD > 0 {
		rules.CostConstraints.DailyBudget = cfg.Steering.DailyBudgetUSD
	}
	if cfg.Steering.PerRequestMaxUSD > 0 {
		rules.CostConstraints.PerRequestMax = cfg.Steering.PerRequestMaxUSD
	}
	engine := steering.NewEngine(rules, log.Named("steering"))

	// Budget subsystem.
	statusCache := budget.NewStatusCache(cfg.Budget.StatusCacheTTL, redisClient, log.Named("budget"))
	statusCache.StartSweeper(time.Minute)
	defer statusCache.Stop()

	registry := budget.NewRegistry(conns.Primary, log.Named("budget"))
	tracker := budget.NewTracker(conns.Primary, statusCache, log.Named("budget"))
	integration := budget.NewIntegration(registry, tracker, tracker, log.Named("budget"))

	// Cost prediction and optimization.
	predictor := cost.NewPredictor(log.Named("cost"))
	optimizer := cost.NewOptimizer(predictor, log.Named("cost"))

	// Caching.
	kv := cache.NewManager(redisClient, cfg.Cache.TTL, cfg.Cache.MaxLocalEntries, log.Named("cache"))
	kv.StartSweeper(time.Minute)
	defer kv.Stop()

	var semantic pipeline.ResponseCache
	if cfg.SemanticCache.Enabled {
		var embedder cache.Embedder = cache.NewLocalEmbedder()
		if cfg.SemanticCache.EmbeddingProvider == "external" {
			embedder = cache.NewExternalEmbedder(
				cfg.SemanticCache.EmbeddingURL,
				cfg.SemanticCache.EmbeddingAPIKey,
				0, 10*time.Second, log.Named("cache"))
		}
		semantic = cache.NewSemanticCache(
			cache.NewCachingEmbedder(embedder, 1000),
			kv,
			cache.SemanticCacheConfig{
				SimilarityThreshold: cfg.SemanticCache.SimilarityThreshold,
				MaxCacheSize:        cfg.SemanticCache.MaxCacheSize,
				TTL:                 cfg.SemanticCache.TTL,
			},
			log.Named("cache"))
	}

	// Circuit breakers and upstream providers.
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		SuccessThreshold: cfg.Circuit.SuccessThreshold,
		RecoveryTimeout:  cfg.Circuit.RecoveryTimeout,
		MonitoringPeriod: cfg.Circuit.MonitoringPeriod,
		Timeout:          cfg.Circuit.Timeout,
	}, log.Named("circuit"))
	breakers.Subscribe(func(event, provider string, _ error) {
		metrics.RecordFailover(provider, event)
	})

	providers := newProviderSet(cfg.Providers, log.Named("providers"))

	// NeuroWeaver outbound integration. The rule file's performance bounds
	// are mirrored onto the platform for every model the rules route to.
	nw := neuroweaver.NewClient(cfg.NeuroWeaver, log.Named("neuroweaver"))
	pushModelThresholds(nw, rules)

	// Pipeline and queue wire each other: the queue's handler is the
	// pipeline's breaker-guarded execution step. The retry bound lives
	// under circuit.* unless the queue overrides it.
	queueCfg := cfg.Queue
	if queueCfg.MaxRetries <= 0 {
		queueCfg.MaxRetries = cfg.Circuit.MaxRetries
	}
	var pipe *pipeline.Pipeline
	q, err := queue.New(queueCfg, func(ctx context.Context, req *queue.Request) (interface{}, error) {
		return pipe.Execute(ctx, req)
	}, log.Named("queue"))
	if err != nil {
		return err
	}
	if cfg.Queue.EnableMetrics {
		q.Subscribe(func(event string, _ *queue.Request) {
			metrics.RecordQueueEvent(event)
		})
	}

	pipe = pipeline.New(pipeline.Options{
		Engine:    engine,
		Budgets:   integration,
		Status:    tracker,
		Optimizer: optimizer,
		Predictor: predictor,
		Semantic:  semantic,
		Queue:     q,
		Breakers:  breakers,
		Feedback:  nw,
		Call:      providers.Call,
		Fallbacks: providers.Fallbacks(),
		Logger:    log.Named("pipeline"),
	})

	q.Start()
	defer q.Stop()

	done := make(chan struct{})
	defer close(done)
	go pollStats(q, breakers, done)
	go rollBudgetDay(engine, log.Named("steering"), done)
	if nw.Enabled() {
		go pollModelHealth(nw, ruleModels(rules), log.Named("neuroweaver"), done)
	}

	// Metrics endpoint.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()
	defer server.Close()

	log.Info("RelayCore started",
		zap.String("metrics_addr", metricsAddr),
		zap.Int("providers", len(cfg.Providers)),
		zap.String("queue_strategy", cfg.Queue.Strategy))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		// SIGHUP re-reads the steering rules without a restart.
		if sig == syscall.SIGHUP {
			next, err := engine.Reload(cfg.Steering.RulesFile)
			if err != nil {
				log.Error("Steering rules reload failed",
					zap.String("path", cfg.Steering.RulesFile),
					zap.Error(err))
				continue
			}
			pushModelThresholds(nw, next)
			continue
		}
		break
	}
	log.Info("Shutting down")
	return nil
}

// pollStats exports queue depth and breaker state gauges.
func pollStats(q *queue.Queue, breakers *circuitbreaker.Manager, done <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats := q.Stats()
			for priority, depth := range stats.QueueSizeByPriority {
				metrics.SetQueueDepth(strconv.Itoa(int(priority)), depth)
			}
			for provider, s := range breakers.Stats() {
				metrics.SetCircuitState(provider, int(s.State))
			}
		case <-done:
			return
		}
	}
}

// ruleModels lists the distinct models the routing rules can select.
func ruleModels(rules *steering.Config) []string {
	seen := make(map[string]bool, len(rules.RoutingRules))
	var out []string
	for _, rule := range rules.RoutingRules {
		model := rule.Action.Model
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true
		out = append(out, model)
	}
	return out
}

// pushModelThresholds sends the rule file's performance bounds to the
// platform as per-model alerting thresholds. Rule files with no bounds
// push nothing.
func pushModelThresholds(nw *neuroweaver.Client, rules *steering.Config) {
	if !nw.Enabled() {
		return
	}
	pt := rules.PerformanceThresholds
	if pt.MaxLatency == 0 && pt.MinSuccessRate == 0 && pt.MaxErrorRate == 0 {
		return
	}
	thresholds := neuroweaver.Thresholds{
		MinAccuracy:  pt.MinSuccessRate,
		MaxLatencyMs: float64(pt.MaxLatency),
		MaxErrorRate: pt.MaxErrorRate,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, model := range ruleModels(rules) {
		nw.PutThresholds(ctx, model, thresholds)
	}
}

// pollModelHealth exports the platform's health view of the routed models.
func pollModelHealth(nw *neuroweaver.Client, models []string, log *zap.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, model := range models {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				health, err := nw.GetModelHealth(ctx, model)
				cancel()
				if err != nil {
					log.Debug("Model health poll failed",
						zap.String("model", model), zap.Error(err))
					continue
				}
				metrics.SetModelHealth(model, health.LatencyMs, health.ErrorRate)
				if health.Status != "" && health.Status != "healthy" {
					log.Warn("Model reported unhealthy",
						zap.String("model", model),
						zap.String("status", health.Status),
						zap.Float64("error_rate", health.ErrorRate))
				}
			}
		case <-done:
			return
		}
	}
}

// rollBudgetDay resets the steering engine's spend counters at UTC midnight.
func rollBudgetDay(engine *steering.Engine, log *zap.Logger, done <-chan struct{}) {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-timer.C:
			book := engine.Book()
			spend := book.DailySpend()
			requests := book.RequestCount()
			book.ResetDay()
			log.Info("Daily spend counters reset",
				zap.Float64("spend_usd", spend),
				zap.Int64("requests", requests))
		case <-done:
			timer.Stop()
			return
		}
	}
}
