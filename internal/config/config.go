package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`

	Steering      SteeringConfig      `mapstructure:"steering"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Circuit       CircuitConfig       `mapstructure:"circuit"`
	Cache         CacheConfig         `mapstructure:"cache"`
	SemanticCache SemanticCacheConfig `mapstructure:"semantic_cache"`
	Budget        BudgetConfig        `mapstructure:"budget"`
	NeuroWeaver   NeuroWeaverConfig   `mapstructure:"neuroweaver"`
	Providers     []ProviderConfig    `mapstructure:"providers"`

	Logging LoggingConfig `mapstructure:"logging"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	ReplicaURL      string        `mapstructure:"replica_url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// SteeringConfig locates the rule file and carries the engine-level
// spending guards.
type SteeringConfig struct {
	RulesFile        string  `mapstructure:"rules_file"`
	DailyBudgetUSD   float64 `mapstructure:"daily_budget_usd"`
	PerRequestMaxUSD float64 `mapstructure:"per_request_max_usd"`
}

type QueueConfig struct {
	MaxSize       int            `mapstructure:"max_size"`
	Concurrency   map[string]int `mapstructure:"concurrency"`
	Strategy      string         `mapstructure:"strategy"`
	Timeout       time.Duration  `mapstructure:"timeout"`
	RetryDelay    time.Duration  `mapstructure:"retry_delay"`
	MaxRetries    int            `mapstructure:"max_retries"` // overrides circuit.max_retries when set
	EnableMetrics bool           `mapstructure:"enable_metrics"`
}

type CircuitConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	MonitoringPeriod time.Duration `mapstructure:"monitoring_period"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxRetries       int           `mapstructure:"max_retries"` // per-request retry bound applied by the queue
}

type CacheConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	MaxLocalEntries int           `mapstructure:"max_local_entries"`
}

type SemanticCacheConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	MaxCacheSize        int           `mapstructure:"max_cache_size"`
	TTL                 time.Duration `mapstructure:"ttl"`
	EmbeddingProvider   string        `mapstructure:"embedding_provider"`
	EmbeddingURL        string        `mapstructure:"embedding_url"`
	EmbeddingAPIKey     string        `mapstructure:"embedding_api_key"`
}

type BudgetConfig struct {
	StatusCacheTTL time.Duration `mapstructure:"status_cache_ttl"`
}

type NeuroWeaverConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ProviderConfig describes one upstream provider endpoint and its place
// in the failover order.
type ProviderConfig struct {
	Name     string `mapstructure:"name"`
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	Priority int    `mapstructure:"priority"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// Load reads the config file (when present), applies RELAYCORE_* environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RELAYCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.max_idle_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("steering.rules_file", "steering.yaml")
	v.SetDefault("steering.daily_budget_usd", 1000.0)
	v.SetDefault("steering.per_request_max_usd", 1.0)

	v.SetDefault("queue.max_size", 1000)
	v.SetDefault("queue.strategy", "priority")
	v.SetDefault("queue.timeout", "30s")
	v.SetDefault("queue.retry_delay", "1s")
	v.SetDefault("queue.enable_metrics", true)

	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.success_threshold", 2)
	v.SetDefault("circuit.recovery_timeout", "30s")
	v.SetDefault("circuit.monitoring_period", "1m")
	v.SetDefault("circuit.timeout", "30s")
	v.SetDefault("circuit.max_retries", 3)

	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.max_local_entries", 10000)

	v.SetDefault("semantic_cache.enabled", true)
	v.SetDefault("semantic_cache.similarity_threshold", 0.85)
	v.SetDefault("semantic_cache.max_cache_size", 1000)
	v.SetDefault("semantic_cache.ttl", "1h")
	v.SetDefault("semantic_cache.embedding_provider", "local")

	v.SetDefault("budget.status_cache_ttl", "5m")

	v.SetDefault("neuroweaver.timeout", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
}

var validStrategies = map[string]bool{
	"priority":     true,
	"round-robin":  true,
	"least-loaded": true,
	"adaptive":     true,
}

func (c *Config) Validate() error {
	if !validStrategies[c.Queue.Strategy] {
		return fmt.Errorf("invalid queue strategy %q (valid: priority, round-robin, least-loaded, adaptive)", c.Queue.Strategy)
	}
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue.max_size must be positive, got %d", c.Queue.MaxSize)
	}
	for provider, n := range c.Queue.Concurrency {
		if n <= 0 {
			return fmt.Errorf("queue.concurrency[%s] must be positive, got %d", provider, n)
		}
	}
	if c.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("circuit.failure_threshold must be positive, got %d", c.Circuit.FailureThreshold)
	}
	if c.Circuit.SuccessThreshold <= 0 {
		return fmt.Errorf("circuit.success_threshold must be positive, got %d", c.Circuit.SuccessThreshold)
	}
	if c.SemanticCache.SimilarityThreshold <= 0 || c.SemanticCache.SimilarityThreshold > 1 {
		return fmt.Errorf("semantic_cache.similarity_threshold must be in (0, 1], got %f", c.SemanticCache.SimilarityThreshold)
	}
	switch c.SemanticCache.EmbeddingProvider {
	case "local", "external":
	default:
		return fmt.Errorf("semantic_cache.embedding_provider must be local or external, got %q", c.SemanticCache.EmbeddingProvider)
	}
	if c.SemanticCache.EmbeddingProvider == "external" && c.SemanticCache.EmbeddingURL == "" {
		return fmt.Errorf("semantic_cache.embedding_url is required for the external embedding provider")
	}
	if c.Budget.StatusCacheTTL <= 0 {
		return fmt.Errorf("budget.status_cache_ttl must be positive")
	}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d].name is required", i)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("providers[%d].base_url is required", i)
		}
	}
	return nil
}
