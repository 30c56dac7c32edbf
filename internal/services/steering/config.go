package steering

import (
	"fmt"

	"github.com/spf13/viper"
)

type Operator string

const (
	OpEquals            Operator = "equals"
	OpExists            Operator = "exists"
	OpLengthLessThan    Operator = "length_less_than"
	OpLengthGreaterThan Operator = "length_greater_than"
	OpContains          Operator = "contains"
)

var validOperators = map[Operator]bool{
	OpEquals:            true,
	OpExists:            true,
	OpLengthLessThan:    true,
	OpLengthGreaterThan: true,
	OpContains:          true,
}

type Condition struct {
	Field    string      `mapstructure:"field"`
	Operator Operator    `mapstructure:"operator"`
	Value    interface{} `mapstructure:"value"`
}

type Action struct {
	Provider       string  `mapstructure:"provider"`
	Model          string  `mapstructure:"model"`
	CostMultiplier float64 `mapstructure:"cost_multiplier"`
	MaxLatencyMS   int     `mapstructure:"max_latency"`
}

type Rule struct {
	Name       string      `mapstructure:"name"`
	Priority   int         `mapstructure:"priority"`
	Conditions []Condition `mapstructure:"conditions"`
	Action     Action      `mapstructure:"action"`
}

type CostConstraints struct {
	DailyBudget        float64 `mapstructure:"daily_budget"`
	PerRequestMax      float64 `mapstructure:"per_request_max"`
	EmergencyThreshold float64 `mapstructure:"emergency_threshold"`
}

type PerformanceThresholds struct {
	MaxLatency     int     `mapstructure:"max_latency"`
	MinSuccessRate float64 `mapstructure:"min_success_rate"`
	MaxErrorRate   float64 `mapstructure:"max_error_rate"`
}

// Config is the declarative steering rule set loaded at startup.
type Config struct {
	RoutingRules          []Rule                `mapstructure:"routing_rules"`
	CostConstraints       CostConstraints       `mapstructure:"cost_constraints"`
	PerformanceThresholds PerformanceThresholds `mapstructure:"performance_thresholds"`
}

// LoadConfig reads and validates a steering rule file. Rules are returned
// sorted by descending priority.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read steering rules %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse steering rules %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid steering rules %s: %w", path, err)
	}

	cfg.sortRules()
	return &cfg, nil
}

func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.RoutingRules))
	for i, rule := range c.RoutingRules {
		if rule.Name == "" {
			return fmt.Errorf("rule %d: name is required", i)
		}
		if seen[rule.Name] {
			return fmt.Errorf("rule %q: duplicate name", rule.Name)
		}
		seen[rule.Name] = true

		for j, cond := range rule.Conditions {
			if cond.Field == "" {
				return fmt.Errorf("rule %q condition %d: field is required", rule.Name, j)
			}
			if !validOperators[cond.Operator] {
				return fmt.Errorf("rule %q condition %d: unknown operator %q", rule.Name, j, cond.Operator)
			}
			if cond.Operator != OpExists && cond.Value == nil {
				return fmt.Errorf("rule %q condition %d: operator %s requires a value", rule.Name, j, cond.Operator)
			}
		}

		if rule.Action.Provider == "" || rule.Action.Model == "" {
			return fmt.Errorf("rule %q: action requires provider and model", rule.Name)
		}
		if rule.Action.CostMultiplier < 0 {
			return fmt.Errorf("rule %q: cost_multiplier must be >= 0", rule.Name)
		}
	}
	return nil
}

// sortRules orders rules by descending priority, stable for equal
// priorities.
func (c *Config) sortRules() {
	rules := c.RoutingRules
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && rules[j].Priority > rules[j-1].Priority; j-- {
			rules[j], rules[j-1] = rules[j-1], rules[j]
		}
	}
}
