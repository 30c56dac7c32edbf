package steering

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/relaycore/relaycore/internal/models"
)

// Decision is the routing outcome for one request.
type Decision struct {
	Provider          string   `json:"provider"`
	Model             string   `json:"model"`
	EstimatedCost     float64  `json:"estimated_cost"`
	ExpectedLatencyMS int      `json:"expected_latency_ms"`
	Confidence        float64  `json:"confidence"`
	Reason            string   `json:"reason"`
	RulesApplied      []string `json:"rules_applied"`
	FallbackProvider  string   `json:"fallback_provider,omitempty"`
}

// BudgetBook tracks the engine's view of global daily spend. It exists so
// tests can reset spend deterministically instead of poking globals.
type BudgetBook struct {
	mu           sync.RWMutex
	dailySpend   float64
	requestCount int64
}

func (b *BudgetBook) AddSpend(amount float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dailySpend += amount
	b.requestCount++
}

func (b *BudgetBook) DailySpend() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dailySpend
}

func (b *BudgetBook) RequestCount() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.requestCount
}

// ResetDay zeroes the running totals at the day boundary.
func (b *BudgetBook) ResetDay() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dailySpend = 0
	b.requestCount = 0
}

// Engine evaluates the steering rule set against incoming requests.
type Engine struct {
	mu     sync.RWMutex
	config *Config
	book   *BudgetBook
	logger *zap.Logger
}

func NewEngine(cfg *Config, logger *zap.Logger) *Engine {
	return &Engine{
		config: cfg,
		book:   &BudgetBook{},
		logger: logger,
	}
}

func (e *Engine) Book() *BudgetBook { return e.book }

// Reload swaps in a freshly validated rule file and returns it. The
// budget book survives the reload.
func (e *Engine) Reload(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.config = cfg
	e.mu.Unlock()
	e.logger.Info("Steering rules reloaded",
		zap.String("path", path),
		zap.Int("rules", len(cfg.RoutingRules)))
	return cfg, nil
}

// Decide returns a routing decision for the request. It never fails: any
// unexpected condition collapses into the fallback decision.
func (e *Engine) Decide(request *models.AIRequest, profileID string) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Steering evaluation panicked, using fallback",
				zap.Any("panic", r),
				zap.String("request_id", request.ID))
			decision = fallbackDecision("error_fallback", "Rule evaluation failed")
		}
	}()

	e.mu.RLock()
	cfg := e.config
	e.mu.RUnlock()

	promptLen := len(request.PromptText())

	if cfg.CostConstraints.DailyBudget > 0 && e.book.DailySpend() >= cfg.CostConstraints.DailyBudget {
		return fallbackDecision("budget_constraint", "Daily budget exceeded")
	}

	for _, rule := range cfg.RoutingRules {
		if rule.Name == "default" {
			continue
		}
		if !e.ruleMatches(rule, request, profileID) {
			continue
		}

		cost := baseCost(rule.Action.Model, promptLen, profileID) * rule.Action.CostMultiplier
		if cfg.CostConstraints.PerRequestMax > 0 && cost > cfg.CostConstraints.PerRequestMax {
			e.logger.Debug("Rule action exceeds per-request cost cap, trying next rule",
				zap.String("rule", rule.Name),
				zap.Float64("cost", cost))
			continue
		}

		return Decision{
			Provider:          rule.Action.Provider,
			Model:             rule.Action.Model,
			EstimatedCost:     cost,
			ExpectedLatencyMS: rule.Action.MaxLatencyMS,
			Confidence:        confidence(rule.Action.Model, profileID, promptLen),
			Reason:            fmt.Sprintf("Matched rule %s", rule.Name),
			RulesApplied:      []string{rule.Name},
		}
	}

	if def := cfg.defaultRule(); def != nil {
		cost := baseCost(def.Action.Model, promptLen, profileID) * def.Action.CostMultiplier
		return Decision{
			Provider:          def.Action.Provider,
			Model:             def.Action.Model,
			EstimatedCost:     cost,
			ExpectedLatencyMS: def.Action.MaxLatencyMS,
			Confidence:        confidence(def.Action.Model, profileID, promptLen),
			Reason:            "No rule matched, using default rule",
			RulesApplied:      []string{"default"},
		}
	}

	return fallbackDecision("fallback", "No rule matched")
}

func (c *Config) defaultRule() *Rule {
	for i := range c.RoutingRules {
		if c.RoutingRules[i].Name == "default" {
			return &c.RoutingRules[i]
		}
	}
	return nil
}

func fallbackDecision(tag, reason string) Decision {
	return Decision{
		Provider:          "openai",
		Model:             "gpt-3.5-turbo",
		EstimatedCost:     0.002,
		ExpectedLatencyMS: 2000,
		Confidence:        0.7,
		Reason:            reason,
		RulesApplied:      []string{tag},
	}
}

func (e *Engine) ruleMatches(rule Rule, request *models.AIRequest, profileID string) bool {
	for _, cond := range rule.Conditions {
		if !evaluateCondition(cond, request, profileID) {
			return false
		}
	}
	return true
}

// evaluateCondition resolves the condition field against the request and
// applies the operator. Missing fields fail every operator except a
// negative exists check.
func evaluateCondition(cond Condition, request *models.AIRequest, profileID string) bool {
	value, ok := resolveField(cond.Field, request, profileID)

	if cond.Operator == OpExists {
		want, _ := cond.Value.(bool)
		if cond.Value == nil {
			want = true
		}
		return ok == want
	}
	if !ok {
		return false
	}

	switch cond.Operator {
	case OpEquals:
		return fmt.Sprintf("%v", value) == fmt.Sprintf("%v", cond.Value)
	case OpLengthLessThan:
		return float64(valueLength(value)) < toFloat(cond.Value)
	case OpLengthGreaterThan:
		return float64(valueLength(value)) > toFloat(cond.Value)
	case OpContains:
		return strings.Contains(fmt.Sprintf("%v", value), fmt.Sprintf("%v", cond.Value))
	default:
		return false
	}
}

// resolveField walks a dotted path over the request. The virtual field
// "profile" resolves to the active profile id.
func resolveField(path string, request *models.AIRequest, profileID string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	switch parts[0] {
	case "profile":
		return profileID, profileID != ""
	case "prompt":
		p := request.PromptText()
		return p, p != ""
	case "model":
		return request.Model, request.Model != ""
	case "user_id", "userId":
		return request.UserID, request.UserID != ""
	case "system_source":
		return request.SystemSource, request.SystemSource != ""
	case "context":
		return resolveMapPath(request.Context, parts[1:])
	default:
		return nil, false
	}
}

func resolveMapPath(m map[string]interface{}, parts []string) (interface{}, bool) {
	var current interface{} = m
	for _, part := range parts {
		asMap, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = asMap[part]
		if !ok {
			return nil, false
		}
	}
	if len(parts) == 0 {
		return nil, false
	}
	return current, current != nil
}

func valueLength(v interface{}) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case []interface{}:
		return len(t)
	default:
		return len(fmt.Sprintf("%v", t))
	}
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		var f float64
		fmt.Sscanf(fmt.Sprintf("%v", t), "%g", &f)
		return f
	}
}

// Per-1K-token base prices. Unknown models fall back to a mid-range rate.
var baseCostTable = map[string]float64{
	"gpt-4":             0.03,
	"gpt-4-turbo":       0.01,
	"gpt-3.5-turbo":     0.002,
	"claude-3-opus":     0.015,
	"claude-3-sonnet":   0.003,
	"claude-3-haiku":    0.00025,
	"specialist-router": 0.005,
}

const defaultBaseCost = 0.005

func baseCost(model string, promptLen int, profileID string) float64 {
	perThousand, ok := baseCostTable[model]
	if !ok {
		perThousand = defaultBaseCost
	}
	cost := perThousand * float64(promptLen) / 1000
	if profileID == "automotive" {
		cost *= 0.9
	}
	return cost
}

func confidence(model, profileID string, promptLen int) float64 {
	score := 0.8
	if strings.Contains(model, "gpt-4") {
		score += 0.10
	}
	if strings.Contains(model, "specialist") {
		score += 0.05
	}
	if profileID == "healthcare" {
		score += 0.05
	}
	if promptLen > 1000 {
		score -= 0.05
	}
	if score > 0.95 {
		score = 0.95
	}
	if score < 0.5 {
		score = 0.5
	}
	return score
}
