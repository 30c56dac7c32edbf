package steering

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore/internal/models"
)

func testConfig() *Config {
	cfg := &Config{
		RoutingRules: []Rule{
			{
				Name:     "gpt4-rule",
				Priority: 10,
				Conditions: []Condition{
					{Field: "profile", Operator: OpEquals, Value: "automotive"},
				},
				Action: Action{Provider: "openai", Model: "gpt-4", CostMultiplier: 1.0, MaxLatencyMS: 3000},
			},
			{
				Name:     "long-prompt",
				Priority: 5,
				Conditions: []Condition{
					{Field: "prompt", Operator: OpLengthGreaterThan, Value: 100},
				},
				Action: Action{Provider: "anthropic", Model: "claude-3-haiku", CostMultiplier: 1.0, MaxLatencyMS: 2000},
			},
		},
		CostConstraints: CostConstraints{
			DailyBudget:   100,
			PerRequestMax: 1.0,
		},
	}
	cfg.sortRules()
	return cfg
}

func TestEngine_Decide(t *testing.T) {
	engine := NewEngine(testConfig(), zap.NewNop())

	t.Run("matching rule wins", func(t *testing.T) {
		req := &models.AIRequest{ID: "r1", UserID: "u1", Prompt: "hi"}
		decision := engine.Decide(req, "automotive")

		assert.Equal(t, "openai", decision.Provider)
		assert.Equal(t, "gpt-4", decision.Model)
		assert.Equal(t, []string{"gpt4-rule"}, decision.RulesApplied)
		// 0.03/1K tokens, 2 chars, 10% automotive discount.
		assert.InDelta(t, 0.000054, decision.EstimatedCost, 1e-9)
		assert.Equal(t, 3000, decision.ExpectedLatencyMS)
	})

	t.Run("deterministic for same inputs", func(t *testing.T) {
		req := &models.AIRequest{ID: "r1", Prompt: "hi"}
		first := engine.Decide(req, "automotive")
		second := engine.Decide(req, "automotive")
		assert.Equal(t, first, second)
	})

	t.Run("falls through to lower priority rule", func(t *testing.T) {
		long := make([]byte, 150)
		for i := range long {
			long[i] = 'x'
		}
		req := &models.AIRequest{ID: "r2", Prompt: string(long)}
		decision := engine.Decide(req, "")

		assert.Equal(t, []string{"long-prompt"}, decision.RulesApplied)
		assert.Equal(t, "anthropic", decision.Provider)
	})

	t.Run("no match yields fixed fallback", func(t *testing.T) {
		req := &models.AIRequest{ID: "r3", Prompt: "hi"}
		decision := engine.Decide(req, "")

		assert.Equal(t, "openai", decision.Provider)
		assert.Equal(t, "gpt-3.5-turbo", decision.Model)
		assert.Equal(t, 0.002, decision.EstimatedCost)
		assert.Equal(t, 2000, decision.ExpectedLatencyMS)
		assert.Equal(t, 0.7, decision.Confidence)
	})
}

func TestEngine_DailyBudgetGuard(t *testing.T) {
	engine := NewEngine(testConfig(), zap.NewNop())
	engine.Book().AddSpend(100) // equal to the daily budget

	decision := engine.Decide(&models.AIRequest{ID: "r1", Prompt: "hi"}, "automotive")

	assert.Equal(t, "Daily budget exceeded", decision.Reason)
	assert.Equal(t, []string{"budget_constraint"}, decision.RulesApplied)

	engine.Book().ResetDay()
	decision = engine.Decide(&models.AIRequest{ID: "r1", Prompt: "hi"}, "automotive")
	assert.Equal(t, []string{"gpt4-rule"}, decision.RulesApplied)
}

func TestEngine_PerRequestMaxSkipsRule(t *testing.T) {
	cfg := testConfig()
	cfg.CostConstraints.PerRequestMax = 0.00001
	engine := NewEngine(cfg, zap.NewNop())

	// gpt4-rule matches but its cost exceeds the cap, so evaluation
	// continues and lands on the fallback.
	decision := engine.Decide(&models.AIRequest{ID: "r1", Prompt: "hi"}, "automotive")
	assert.Equal(t, "gpt-3.5-turbo", decision.Model)
}

func TestEngine_DefaultRule(t *testing.T) {
	cfg := testConfig()
	cfg.RoutingRules = append(cfg.RoutingRules, Rule{
		Name:     "default",
		Priority: 0,
		Action:   Action{Provider: "neuroweaver", Model: "specialist-router", CostMultiplier: 1.0, MaxLatencyMS: 1500},
	})
	cfg.sortRules()
	engine := NewEngine(cfg, zap.NewNop())

	decision := engine.Decide(&models.AIRequest{ID: "r1", Prompt: "hi"}, "")
	assert.Equal(t, []string{"default"}, decision.RulesApplied)
	assert.Equal(t, "neuroweaver", decision.Provider)
}

func TestEvaluateCondition(t *testing.T) {
	req := &models.AIRequest{
		Prompt: "hello world",
		Model:  "gpt-4",
		Context: map[string]interface{}{
			"user": map[string]interface{}{"tier": "premium"},
		},
	}

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals matches", Condition{Field: "model", Operator: OpEquals, Value: "gpt-4"}, true},
		{"equals mismatch", Condition{Field: "model", Operator: OpEquals, Value: "gpt-3.5-turbo"}, false},
		{"contains", Condition{Field: "prompt", Operator: OpContains, Value: "world"}, true},
		{"length_less_than", Condition{Field: "prompt", Operator: OpLengthLessThan, Value: 100}, true},
		{"length_greater_than", Condition{Field: "prompt", Operator: OpLengthGreaterThan, Value: 100}, false},
		{"nested context path", Condition{Field: "context.user.tier", Operator: OpEquals, Value: "premium"}, true},
		{"missing field fails equals", Condition{Field: "context.missing", Operator: OpEquals, Value: "x"}, false},
		{"exists true", Condition{Field: "prompt", Operator: OpExists, Value: true}, true},
		{"exists false on missing", Condition{Field: "user_id", Operator: OpExists, Value: false}, true},
		{"exists defaults to true", Condition{Field: "prompt", Operator: OpExists}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, evaluateCondition(tc.cond, req, ""))
		})
	}
}

func TestConfidence(t *testing.T) {
	assert.InDelta(t, 0.90, confidence("gpt-4", "", 10), 1e-9)
	assert.InDelta(t, 0.85, confidence("specialist-router", "", 10), 1e-9)
	assert.InDelta(t, 0.95, confidence("gpt-4", "healthcare", 10), 1e-9)
	// Clamped at 0.95 even when every bonus applies.
	assert.InDelta(t, 0.95, confidence("gpt-4-specialist", "healthcare", 10), 1e-9)
	assert.InDelta(t, 0.85, confidence("gpt-4", "", 2000), 1e-9)
	assert.InDelta(t, 0.75, confidence("claude-3-haiku", "", 2000), 1e-9)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(dir, "rules.yaml")
		content := `
routing_rules:
  - name: low-priority
    priority: 1
    conditions:
      - field: profile
        operator: equals
        value: automotive
    action:
      provider: openai
      model: gpt-3.5-turbo
      cost_multiplier: 1.0
      max_latency: 2000
  - name: high-priority
    priority: 10
    conditions:
      - field: prompt
        operator: exists
        value: true
    action:
      provider: anthropic
      model: claude-3-sonnet
      cost_multiplier: 0.8
      max_latency: 3000
cost_constraints:
  daily_budget: 500
  per_request_max: 0.5
  emergency_threshold: 0.9
performance_thresholds:
  max_latency: 5000
  min_success_rate: 0.95
  max_error_rate: 0.05
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		require.Len(t, cfg.RoutingRules, 2)
		// Sorted by descending priority.
		assert.Equal(t, "high-priority", cfg.RoutingRules[0].Name)
		assert.Equal(t, 500.0, cfg.CostConstraints.DailyBudget)
	})

	t.Run("unknown operator rejected", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		content := `
routing_rules:
  - name: broken
    priority: 1
    conditions:
      - field: prompt
        operator: matches_regex
        value: ".*"
    action:
      provider: openai
      model: gpt-4
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown operator")
	})

	t.Run("missing file fails", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(dir, "absent.yaml"))
		require.Error(t, err)
	})
}

func TestEngine_Reload(t *testing.T) {
	dir := t.TempDir()
	engine := NewEngine(testConfig(), zap.NewNop())
	engine.Book().AddSpend(42)

	req := &models.AIRequest{ID: "r1", Prompt: "hi"}
	require.Equal(t, "gpt-4", engine.Decide(req, "automotive").Model)

	t.Run("swaps rules and keeps the book", func(t *testing.T) {
		path := filepath.Join(dir, "next.yaml")
		content := `
routing_rules:
  - name: automotive-claude
    priority: 10
    conditions:
      - field: profile
        operator: equals
        value: automotive
    action:
      provider: anthropic
      model: claude-3-sonnet
      cost_multiplier: 1.0
      max_latency: 3000
cost_constraints:
  daily_budget: 100
  per_request_max: 1.0
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		loaded, err := engine.Reload(path)
		require.NoError(t, err)
		require.Len(t, loaded.RoutingRules, 1)

		decision := engine.Decide(req, "automotive")
		assert.Equal(t, "claude-3-sonnet", decision.Model)
		assert.Equal(t, 42.0, engine.Book().DailySpend())
	})

	t.Run("invalid file keeps the current rules", func(t *testing.T) {
		path := filepath.Join(dir, "broken.yaml")
		content := `
routing_rules:
  - name: broken
    priority: 1
    conditions:
      - field: prompt
        operator: matches_regex
        value: ".*"
    action:
      provider: openai
      model: gpt-4
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		_, err := engine.Reload(path)
		require.Error(t, err)

		decision := engine.Decide(req, "automotive")
		assert.Equal(t, "claude-3-sonnet", decision.Model, "failed reload must not clobber rules")
	})
}
