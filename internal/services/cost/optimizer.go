package cost

import (
	"go.uber.org/zap"

	"github.com/relaycore/relaycore/internal/models"
)

// Model family adjacency: the substitutes considered when the requested
// model is too expensive for the remaining budget.
var modelFamilies = map[string][]string{
	"gpt-4":           {"gpt-4-turbo", "gpt-3.5-turbo"},
	"gpt-4-turbo":     {"gpt-3.5-turbo"},
	"gpt-3.5-turbo":   {"claude-3-haiku"},
	"claude-3-opus":   {"claude-3-sonnet", "claude-3-haiku"},
	"claude-3-sonnet": {"claude-3-haiku"},
	"claude-3-haiku":  {"gpt-3.5-turbo"},
	"mistral-large":   {"gpt-3.5-turbo", "claude-3-haiku"},
	"gemini-pro":      {"gpt-3.5-turbo"},
	"llama-3-70b":     {"claude-3-haiku"},
}

// Relative quality scores, 0-1.
var modelPerformance = map[string]float64{
	"gpt-4":             0.95,
	"gpt-4-turbo":       0.93,
	"claude-3-opus":     0.94,
	"claude-3-sonnet":   0.88,
	"mistral-large":     0.85,
	"gemini-pro":        0.84,
	"llama-3-70b":       0.82,
	"gpt-3.5-turbo":     0.80,
	"claude-3-haiku":    0.78,
	"specialist-router": 0.86,
}

// Typical end-to-end latency in milliseconds.
var modelLatencyMS = map[string]int{
	"gpt-4":             3500,
	"gpt-4-turbo":       2500,
	"claude-3-opus":     3200,
	"claude-3-sonnet":   2200,
	"mistral-large":     2000,
	"gemini-pro":        1800,
	"llama-3-70b":       1700,
	"gpt-3.5-turbo":     1200,
	"claude-3-haiku":    900,
	"specialist-router": 1500,
}

// Alternatives returns the substitute models for a requested model.
func Alternatives(model string) []string {
	return modelFamilies[model]
}

func Performance(model string) float64 {
	if p, ok := modelPerformance[model]; ok {
		return p
	}
	return 0.75
}

func LatencyMS(model string) int {
	if l, ok := modelLatencyMS[model]; ok {
		return l
	}
	return 2000
}

// Selection is the optimizer's choice for one request.
type Selection struct {
	Model         string  `json:"model"`
	EstimatedCost float64 `json:"estimated_cost"`
	Substituted   bool    `json:"substituted"`
	Reason        string  `json:"reason"`
}

// Optimizer substitutes cheaper models when the predicted cost eats too
// deeply into the remaining budget.
type Optimizer struct {
	predictor *Predictor
	logger    *zap.Logger
}

func NewOptimizer(predictor *Predictor, logger *zap.Logger) *Optimizer {
	return &Optimizer{predictor: predictor, logger: logger}
}

// budgetShare is the fraction of remaining budget a single request may
// consume before substitution kicks in.
const budgetShare = 0.10

// OptimizeModelSelection keeps the requested model when its predicted cost
// fits within 10% of the remaining budget; otherwise it picks the
// highest-performing alternative that fits, or the cheapest candidate when
// nothing does.
func (o *Optimizer) OptimizeModelSelection(request *models.AIRequest, remainingBudget float64) *Selection {
	requestedCost := o.costFor(request, request.Model)
	limit := remainingBudget * budgetShare

	if requestedCost <= limit {
		return &Selection{
			Model:         request.Model,
			EstimatedCost: requestedCost,
			Reason:        "requested model fits budget",
		}
	}

	type candidate struct {
		model string
		cost  float64
	}
	candidates := []candidate{{request.Model, requestedCost}}

	var best *candidate
	for _, alt := range Alternatives(request.Model) {
		c := candidate{alt, o.costFor(request, alt)}
		candidates = append(candidates, c)
		if c.cost > limit {
			continue
		}
		if best == nil || Performance(c.model) > Performance(best.model) {
			bc := c
			best = &bc
		}
	}

	if best != nil {
		o.logger.Debug("Substituted model for budget fit",
			zap.String("requested", request.Model),
			zap.String("selected", best.model),
			zap.Float64("remaining_budget", remainingBudget))
		return &Selection{
			Model:         best.model,
			EstimatedCost: best.cost,
			Substituted:   best.model != request.Model,
			Reason:        "highest-performing alternative within budget",
		}
	}

	cheapest := candidates[0]
	for _, c := range candidates[1:] {
		if c.cost < cheapest.cost {
			cheapest = c
		}
	}
	return &Selection{
		Model:         cheapest.model,
		EstimatedCost: cheapest.cost,
		Substituted:   cheapest.model != request.Model,
		Reason:        "no candidate fits budget, using cheapest",
	}
}

func (o *Optimizer) costFor(request *models.AIRequest, model string) float64 {
	clone := *request
	clone.Model = model
	return o.predictor.EstimateCost(&clone)
}
