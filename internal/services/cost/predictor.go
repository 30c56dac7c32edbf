package cost

import (
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaycore/relaycore/internal/models"
)

// Prediction is a pre-flight cost estimate for one request.
type Prediction struct {
	EstimatedCost     float64  `json:"estimated_cost"`
	Confidence        float64  `json:"confidence"`
	RecommendedModel  string   `json:"recommended_model"`
	AlternativeModels []string `json:"alternative_models"`
}

const (
	emaAlpha          = 0.2
	defaultConfidence = 0.85
	accuracyWindow    = 7 * 24 * time.Hour
	inputCostWeight   = 0.5
	outputCostWeight  = 1.5
)

// Static blended per-token prices used until enough actual costs have been
// observed for a model.
var staticPerToken = map[string]float64{
	"gpt-4":             0.00003,
	"gpt-4-turbo":       0.00001,
	"gpt-3.5-turbo":     0.000002,
	"claude-3-opus":     0.000015,
	"claude-3-sonnet":   0.000003,
	"claude-3-haiku":    0.00000025,
	"llama-3-70b":       0.000001,
	"mistral-large":     0.000004,
	"gemini-pro":        0.0000005,
	"specialist-router": 0.000005,
}

const defaultPerToken = 0.000005

type accuracySample struct {
	at    time.Time
	score float64
}

// Predictor estimates per-request cost from prompt size and a per-model
// blended token price maintained as an EMA of observed actual costs.
type Predictor struct {
	mu       sync.RWMutex
	ema      map[string]float64
	accuracy map[string][]accuracySample
	logger   *zap.Logger
}

func NewPredictor(logger *zap.Logger) *Predictor {
	return &Predictor{
		ema:      make(map[string]float64),
		accuracy: make(map[string][]accuracySample),
		logger:   logger,
	}
}

// PredictCost estimates the cost of the request against its requested
// model and suggests alternatives from the model family map.
func (p *Predictor) PredictCost(request *models.AIRequest) *Prediction {
	inputTokens := EstimateTokens(request.InputChars())
	outputTokens := request.MaxTokens
	if outputTokens <= 0 {
		outputTokens = int(math.Round(float64(inputTokens) * OutputRatio(request.Model)))
	}

	perToken := p.perTokenCost(request.Model)
	estimated := float64(inputTokens)*perToken*inputCostWeight +
		float64(outputTokens)*perToken*outputCostWeight

	return &Prediction{
		EstimatedCost:     estimated,
		Confidence:        p.confidence(request.Model),
		RecommendedModel:  request.Model,
		AlternativeModels: Alternatives(request.Model),
	}
}

// EstimateCost is the narrow form used by the budget manager.
func (p *Predictor) EstimateCost(request *models.AIRequest) float64 {
	return p.PredictCost(request).EstimatedCost
}

// UpdateModel feeds an observed request back into the per-model EMA and
// the rolling prediction-accuracy window.
func (p *Predictor) UpdateModel(model string, actualCost, predictedCost float64, totalTokens int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if totalTokens > 0 && actualCost > 0 {
		perToken := actualCost / float64(totalTokens)
		if prev, ok := p.ema[model]; ok {
			p.ema[model] = emaAlpha*perToken + (1-emaAlpha)*prev
		} else {
			p.ema[model] = perToken
		}
	}

	if actualCost > 0 {
		score := 1 - math.Abs(actualCost-predictedCost)/actualCost
		if score < 0 {
			score = 0
		}
		now := time.Now()
		samples := append(p.accuracy[model], accuracySample{at: now, score: score})
		cutoff := now.Add(-accuracyWindow)
		trimmed := samples[:0]
		for _, s := range samples {
			if s.at.After(cutoff) {
				trimmed = append(trimmed, s)
			}
		}
		p.accuracy[model] = trimmed
	}
}

func (p *Predictor) perTokenCost(model string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ema, ok := p.ema[model]; ok {
		return ema
	}
	if static, ok := staticPerToken[model]; ok {
		return static
	}
	return defaultPerToken
}

// confidence is the rolling mean prediction accuracy over the last seven
// days for the model, defaulting when no observations exist.
func (p *Predictor) confidence(model string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	samples := p.accuracy[model]
	cutoff := time.Now().Add(-accuracyWindow)
	var sum float64
	var n int
	for _, s := range samples {
		if s.at.After(cutoff) {
			sum += s.score
			n++
		}
	}
	if n == 0 {
		return defaultConfidence
	}
	return sum / float64(n)
}

// EstimateTokens approximates the token count of a character span.
func EstimateTokens(chars int) int {
	return int(math.Ceil(float64(chars) / 4))
}

// OutputRatio is the expected output/input token ratio per model family.
func OutputRatio(model string) float64 {
	switch {
	case strings.Contains(model, "gpt-4"):
		return 1.2
	case strings.Contains(model, "gpt-3.5"):
		return 1.5
	case strings.Contains(model, "claude"):
		return 1.3
	case strings.Contains(model, "llama"):
		return 1.4
	case strings.Contains(model, "mistral"):
		return 1.3
	case strings.Contains(model, "gemini"):
		return 1.2
	default:
		return 1.0
	}
}
