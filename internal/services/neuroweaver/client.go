package neuroweaver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/relaycore/relaycore/internal/config"
)

// SwitchType controls how a model switch is rolled out.
type SwitchType string

const (
	SwitchImmediate SwitchType = "immediate"
	SwitchGradual   SwitchType = "gradual"
)

// PerformanceFeedback is the per-model observation pushed after requests.
type PerformanceFeedback struct {
	Accuracy   float64 `json:"accuracy"`
	Latency    float64 `json:"latency"`
	Throughput float64 `json:"throughput"`
	Cost       float64 `json:"cost"`
}

// ModelSwitchRequest asks the training platform to move traffic between
// model variants.
type ModelSwitchRequest struct {
	CurrentModel string     `json:"current_model"`
	TargetModel  string     `json:"target_model,omitempty"`
	Reason       string     `json:"reason"`
	SwitchType   SwitchType `json:"switch_type"`
}

// ModelHealth is the platform's view of one model.
type ModelHealth struct {
	Model     string  `json:"model"`
	Status    string  `json:"status"`
	Accuracy  float64 `json:"accuracy"`
	LatencyMs float64 `json:"latency_ms"`
	ErrorRate float64 `json:"error_rate"`
}

// Thresholds are the per-model alerting bounds.
type Thresholds struct {
	MinAccuracy  float64 `json:"min_accuracy"`
	MaxLatencyMs float64 `json:"max_latency_ms"`
	MaxErrorRate float64 `json:"max_error_rate"`
}

// Client talks to the NeuroWeaver training platform. All pushes are
// fire-and-forget: failures are logged and never propagate into the
// request path.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(cfg config.NeuroWeaverConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Enabled reports whether a base URL was configured.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// PostPerformanceFeedback pushes one model's observed metrics. Errors are
// swallowed after logging.
func (c *Client) PostPerformanceFeedback(ctx context.Context, model string, feedback PerformanceFeedback) {
	if !c.Enabled() {
		return
	}
	path := fmt.Sprintf("/api/v1/models/%s/feedback", model)
	if err := c.send(ctx, http.MethodPost, path, feedback, nil); err != nil {
		c.logger.Warn("Performance feedback push failed",
			zap.String("model", model), zap.Error(err))
	}
}

// RequestModelSwitch asks the platform to switch models. Errors are
// swallowed after logging.
func (c *Client) RequestModelSwitch(ctx context.Context, req ModelSwitchRequest) {
	if !c.Enabled() {
		return
	}
	if req.SwitchType == "" {
		req.SwitchType = SwitchGradual
	}
	if err := c.send(ctx, http.MethodPost, "/api/v1/models/switch", req, nil); err != nil {
		c.logger.Warn("Model switch request failed",
			zap.String("current_model", req.CurrentModel),
			zap.String("target_model", req.TargetModel),
			zap.Error(err))
	}
}

// GetModelHealth fetches the platform's health view of one model.
func (c *Client) GetModelHealth(ctx context.Context, model string) (*ModelHealth, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("neuroweaver integration is not configured")
	}
	var health ModelHealth
	path := fmt.Sprintf("/api/v1/models/%s/health", model)
	if err := c.send(ctx, http.MethodGet, path, nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// PutThresholds updates a model's alerting thresholds. Errors are
// swallowed after logging.
func (c *Client) PutThresholds(ctx context.Context, model string, thresholds Thresholds) {
	if !c.Enabled() {
		return
	}
	path := fmt.Sprintf("/api/v1/models/%s/thresholds", model)
	if err := c.send(ctx, http.MethodPut, path, thresholds, nil); err != nil {
		c.logger.Warn("Threshold update failed",
			zap.String("model", model), zap.Error(err))
	}
}

func (c *Client) send(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("neuroweaver returned status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
