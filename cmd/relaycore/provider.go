package main

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
	"github.com/relaycore/relaycore/internal/models"
	"github.com/relaycore/relaycore/pkg/circuitbreaker"
)

// providerSet forwards requests to configured OpenAI-compatible chat
// endpoints. The core treats provider payloads as opaque; this is the
// default transport the serve command supplies.
type providerSet struct {
	endpoints map[string]config.ProviderConfig
	order     []config.ProviderConfig
	http      *http.Client
	logger    *zap.Logger
}

func newProviderSet(providers []config.ProviderConfig, logger *zap.Logger) *providerSet {
	endpoints := make(map[string]config.ProviderConfig, len(providers))
	for _, p := range providers {
		endpoints[p.Name] = p
	}
	return &providerSet{
		endpoints: endpoints,
		order:     providers,
		http:      &http.Client{Timeout: 2 * time.Minute},
		logger:    logger,
	}
}

// Fallbacks returns every configured provider as a failover candidate,
// carrying its configured priority.
func (s *providerSet) Fallbacks() []circuitbreaker.Provider {
	out := make([]circuitbreaker.Provider, 0, len(s.order))
	for _, p := range s.order {
		out = append(out, circuitbreaker.Provider{Name: p.Name, Priority: p.Priority})
	}
	return out
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Call implements pipeline.ProviderCall against the named provider.
func (s *providerSet) Call(ctx context.Context, provider, model string, request *models.AIRequest) (*models.AIResponse, error) {
	endpoint, ok := s.endpoints[provider]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", provider)
	}

	payload := chatRequest{Model: model, MaxTokens: request.MaxTokens}
	for _, m := range request.Messages {
		payload.Messages = append(payload.Messages, chatMessage{
			Role:    string(m.Role),
			Content: m.PlainText(),
		})
	}
	if len(payload.Messages) == 0 && request.Prompt != "" {
		payload.Messages = []chatMessage{{Role: "user", Content: request.Prompt}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if endpoint.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+endpoint.APIKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider %s request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider %s returned status %d", provider, resp.StatusCode)
	}

	return &models.AIResponse{
		RequestID: request.ID,
		Provider:  provider,
		Model:     model,
		Body:      respBody,
		LatencyMs: time.Since(started).Milliseconds(),
	}, nil
}
