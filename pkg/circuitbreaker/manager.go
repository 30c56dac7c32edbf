package circuitbreaker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Event names emitted during failover.
const (
	EventFailoverFailed     = "failover-failed"
	EventFailoverSuccess    = "failover-success"
	EventAllProvidersFailed = "all-providers-failed"
)

// EventListener observes failover outcomes. provider is the provider the
// event concerns; err is nil for success events.
type EventListener func(event, provider string, err error)

// Provider is one failover candidate.
type Provider struct {
	Name     string
	Priority int // lower tries first
}

// AllFailedError aggregates the per-provider errors after an exhausted
// failover chain.
type AllFailedError struct {
	Attempted []string
	Errs      []error
}

func (e *AllFailedError) Error() string {
	parts := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		parts[i] = fmt.Sprintf("%s: %v", e.Attempted[i], err)
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

func (e *AllFailedError) Unwrap() []error { return e.Errs }

// Manager owns one breaker per provider and runs the failover chain.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	config    Config
	logger    *zap.Logger
	listeners []EventListener
}

func NewManager(cfg Config, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		breakers: make(map[string]*Breaker),
		config:   cfg,
		logger:   logger,
	}
}

// Subscribe registers an event listener. Not safe to call concurrently
// with execution.
func (m *Manager) Subscribe(l EventListener) {
	m.listeners = append(m.listeners, l)
}

// Breaker returns the provider's breaker, creating it on first use.
func (m *Manager) Breaker(provider string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[provider]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[provider]; ok {
		return b
	}
	b = NewBreaker(provider, m.config, m.logger)
	m.breakers[provider] = b
	return b
}

// Execute runs op under the provider's breaker.
func (m *Manager) Execute(ctx context.Context, provider string, op Operation) (interface{}, error) {
	return m.Breaker(provider).Execute(ctx, op)
}

// IsAvailable reports whether a provider's breaker would admit traffic.
func (m *Manager) IsAvailable(provider string) bool {
	return m.Breaker(provider).IsHealthy()
}

// ExecuteWithFailover tries the primary provider, then each available
// fallback ordered by ascending priority and descending health score.
// ops maps provider name to its operation; fallbacks without an op are
// skipped.
func (m *Manager) ExecuteWithFailover(ctx context.Context, primary string, fallbacks []Provider, ops map[string]Operation) (interface{}, string, error) {
	attempted := []string{primary}
	var errs []error

	primaryOp, ok := ops[primary]
	if !ok {
		return nil, "", fmt.Errorf("no operation registered for provider %q", primary)
	}

	value, err := m.Execute(ctx, primary, primaryOp)
	if err == nil {
		return value, primary, nil
	}
	errs = append(errs, err)
	m.logger.Warn("Primary provider failed, starting failover",
		zap.String("provider", primary),
		zap.Error(err))

	for _, candidate := range m.orderCandidates(primary, fallbacks) {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			attempted = append(attempted, "cancelled")
			break
		}
		op, ok := ops[candidate.Name]
		if !ok {
			continue
		}
		attempted = append(attempted, candidate.Name)

		value, err = m.Execute(ctx, candidate.Name, op)
		if err == nil {
			m.emit(EventFailoverSuccess, candidate.Name, nil)
			return value, candidate.Name, nil
		}
		errs = append(errs, err)
		m.emit(EventFailoverFailed, candidate.Name, err)
	}

	aggregate := &AllFailedError{Attempted: attempted, Errs: errs}
	m.emit(EventAllProvidersFailed, primary, aggregate)
	return nil, "", aggregate
}

// orderCandidates filters out the primary and unavailable providers,
// then sorts by ascending priority, breaking ties by descending health.
func (m *Manager) orderCandidates(primary string, fallbacks []Provider) []Provider {
	candidates := make([]Provider, 0, len(fallbacks))
	for _, p := range fallbacks {
		if p.Name == primary || !m.IsAvailable(p.Name) {
			continue
		}
		candidates = append(candidates, p)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return m.Breaker(candidates[i].Name).HealthScore() > m.Breaker(candidates[j].Name).HealthScore()
	})
	return candidates
}

// Stats returns every breaker's snapshot keyed by provider.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.Stats()
	}
	return out
}

func (m *Manager) emit(event, provider string, err error) {
	for _, l := range m.listeners {
		l(event, provider, err)
	}
}
