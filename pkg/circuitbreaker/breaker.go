package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker's position in its lifecycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrTimeout     = errors.New("operation timed out")
)

// Config tunes one breaker.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	MonitoringPeriod time.Duration
	Timeout          time.Duration
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Operation is the guarded call.
type Operation func(ctx context.Context) (interface{}, error)

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	State             State     `json:"state"`
	TotalRequests     int64     `json:"total_requests"`
	TotalFailures     int64     `json:"total_failures"`
	TotalSuccesses    int64     `json:"total_successes"`
	RequestsInPeriod  int64     `json:"requests_in_period"`
	FailuresInPeriod  int64     `json:"failures_in_period"`
	ConsecutiveFails  int       `json:"consecutive_failures"`
	LastFailureTime   time.Time `json:"last_failure_time"`
	LastStateChangeAt time.Time `json:"last_state_change_at"`
}

// Breaker is a three-state circuit breaker guarding one provider.
// Closed counts failures; at the threshold it opens and rejects until
// the recovery timeout, then admits probes half-open until enough
// consecutive successes close it again.
type Breaker struct {
	name   string
	config Config
	logger *zap.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	openedAt        time.Time
	stateChangedAt  time.Time

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64

	periodRequests int64
	periodFailures int64
	periodStart    time.Time
}

func NewBreaker(name string, cfg Config, logger *zap.Logger) *Breaker {
	cfg.applyDefaults()
	now := time.Now()
	return &Breaker{
		name:           name,
		config:         cfg,
		logger:         logger,
		state:          StateClosed,
		stateChangedAt: now,
		periodStart:    now,
	}
}

func (b *Breaker) Name() string { return b.name }

// State returns the current state, applying the open→half-open
// transition when the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecoverLocked(time.Now())
	return b.state
}

// Execute runs op under the breaker, racing it against the configured
// timeout. A timeout counts as a failure; a caller-side cancellation
// does not.
func (b *Breaker) Execute(ctx context.Context, op Operation) (interface{}, error) {
	if !b.allow() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
	}

	opCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := op(opCtx)
		done <- outcome{value, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			// A caller-side cancellation is not a provider fault and
			// must not push the breaker toward open.
			if ctx.Err() == nil {
				b.recordFailure()
			}
			return nil, out.err
		}
		b.recordSuccess()
		return out.value, nil
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.recordFailure()
		return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, b.config.Timeout, b.name)
	}
}

// IsHealthy reports whether the breaker should be offered new traffic:
// not open, and failing less than half its requests this period.
func (b *Breaker) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.maybeRecoverLocked(now)
	b.maybeRollPeriodLocked(now)

	if b.state == StateOpen {
		return false
	}
	if b.periodRequests == 0 {
		return true
	}
	return float64(b.periodFailures)/float64(b.periodRequests) < 0.5
}

// HealthScore is 1 minus the windowed failure rate, used to rank
// failover candidates.
func (b *Breaker) HealthScore() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRollPeriodLocked(time.Now())
	if b.periodRequests == 0 {
		return 1.0
	}
	return 1.0 - float64(b.periodFailures)/float64(b.periodRequests)
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecoverLocked(time.Now())
	return Stats{
		State:             b.state,
		TotalRequests:     b.totalRequests,
		TotalFailures:     b.totalFailures,
		TotalSuccesses:    b.totalSuccesses,
		RequestsInPeriod:  b.periodRequests,
		FailuresInPeriod:  b.periodFailures,
		ConsecutiveFails:  b.failureCount,
		LastFailureTime:   b.lastFailureTime,
		LastStateChangeAt: b.stateChangedAt,
	}
}

// Reset forces the breaker closed and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed, time.Now())
	b.failureCount = 0
	b.successCount = 0
	b.periodRequests = 0
	b.periodFailures = 0
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.maybeRecoverLocked(now)
	b.maybeRollPeriodLocked(now)

	if b.state == StateOpen {
		return false
	}
	b.totalRequests++
	b.periodRequests++
	return true
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalSuccesses++

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.transitionLocked(StateClosed, time.Now())
			b.failureCount = 0
		}
	case StateClosed:
		b.failureCount = 0
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.totalFailures++
	b.periodFailures++
	b.lastFailureTime = now

	switch b.state {
	case StateHalfOpen:
		// Any failure while probing re-opens the circuit.
		b.transitionLocked(StateOpen, now)
		b.openedAt = now
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.transitionLocked(StateOpen, now)
			b.openedAt = now
		}
	}
}

// maybeRecoverLocked moves open→half-open once the recovery timeout has
// elapsed since the circuit opened.
func (b *Breaker) maybeRecoverLocked(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.config.RecoveryTimeout {
		b.transitionLocked(StateHalfOpen, now)
		b.successCount = 0
	}
}

func (b *Breaker) maybeRollPeriodLocked(now time.Time) {
	if now.Sub(b.periodStart) >= b.config.MonitoringPeriod {
		b.periodStart = now
		b.periodRequests = 0
		b.periodFailures = 0
	}
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.stateChangedAt = now
	if b.logger != nil {
		b.logger.Info("Circuit breaker state change",
			zap.String("breaker", b.name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
}
