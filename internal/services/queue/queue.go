package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaycore/relaycore/internal/config"
)

// Priority orders queued requests; lower values dispatch first.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityNormal     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

var (
	ErrQueueFull    = errors.New("queue is full")
	ErrQueueStopped = errors.New("queue is stopped")
)

// Result is delivered on a request's completion channel exactly once.
type Result struct {
	Value interface{}
	Err   error
}

// Handler executes one dispatched request against its provider.
type Handler func(ctx context.Context, req *Request) (interface{}, error)

// Request is one unit of work waiting for provider capacity.
type Request struct {
	ID       string
	Priority Priority
	Provider string
	Payload  interface{}
	Done     chan Result

	UserID     string
	EnqueuedAt time.Time
	Timeout    time.Duration
	RetryCount int
	MaxRetries int

	ctx context.Context
}

// Event names emitted to observers.
const (
	EventQueued     = "request-queued"
	EventProcessing = "request-processing"
	EventCompleted  = "request-completed"
	EventRetried    = "request-retried"
)

// Observer receives queue lifecycle events.
type Observer func(event string, req *Request)

// Stats is a point-in-time snapshot of queue health.
type Stats struct {
	TotalQueued         int64            `json:"total_queued"`
	TotalProcessed      int64            `json:"total_processed"`
	TotalFailed         int64            `json:"total_failed"`
	AverageWaitTime     time.Duration    `json:"average_wait_time"`
	QueueSizeByPriority map[Priority]int `json:"queue_size_by_priority"`
	ActiveByProvider    map[string]int   `json:"active_by_provider"`
}

const (
	pollInterval       = 100 * time.Millisecond
	defaultTimeout     = 30 * time.Second
	defaultMaxRetries  = 3
	defaultRetryDelay  = time.Second
	maxRetryDelay      = 30 * time.Second
	defaultConcurrency = 10
	waitTimeAlpha      = 0.2
)

// Queue is the in-process priority queue with per-provider concurrency
// limits. A poller wakes every 100ms and hands work to the configured
// selection strategy.
type Queue struct {
	mu       sync.Mutex
	pending  []*Request
	active   map[string]map[string]struct{} // provider -> request ids
	lastUsed map[string]time.Time           // provider -> last dispatch, for round-robin

	handler     Handler
	strategy    Strategy
	maxSize     int
	concurrency map[string]int
	timeout     time.Duration
	retryDelay  time.Duration
	maxRetries  int
	logger      *zap.Logger

	observers []Observer

	totalQueued    int64
	totalProcessed int64
	totalFailed    int64
	avgWait        time.Duration

	stopCh  chan struct{}
	stopped sync.Once
}

func New(cfg config.QueueConfig, handler Handler, logger *zap.Logger) (*Queue, error) {
	strategy, err := NewStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Queue{
		active:      make(map[string]map[string]struct{}),
		lastUsed:    make(map[string]time.Time),
		handler:     handler,
		strategy:    strategy,
		maxSize:     cfg.MaxSize,
		concurrency: cfg.Concurrency,
		timeout:     cfg.Timeout,
		retryDelay:  cfg.RetryDelay,
		maxRetries:  cfg.MaxRetries,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}, nil
}

// Subscribe registers an observer for lifecycle events. Not safe to call
// after Start.
func (q *Queue) Subscribe(obs Observer) {
	q.observers = append(q.observers, obs)
}

// Start launches the dispatch poller.
func (q *Queue) Start() {
	go q.pollLoop()
}

func (q *Queue) Stop() {
	q.stopped.Do(func() { close(q.stopCh) })
}

// Enqueue inserts the request preserving descending priority. The result
// is delivered on req.Done. Requests already cancelled are rejected.
func (q *Queue) Enqueue(ctx context.Context, req *Request) error {
	select {
	case <-q.stopCh:
		return ErrQueueStopped
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if req.Done == nil {
		req.Done = make(chan Result, 1)
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = time.Now()
	}
	if req.Timeout <= 0 {
		req.Timeout = q.timeout
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = q.maxRetries
	}
	req.ctx = ctx

	q.mu.Lock()
	if len(q.pending) >= q.maxSize {
		q.mu.Unlock()
		q.logger.Warn("Queue full, rejecting request",
			zap.String("request_id", req.ID),
			zap.String("provider", req.Provider))
		return ErrQueueFull
	}
	q.insertLocked(req)
	q.totalQueued++
	q.mu.Unlock()

	q.emit(EventQueued, req)
	return nil
}

// Remove drops a not-yet-dispatched request from the queue. Returns true
// when the request was still pending.
func (q *Queue) Remove(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, r := range q.pending {
		if r.ID == requestID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	byPriority := make(map[Priority]int)
	for _, r := range q.pending {
		byPriority[r.Priority]++
	}
	byProvider := make(map[string]int)
	for provider, ids := range q.active {
		byProvider[provider] = len(ids)
	}
	return Stats{
		TotalQueued:         q.totalQueued,
		TotalProcessed:      q.totalProcessed,
		TotalFailed:         q.totalFailed,
		AverageWaitTime:     q.avgWait,
		QueueSizeByPriority: byPriority,
		ActiveByProvider:    byProvider,
	}
}

// insertLocked keeps pending sorted by ascending priority value; equal
// priorities keep arrival order.
func (q *Queue) insertLocked(req *Request) {
	i := len(q.pending)
	for j, r := range q.pending {
		if req.Priority < r.Priority {
			i = j
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = req
}

func (q *Queue) pollLoop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.dispatchReady()
		case <-q.stopCh:
			return
		}
	}
}

// dispatchReady drains the queue of everything the strategy can place on
// a provider with spare capacity.
func (q *Queue) dispatchReady() {
	for {
		req := q.selectNext()
		if req == nil {
			return
		}
		go q.process(req)
	}
}

func (q *Queue) selectNext() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Drop cancelled requests before selection so they never dispatch.
	kept := q.pending[:0]
	for _, r := range q.pending {
		if r.ctx != nil && r.ctx.Err() != nil {
			r.Done <- Result{Err: r.ctx.Err()}
			continue
		}
		kept = append(kept, r)
	}
	q.pending = kept

	idx := q.strategy.Select(q.pending, q.snapshotLocked())
	if idx < 0 {
		return nil
	}
	req := q.pending[idx]
	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)

	if q.active[req.Provider] == nil {
		q.active[req.Provider] = make(map[string]struct{})
	}
	q.active[req.Provider][req.ID] = struct{}{}
	q.lastUsed[req.Provider] = time.Now()
	return req
}

// snapshotLocked builds the provider view the strategies score against.
func (q *Queue) snapshotLocked() ProviderView {
	active := make(map[string]int, len(q.active))
	for provider, ids := range q.active {
		active[provider] = len(ids)
	}
	return ProviderView{
		Active:      active,
		Concurrency: q.concurrency,
		LastUsed:    q.lastUsed,
		Default:     defaultConcurrency,
	}
}

func (q *Queue) process(req *Request) {
	q.emit(EventProcessing, req)

	base := req.ctx
	if base == nil {
		base = context.Background()
	}
	value, err := q.invoke(base, req)

	if err == nil {
		q.recordWait(time.Since(req.EnqueuedAt))
		q.mu.Lock()
		q.totalProcessed++
		q.mu.Unlock()
		req.Done <- Result{Value: value}
		q.emit(EventCompleted, req)
		return
	}

	// Cancellation is final, never retried.
	if base.Err() != nil {
		q.markFailed()
		req.Done <- Result{Err: base.Err()}
		return
	}

	req.RetryCount++
	if req.RetryCount < req.MaxRetries {
		delay := q.backoff(req.RetryCount)
		q.logger.Debug("Retrying request",
			zap.String("request_id", req.ID),
			zap.String("provider", req.Provider),
			zap.Int("retry_count", req.RetryCount),
			zap.Duration("delay", delay),
			zap.Error(err))
		q.emit(EventRetried, req)
		go q.requeueAfter(req, delay)
		return
	}

	q.markFailed()
	req.Done <- Result{Err: err}
	q.emit(EventCompleted, req)
}

// invoke runs the handler with the request timeout. The provider slot is
// released via defer, and a handler panic becomes an ordinary failure, so
// the slot can never leak.
func (q *Queue) invoke(base context.Context, req *Request) (value interface{}, err error) {
	defer func() {
		q.mu.Lock()
		delete(q.active[req.Provider], req.ID)
		q.mu.Unlock()

		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			q.logger.Error("Handler panicked",
				zap.String("request_id", req.ID),
				zap.String("provider", req.Provider),
				zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(base, req.Timeout)
	defer cancel()
	return q.handler(ctx, req)
}

func (q *Queue) requeueAfter(req *Request, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-q.stopCh:
		req.Done <- Result{Err: ErrQueueStopped}
		return
	}

	q.mu.Lock()
	if len(q.pending) >= q.maxSize {
		q.mu.Unlock()
		q.markFailed()
		req.Done <- Result{Err: ErrQueueFull}
		return
	}
	q.insertLocked(req)
	q.mu.Unlock()
}

// backoff doubles the base delay per retry, capped.
func (q *Queue) backoff(retryCount int) time.Duration {
	delay := q.retryDelay
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

func (q *Queue) recordWait(wait time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.avgWait == 0 {
		q.avgWait = wait
		return
	}
	q.avgWait = time.Duration(waitTimeAlpha*float64(wait) + (1-waitTimeAlpha)*float64(q.avgWait))
}

func (q *Queue) markFailed() {
	q.mu.Lock()
	q.totalFailed++
	q.mu.Unlock()
}

func (q *Queue) emit(event string, req *Request) {
	for _, obs := range q.observers {
		obs(event, req)
	}
}
