package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore/internal/logger"
	"github.com/relaycore/relaycore/internal/metrics"
	"github.com/relaycore/relaycore/internal/models"
	"github.com/relaycore/relaycore/internal/services/budget"
	"github.com/relaycore/relaycore/internal/services/cache"
	"github.com/relaycore/relaycore/internal/services/cost"
	"github.com/relaycore/relaycore/internal/services/neuroweaver"
	"github.com/relaycore/relaycore/internal/services/queue"
	"github.com/relaycore/relaycore/internal/services/steering"
	"github.com/relaycore/relaycore/pkg/circuitbreaker"
)

// ProviderCall invokes one upstream provider with the (possibly
// substituted) model. Implementations report final cost and latency on
// the response; the pipeline treats the payload as opaque.
type ProviderCall func(ctx context.Context, provider, model string, request *models.AIRequest) (*models.AIResponse, error)

// RoutingEngine is the steering surface the pipeline consumes.
type RoutingEngine interface {
	Decide(request *models.AIRequest, profileID string) steering.Decision
	Book() *steering.BudgetBook
}

// BudgetGate is the pre-flight check and post-hoc recording facade.
type BudgetGate interface {
	CheckRequestConstraints(ctx context.Context, userID, teamID, projectID string, estimatedCost float64) (*budget.RequestCheck, error)
	RecordRequestUsage(ctx context.Context, requestID, userID, teamID, projectID, modelID string, cost float64, currency string, ts *time.Time)
}

// StatusReader resolves remaining budget for the optimizer.
type StatusReader interface {
	GetBudgetStatus(ctx context.Context, budgetID uuid.UUID) (*budget.StatusInfo, error)
}

// ModelOptimizer may substitute a cheaper model before dispatch.
type ModelOptimizer interface {
	OptimizeModelSelection(request *models.AIRequest, remainingBudget float64) *cost.Selection
}

// CostLearner feeds observed costs back into prediction.
type CostLearner interface {
	EstimateCost(request *models.AIRequest) float64
	UpdateModel(model string, actualCost, predictedCost float64, totalTokens int)
}

// ResponseCache is the semantic lookup/store surface.
type ResponseCache interface {
	Lookup(ctx context.Context, provider, model string, request *models.AIRequest) (*cache.SemanticEntry, error)
	Store(ctx context.Context, provider, model string, request *models.AIRequest, response []byte) error
}

// Dispatcher hands requests to the priority queue. Remove backs out a
// request the caller no longer waits for.
type Dispatcher interface {
	Enqueue(ctx context.Context, req *queue.Request) error
	Remove(requestID string) bool
}

// Breakers is the failover surface of the circuit breaker manager.
type Breakers interface {
	ExecuteWithFailover(ctx context.Context, primary string, fallbacks []circuitbreaker.Provider, ops map[string]circuitbreaker.Operation) (interface{}, string, error)
}

// FeedbackSink receives fire-and-forget model observations and routing
// feedback.
type FeedbackSink interface {
	PostPerformanceFeedback(ctx context.Context, model string, feedback neuroweaver.PerformanceFeedback)
	RequestModelSwitch(ctx context.Context, req neuroweaver.ModelSwitchRequest)
}

// Options assembles a pipeline. Engine, Budgets, Queue, Breakers, and
// Call are required; the rest degrade gracefully when nil.
type Options struct {
	Engine    RoutingEngine
	Budgets   BudgetGate
	Status    StatusReader
	Optimizer ModelOptimizer
	Predictor CostLearner
	Semantic  ResponseCache
	Queue     Dispatcher
	Breakers  Breakers
	Feedback  FeedbackSink

	Call      ProviderCall
	Fallbacks []circuitbreaker.Provider
	Currency  string
	Logger    *zap.Logger
}

// Pipeline wires routing, budget enforcement, cost optimization, caching,
// queueing, and failover around a single provider call. It is the only
// place cross-cutting concerns (timing, metrics, usage recording) live.
type Pipeline struct {
	engine    RoutingEngine
	budgets   BudgetGate
	status    StatusReader
	optimizer ModelOptimizer
	predictor CostLearner
	semantic  ResponseCache
	queue     Dispatcher
	breakers  Breakers
	feedback  FeedbackSink

	call      ProviderCall
	fallbacks []circuitbreaker.Provider
	currency  string
	logger    *zap.Logger
}

func New(opts Options) *Pipeline {
	currency := opts.Currency
	if currency == "" {
		currency = "USD"
	}
	return &Pipeline{
		engine:    opts.Engine,
		budgets:   opts.Budgets,
		status:    opts.Status,
		optimizer: opts.Optimizer,
		predictor: opts.Predictor,
		semantic:  opts.Semantic,
		queue:     opts.Queue,
		breakers:  opts.Breakers,
		feedback:  opts.Feedback,
		call:      opts.Call,
		fallbacks: opts.Fallbacks,
		currency:  currency,
		logger:    opts.Logger,
	}
}

// Process routes one request end to end and returns the upstream
// response, served from the semantic cache when possible.
func (p *Pipeline) Process(ctx context.Context, request *models.AIRequest, priority queue.Priority) (*models.AIResponse, error) {
	started := time.Now()
	if request.ID == "" {
		request.ID = uuid.NewString()
	}

	decision := p.engine.Decide(request, request.Profile)
	log := logger.ForRequest(p.logger, request.ID).With(
		zap.String("provider", decision.Provider),
		zap.String("model", decision.Model))

	check, err := p.budgets.CheckRequestConstraints(ctx, request.UserID, request.TeamID, request.ProjectID, decision.EstimatedCost)
	if err != nil {
		if errors.Is(err, budget.ErrBudgetNotFound) {
			return nil, newRequestError(KindBudgetNotFound, err.Error(), err)
		}
		return nil, newRequestError(KindTransientStoreError, "budget check unavailable", err)
	}
	if !check.CanProceed {
		rejErr := &RequestError{
			Kind:    KindBudgetExceeded,
			Message: blockedMessage(check),
			Details: blockedDetails(check),
		}
		if check.BlockedBy != nil {
			metrics.RecordBudgetRejection(string(check.BlockedBy.ScopeType))
		}
		log.Info("Request rejected by budget constraints", zap.String("reason", rejErr.Message))
		return nil, rejErr
	}

	model := p.chooseModel(ctx, request, decision, check, log)

	if p.semantic != nil {
		entry, err := p.semantic.Lookup(ctx, decision.Provider, model, request)
		if err != nil {
			log.Debug("Semantic cache lookup failed", zap.Error(err))
		}
		metrics.RecordCacheLookup(entry != nil)
		if entry != nil {
			metrics.RecordRequest(decision.Provider, model, "cached", time.Since(started), 0)
			return &models.AIResponse{
				RequestID: request.ID,
				Provider:  entry.Provider,
				Model:     entry.Model,
				Body:      entry.Response,
				Cached:    true,
			}, nil
		}
	}

	response, err := p.dispatch(ctx, request, decision.Provider, model, priority)
	if err != nil {
		metrics.RecordRequest(decision.Provider, model, "error", time.Since(started), 0)
		return nil, err
	}

	p.settle(ctx, request, response)
	metrics.RecordRequest(response.Provider, response.Model, "success", time.Since(started), response.Cost)
	return response, nil
}

// chooseModel runs the cost optimizer against the user-scope budget's
// remaining amount. Without a budget or status the routed model stands; a
// substitute slower than the rule's latency bound is discarded.
func (p *Pipeline) chooseModel(ctx context.Context, request *models.AIRequest, decision steering.Decision, check *budget.RequestCheck, log *zap.Logger) string {
	model := decision.Model
	if p.optimizer == nil || p.status == nil || len(check.Checks) == 0 || check.Checks[0].BudgetID == nil {
		return model
	}

	status, err := p.status.GetBudgetStatus(ctx, *check.Checks[0].BudgetID)
	if err != nil {
		log.Debug("Budget status unavailable, skipping cost optimization", zap.Error(err))
		return model
	}

	clone := *request
	clone.Model = model
	selection := p.optimizer.OptimizeModelSelection(&clone, status.Remaining)
	if !selection.Substituted {
		return model
	}

	// A cheaper substitute can still be slower than the rule allows; the
	// rule's latency bound wins over the saving.
	if decision.ExpectedLatencyMS > 0 && cost.LatencyMS(selection.Model) > decision.ExpectedLatencyMS {
		log.Debug("Substitute discarded, too slow for rule",
			zap.String("candidate", selection.Model),
			zap.Int("candidate_latency_ms", cost.LatencyMS(selection.Model)),
			zap.Int("max_latency_ms", decision.ExpectedLatencyMS))
		return model
	}

	metrics.RecordModelSubstitution(model, selection.Model)
	log.Info("Model substituted for budget fit",
		zap.String("requested", model),
		zap.String("selected", selection.Model),
		zap.String("reason", selection.Reason))
	if p.feedback != nil {
		p.feedback.RequestModelSwitch(ctx, neuroweaver.ModelSwitchRequest{
			CurrentModel: model,
			TargetModel:  selection.Model,
			Reason:       selection.Reason,
		})
	}
	return selection.Model
}

// dispatch enqueues the request; the queue hands it back to execute,
// which runs the breaker failover chain.
func (p *Pipeline) dispatch(ctx context.Context, request *models.AIRequest, provider, model string, priority queue.Priority) (*models.AIResponse, error) {
	qreq := &queue.Request{
		ID:       request.ID,
		Priority: priority,
		Provider: provider,
		Payload:  &dispatchPayload{request: request, model: model},
		UserID:   request.UserID,
		Done:     make(chan queue.Result, 1),
	}

	if err := p.queue.Enqueue(ctx, qreq); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			return nil, newRequestError(KindQueueFull, "request queue is full", err)
		}
		if ctx.Err() != nil {
			return nil, newRequestError(KindCancelled, "request cancelled", ctx.Err())
		}
		return nil, newRequestError(KindProviderFailure, err.Error(), err)
	}

	select {
	case res := <-qreq.Done:
		if res.Err != nil {
			return nil, classifyDispatchError(res.Err)
		}
		return res.Value.(*models.AIResponse), nil
	case <-ctx.Done():
		// Back the request out of the queue so it never dispatches. When
		// it already did, the buffered Done channel absorbs the result.
		p.queue.Remove(qreq.ID)
		return nil, newRequestError(KindCancelled, "request cancelled", ctx.Err())
	}
}

type dispatchPayload struct {
	request *models.AIRequest
	model   string
}

// Execute is the queue handler: it runs the provider call under the
// breaker manager's failover chain. Wire it as the queue's Handler.
func (p *Pipeline) Execute(ctx context.Context, qreq *queue.Request) (interface{}, error) {
	payload := qreq.Payload.(*dispatchPayload)

	ops := make(map[string]circuitbreaker.Operation, len(p.fallbacks)+1)
	ops[qreq.Provider] = p.providerOp(qreq.Provider, payload)
	for _, fb := range p.fallbacks {
		if _, ok := ops[fb.Name]; !ok {
			ops[fb.Name] = p.providerOp(fb.Name, payload)
		}
	}

	value, _, err := p.breakers.ExecuteWithFailover(ctx, qreq.Provider, p.fallbacks, ops)
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (p *Pipeline) providerOp(provider string, payload *dispatchPayload) circuitbreaker.Operation {
	return func(ctx context.Context) (interface{}, error) {
		return p.call(ctx, provider, payload.model, payload.request)
	}
}

// settle records cost and model accuracy after a successful upstream
// response. Nothing here may fail the request.
func (p *Pipeline) settle(ctx context.Context, request *models.AIRequest, response *models.AIResponse) {
	p.budgets.RecordRequestUsage(ctx, request.ID, request.UserID, request.TeamID, request.ProjectID,
		response.Model, response.Cost, p.currency, nil)

	if p.semantic != nil {
		if err := p.semantic.Store(ctx, response.Provider, response.Model, request, response.Body); err != nil {
			p.logger.Debug("Semantic cache store failed",
				zap.String("request_id", request.ID), zap.Error(err))
		}
	}

	if p.predictor != nil && response.Cost > 0 {
		clone := *request
		clone.Model = response.Model
		predicted := p.predictor.EstimateCost(&clone)
		tokens := cost.EstimateTokens(request.InputChars())
		p.predictor.UpdateModel(response.Model, response.Cost, predicted, tokens)
	}

	p.engine.Book().AddSpend(response.Cost)

	if p.feedback != nil {
		p.feedback.PostPerformanceFeedback(ctx, response.Model, neuroweaver.PerformanceFeedback{
			Latency: float64(response.LatencyMs),
			Cost:    response.Cost,
		})
	}
}

func classifyDispatchError(err error) error {
	// AllFailedError unwraps into its per-provider errors, so the
	// aggregate check must run before the sentinel checks or an exhausted
	// chain gets classified by whatever its members happen to wrap.
	var allFailed *circuitbreaker.AllFailedError
	if errors.As(err, &allFailed) {
		re := newRequestError(KindAllProvidersFailed, allFailed.Error(), err)
		re.Details = &ErrorDetails{AttemptedProviders: allFailed.Attempted}
		return re
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newRequestError(KindCancelled, "request cancelled", err)
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return newRequestError(KindCircuitOpen, "provider circuit is open", err)
	case errors.Is(err, circuitbreaker.ErrTimeout):
		return newRequestError(KindProviderTimeout, "provider timed out", err)
	case errors.Is(err, queue.ErrQueueFull):
		return newRequestError(KindQueueFull, "request queue is full", err)
	}
	return newRequestError(KindProviderFailure, err.Error(), err)
}

func blockedMessage(check *budget.RequestCheck) string {
	if check.BlockedBy != nil && check.BlockedBy.Result != nil && check.BlockedBy.Result.Reason != "" {
		return check.BlockedBy.Result.Reason
	}
	return "budget constraints forbid this request"
}

func blockedDetails(check *budget.RequestCheck) *ErrorDetails {
	details := &ErrorDetails{}
	if check.BlockedBy != nil {
		details.BudgetID = check.BlockedBy.BudgetID
	}
	for _, action := range check.SuggestedActions {
		details.SuggestedActions = append(details.SuggestedActions, string(action))
	}
	return details
}
