package budget

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore/internal/models"
)

// UsageRecorder appends usage records. *Tracker is the production
// implementation.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, budgetID uuid.UUID, req *UsageRequest) (*models.UsageRecord, error)
}

// Integration is the pipeline-facing facade over the budget subsystem: one
// pre-flight check and one usage write covering every applicable scope.
type Integration struct {
	finder   BudgetFinder
	status   StatusSource
	recorder UsageRecorder
	logger   *zap.Logger
}

func NewIntegration(finder BudgetFinder, status StatusSource, recorder UsageRecorder, logger *zap.Logger) *Integration {
	return &Integration{finder: finder, status: status, recorder: recorder, logger: logger}
}

// ScopeCheck is one scope's contribution to a request-level decision.
type ScopeCheck struct {
	ScopeType models.ScopeType  `json:"scope_type"`
	ScopeID   string            `json:"scope_id"`
	BudgetID  *uuid.UUID        `json:"budget_id,omitempty"`
	Result    *ConstraintResult `json:"result,omitempty"`
}

// RequestCheck is the aggregate pre-flight outcome, with the ordered
// per-scope checks retained for observability.
type RequestCheck struct {
	CanProceed       bool                 `json:"can_proceed"`
	BlockedBy        *ScopeCheck          `json:"blocked_by,omitempty"`
	SuggestedActions []models.AlertAction `json:"suggested_actions,omitempty"`
	Checks           []ScopeCheck         `json:"checks"`
}

// CheckRequestConstraints evaluates every active budget at each scope in
// strict user → team → project order, stopping at the first budget that
// denies.
func (i *Integration) CheckRequestConstraints(ctx context.Context, userID, teamID, projectID string, estimatedCost float64) (*RequestCheck, error) {
	out := &RequestCheck{CanProceed: true}

	for _, scope := range requestScopes(userID, teamID, projectID) {
		defs, err := i.finder.ListActiveForScope(ctx, scope.scopeType, scope.scopeID)
		if err != nil {
			return nil, err
		}
		if len(defs) == 0 {
			out.Checks = append(out.Checks, ScopeCheck{ScopeType: scope.scopeType, ScopeID: scope.scopeID})
			continue
		}

		for _, def := range defs {
			check := ScopeCheck{ScopeType: scope.scopeType, ScopeID: scope.scopeID, BudgetID: &def.ID}
			result, err := i.status.CheckBudgetConstraints(ctx, def.ID, estimatedCost)
			if err != nil {
				return nil, err
			}
			check.Result = result
			out.Checks = append(out.Checks, check)

			if !result.CanProceed {
				out.CanProceed = false
				out.BlockedBy = &check
				out.SuggestedActions = result.SuggestedActions
				return out, nil
			}
			if len(result.SuggestedActions) > 0 && len(out.SuggestedActions) == 0 {
				out.SuggestedActions = result.SuggestedActions
			}
		}
	}

	return out, nil
}

// RecordRequestUsage records the request's cost against every matching
// budget at each scope. Per-budget failures are logged and never interrupt
// recording against the other budgets or surface into the pipeline.
func (i *Integration) RecordRequestUsage(ctx context.Context, requestID, userID, teamID, projectID, modelID string, cost float64, currency string, ts *time.Time) {
	for _, scope := range requestScopes(userID, teamID, projectID) {
		defs, err := i.finder.ListActiveForScope(ctx, scope.scopeType, scope.scopeID)
		if err != nil {
			i.logger.Error("Failed to resolve budgets for usage recording",
				zap.String("scope_type", string(scope.scopeType)),
				zap.String("scope_id", scope.scopeID),
				zap.String("request_id", requestID),
				zap.Error(err))
			continue
		}

		for _, def := range defs {
			_, err := i.recorder.RecordUsage(ctx, def.ID, &UsageRequest{
				Amount:    cost,
				Currency:  currency,
				Timestamp: ts,
				Source:    models.SourceRelayCore,
				RequestID: requestID,
				ModelID:   modelID,
				UserID:    userID,
				Metadata: map[string]string{
					"request_id": requestID,
					"model_id":   modelID,
					"user_id":    userID,
				},
			})
			if err != nil {
				i.logger.Error("Failed to record usage for budget",
					zap.String("scope_type", string(scope.scopeType)),
					zap.String("scope_id", scope.scopeID),
					zap.String("budget_id", def.ID.String()),
					zap.String("request_id", requestID),
					zap.Float64("cost", cost),
					zap.Error(err))
			}
		}
	}
}

func requestScopes(userID, teamID, projectID string) []scopeRef {
	var scopes []scopeRef
	if userID != "" {
		scopes = append(scopes, scopeRef{models.ScopeUser, userID})
	}
	if teamID != "" {
		scopes = append(scopes, scopeRef{models.ScopeTeam, teamID})
	}
	if projectID != "" {
		scopes = append(scopes, scopeRef{models.ScopeProject, projectID})
	}
	return scopes
}
