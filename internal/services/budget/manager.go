package budget

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaycore/relaycore/internal/models"
)

// StatusSource serves derived budget status and pre-flight checks.
// *Tracker is the production implementation.
type StatusSource interface {
	GetBudgetStatus(ctx context.Context, budgetID uuid.UUID) (*StatusInfo, error)
	CheckBudgetConstraints(ctx context.Context, budgetID uuid.UUID, estimatedCost float64) (*ConstraintResult, error)
}

// BudgetFinder locates the active budgets covering a scope subject.
// *Registry is the production implementation.
type BudgetFinder interface {
	FindActiveForScope(ctx context.Context, scopeType models.ScopeType, scopeID string) (*models.BudgetDefinition, error)
	ListActiveForScope(ctx context.Context, scopeType models.ScopeType, scopeID string) ([]*models.BudgetDefinition, error)
}

// ScopeResolver expands a user into the wider scopes that may carry
// budgets: team memberships and the organization join key.
type ScopeResolver interface {
	TeamsForUser(ctx context.Context, userID string) ([]string, error)
	OrganizationForUser(ctx context.Context, userID string) (string, error)
}

// CostEstimator supplies the pre-flight cost estimate for a request.
type CostEstimator interface {
	EstimateCost(request *models.AIRequest) float64
}

// Manager aggregates budget decisions across the scope hierarchy.
type Manager struct {
	db        *gorm.DB
	finder    BudgetFinder
	status    StatusSource
	scopes    ScopeResolver
	estimator CostEstimator
	logger    *zap.Logger
}

func NewManager(db *gorm.DB, finder BudgetFinder, status StatusSource, scopes ScopeResolver, estimator CostEstimator, logger *zap.Logger) *Manager {
	return &Manager{
		db:        db,
		finder:    finder,
		status:    status,
		scopes:    scopes,
		estimator: estimator,
		logger:    logger,
	}
}

// BudgetCheck is the outcome of resolving and checking the budget that
// applies to a user.
type BudgetCheck struct {
	BudgetID   *uuid.UUID        `json:"budget_id,omitempty"`
	ScopeType  models.ScopeType  `json:"scope_type,omitempty"`
	Status     *StatusInfo       `json:"status,omitempty"`
	Constraint *ConstraintResult `json:"constraint"`
}

// CheckBudget resolves the applicable budget by climbing user → teams →
// organization and returns the first match's status and constraint check.
// A user with no budget anywhere is unconstrained.
func (m *Manager) CheckBudget(ctx context.Context, userID string, estimatedCost float64) (*BudgetCheck, error) {
	scopes, err := m.scopeChain(ctx, userID)
	if err != nil {
		return nil, err
	}

	for _, scope := range scopes {
		def, err := m.finder.FindActiveForScope(ctx, scope.scopeType, scope.scopeID)
		if err != nil {
			return nil, err
		}
		if def == nil {
			continue
		}

		status, err := m.status.GetBudgetStatus(ctx, def.ID)
		if err != nil {
			return nil, err
		}
		constraint, err := m.status.CheckBudgetConstraints(ctx, def.ID, estimatedCost)
		if err != nil {
			return nil, err
		}
		return &BudgetCheck{
			BudgetID:   &def.ID,
			ScopeType:  scope.scopeType,
			Status:     status,
			Constraint: constraint,
		}, nil
	}

	return &BudgetCheck{Constraint: &ConstraintResult{CanProceed: true}}, nil
}

type RecommendationKind string

const (
	RecommendProceed       RecommendationKind = "proceed"
	RecommendDowngradeHint RecommendationKind = "proceed_with_downgrade_hint"
	RecommendDowngrade     RecommendationKind = "downgrade"
	RecommendReject        RecommendationKind = "reject"
)

type Allocation struct {
	Recommendation RecommendationKind `json:"recommendation"`
	EstimatedCost  float64            `json:"estimated_cost"`
	Check          *BudgetCheck       `json:"check"`
}

// AllocateBudget predicts the request cost and maps the applicable budget
// status onto a routing recommendation.
func (m *Manager) AllocateBudget(ctx context.Context, request *models.AIRequest) (*Allocation, error) {
	estimated := m.estimator.EstimateCost(request)

	check, err := m.CheckBudget(ctx, request.UserID, estimated)
	if err != nil {
		return nil, err
	}

	return &Allocation{
		Recommendation: Recommend(check.Status, estimated),
		EstimatedCost:  estimated,
		Check:          check,
	}, nil
}

// Recommend maps a budget status and an estimated cost onto one of the four
// allocation recommendations.
func Recommend(status *StatusInfo, estimatedCost float64) RecommendationKind {
	if status == nil {
		return RecommendProceed
	}
	switch status.Status {
	case models.StatusExceeded:
		return RecommendReject
	case models.StatusCritical:
		if estimatedCost > 0.5*status.Remaining {
			return RecommendDowngrade
		}
	case models.StatusWarning:
		if estimatedCost > 0.3*status.Remaining {
			return RecommendDowngradeHint
		}
	}
	return RecommendProceed
}

// EnforceSpendingLimits returns the most restrictive action among the
// active alerts of every budget in the user's scope chain. An empty action
// means nothing is currently triggered.
func (m *Manager) EnforceSpendingLimits(ctx context.Context, userID string) (models.AlertAction, error) {
	scopes, err := m.scopeChain(ctx, userID)
	if err != nil {
		return "", err
	}

	var most models.AlertAction
	for _, scope := range scopes {
		def, err := m.finder.FindActiveForScope(ctx, scope.scopeType, scope.scopeID)
		if err != nil {
			return "", err
		}
		if def == nil {
			continue
		}
		status, err := m.status.GetBudgetStatus(ctx, def.ID)
		if err != nil {
			return "", err
		}
		for _, alert := range status.ActiveAlerts {
			most = MostRestrictive(append([]models.AlertAction{most}, alert.Actions...))
		}
	}
	return most, nil
}

// MostRestrictive returns the highest-severity action in the list.
func MostRestrictive(actions []models.AlertAction) models.AlertAction {
	var most models.AlertAction
	for _, action := range actions {
		if action.Severity() > most.Severity() {
			most = action
		}
	}
	return most
}

type scopeRef struct {
	scopeType models.ScopeType
	scopeID   string
}

func (m *Manager) scopeChain(ctx context.Context, userID string) ([]scopeRef, error) {
	if userID == "" {
		return nil, nil
	}
	chain := []scopeRef{{models.ScopeUser, userID}}

	teams, err := m.scopes.TeamsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, team := range teams {
		chain = append(chain, scopeRef{models.ScopeTeam, team})
	}

	org, err := m.scopes.OrganizationForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if org != "" {
		chain = append(chain, scopeRef{models.ScopeOrganization, org})
	}
	return chain, nil
}

// CostReport aggregates spend over a time range.
type CostReport struct {
	From             time.Time          `json:"from"`
	To               time.Time          `json:"to"`
	TotalsByCurrency map[string]float64 `json:"totals_by_currency"`
	Utilization      float64            `json:"utilization"`
	TopModels        []CostBreakdown    `json:"top_models"`
	TopUsers         []CostBreakdown    `json:"top_users"`
	DailySeries      []DailyCost        `json:"daily_series"`
}

type CostBreakdown struct {
	Key   string  `json:"key"`
	Cost  float64 `json:"cost"`
	Count int64   `json:"count"`
}

type DailyCost struct {
	Day  time.Time `json:"day"`
	Cost float64   `json:"cost"`
}

// GenerateCostReport builds the aggregate spend report for the range.
func (m *Manager) GenerateCostReport(ctx context.Context, from, to time.Time) (*CostReport, error) {
	report := &CostReport{
		From:             from,
		To:               to,
		TotalsByCurrency: make(map[string]float64),
	}
	base := m.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Where("timestamp >= ? AND timestamp < ?", from, to)

	var currencyTotals []struct {
		Currency string
		Cost     float64
	}
	if err := base.Session(&gorm.Session{}).
		Select("currency, SUM(amount) as cost").
		Group("currency").
		Scan(&currencyTotals).Error; err != nil {
		return nil, err
	}
	var totalSpend float64
	for _, row := range currencyTotals {
		report.TotalsByCurrency[row.Currency] = row.Cost
		totalSpend += row.Cost
	}

	var modelRows []CostBreakdown
	if err := base.Session(&gorm.Session{}).
		Select("model_id as key, SUM(amount) as cost, COUNT(*) as count").
		Group("model_id").
		Order("cost DESC").
		Limit(5).
		Scan(&modelRows).Error; err != nil {
		return nil, err
	}
	report.TopModels = modelRows

	var userRows []CostBreakdown
	if err := base.Session(&gorm.Session{}).
		Select("user_id as key, SUM(amount) as cost, COUNT(*) as count").
		Group("user_id").
		Order("cost DESC").
		Limit(5).
		Scan(&userRows).Error; err != nil {
		return nil, err
	}
	report.TopUsers = userRows

	var dailyRows []DailyCost
	if err := base.Session(&gorm.Session{}).
		Select("DATE_TRUNC('day', timestamp) as day, SUM(amount) as cost").
		Group("day").
		Order("day").
		Scan(&dailyRows).Error; err != nil {
		return nil, err
	}
	report.DailySeries = dailyRows

	var budgetTotal float64
	if err := m.db.WithContext(ctx).Model(&models.BudgetDefinition{}).
		Where("active = ?", true).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&budgetTotal).Error; err != nil {
		return nil, err
	}
	if budgetTotal > 0 {
		report.Utilization = totalSpend / budgetTotal
	}

	return report, nil
}

// GormScopeResolver resolves team and organization membership from the
// relational store. users.organization_id is the authoritative join key
// for the organization scope.
type GormScopeResolver struct {
	db *gorm.DB
}

func NewGormScopeResolver(db *gorm.DB) *GormScopeResolver {
	return &GormScopeResolver{db: db}
}

func (r *GormScopeResolver) TeamsForUser(ctx context.Context, userID string) ([]string, error) {
	var teams []string
	err := r.db.WithContext(ctx).Model(&models.UserTeam{}).
		Where("user_id = ?", userID).
		Pluck("team_id", &teams).Error
	return teams, err
}

func (r *GormScopeResolver) OrganizationForUser(ctx context.Context, userID string) (string, error) {
	var user models.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", nil
		}
		return "", err
	}
	return user.OrganizationID, nil
}
