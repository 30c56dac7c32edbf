package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore/internal/models"
)

type fakeFinder struct {
	budgets map[string][]*models.BudgetDefinition // key: scopeType/scopeID
	err     error
}

func scopeKey(scopeType models.ScopeType, scopeID string) string {
	return string(scopeType) + "/" + scopeID
}

func (f *fakeFinder) FindActiveForScope(_ context.Context, scopeType models.ScopeType, scopeID string) (*models.BudgetDefinition, error) {
	if f.err != nil {
		return nil, f.err
	}
	defs := f.budgets[scopeKey(scopeType, scopeID)]
	if len(defs) == 0 {
		return nil, nil
	}
	return defs[0], nil
}

func (f *fakeFinder) ListActiveForScope(_ context.Context, scopeType models.ScopeType, scopeID string) ([]*models.BudgetDefinition, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.budgets[scopeKey(scopeType, scopeID)], nil
}

type fakeStatus struct {
	statuses    map[uuid.UUID]*StatusInfo
	constraints map[uuid.UUID]*ConstraintResult
}

func (f *fakeStatus) GetBudgetStatus(_ context.Context, id uuid.UUID) (*StatusInfo, error) {
	info, ok := f.statuses[id]
	if !ok {
		return nil, ErrBudgetNotFound
	}
	return info, nil
}

func (f *fakeStatus) CheckBudgetConstraints(_ context.Context, id uuid.UUID, _ float64) (*ConstraintResult, error) {
	result, ok := f.constraints[id]
	if !ok {
		return &ConstraintResult{CanProceed: true}, nil
	}
	return result, nil
}

type fakeScopes struct {
	teams map[string][]string
	orgs  map[string]string
}

func (f *fakeScopes) TeamsForUser(_ context.Context, userID string) ([]string, error) {
	return f.teams[userID], nil
}

func (f *fakeScopes) OrganizationForUser(_ context.Context, userID string) (string, error) {
	return f.orgs[userID], nil
}

type fixedEstimator struct{ cost float64 }

func (f fixedEstimator) EstimateCost(*models.AIRequest) float64 { return f.cost }

func statusWith(id uuid.UUID, label models.BudgetStatus, remaining float64, alerts ...models.BudgetAlert) *StatusInfo {
	return &StatusInfo{
		BudgetID:     id,
		Remaining:    remaining,
		Status:       label,
		LastUpdated:  time.Now(),
		ActiveAlerts: alerts,
	}
}

func TestManager_CheckBudget_ScopeClimb(t *testing.T) {
	teamBudget := testBudget(500, nil)
	teamBudget.ScopeType = models.ScopeTeam
	teamBudget.ScopeID = "t1"

	finder := &fakeFinder{budgets: map[string][]*models.BudgetDefinition{
		scopeKey(models.ScopeTeam, "t1"): {teamBudget},
	}}
	status := &fakeStatus{
		statuses: map[uuid.UUID]*StatusInfo{
			teamBudget.ID: statusWith(teamBudget.ID, models.StatusNormal, 400),
		},
	}
	scopes := &fakeScopes{
		teams: map[string][]string{"u1": {"t1"}},
		orgs:  map[string]string{"u1": "org1"},
	}
	m := NewManager(nil, finder, status, scopes, fixedEstimator{0.01}, zap.NewNop())

	t.Run("climbs to the team budget when the user has none", func(t *testing.T) {
		check, err := m.CheckBudget(context.Background(), "u1", 0.01)
		require.NoError(t, err)
		require.NotNil(t, check.BudgetID)
		assert.Equal(t, teamBudget.ID, *check.BudgetID)
		assert.Equal(t, models.ScopeTeam, check.ScopeType)
		assert.True(t, check.Constraint.CanProceed)
	})

	t.Run("user budget takes precedence", func(t *testing.T) {
		userBudget := testBudget(100, nil)
		finder.budgets[scopeKey(models.ScopeUser, "u1")] = []*models.BudgetDefinition{userBudget}
		status.statuses = map[uuid.UUID]*StatusInfo{
			userBudget.ID: statusWith(userBudget.ID, models.StatusNormal, 90),
			teamBudget.ID: statusWith(teamBudget.ID, models.StatusNormal, 400),
		}

		check, err := m.CheckBudget(context.Background(), "u1", 0.01)
		require.NoError(t, err)
		assert.Equal(t, userBudget.ID, *check.BudgetID)
		assert.Equal(t, models.ScopeUser, check.ScopeType)
	})

	t.Run("no budget anywhere is unconstrained", func(t *testing.T) {
		empty := NewManager(nil, &fakeFinder{budgets: map[string][]*models.BudgetDefinition{}},
			status, scopes, fixedEstimator{0.01}, zap.NewNop())
		check, err := empty.CheckBudget(context.Background(), "u1", 0.01)
		require.NoError(t, err)
		assert.Nil(t, check.BudgetID)
		assert.True(t, check.Constraint.CanProceed)
	})
}

func TestRecommend(t *testing.T) {
	id := uuid.New()

	cases := []struct {
		name      string
		status    *StatusInfo
		estimated float64
		want      RecommendationKind
	}{
		{"nil status proceeds", nil, 1, RecommendProceed},
		{"exceeded rejects", statusWith(id, models.StatusExceeded, 0), 0.01, RecommendReject},
		{"critical above half remaining downgrades", statusWith(id, models.StatusCritical, 10), 6, RecommendDowngrade},
		{"critical below half remaining proceeds", statusWith(id, models.StatusCritical, 10), 4, RecommendProceed},
		{"warning above 30 percent hints", statusWith(id, models.StatusWarning, 10), 4, RecommendDowngradeHint},
		{"warning below 30 percent proceeds", statusWith(id, models.StatusWarning, 10), 2, RecommendProceed},
		{"normal proceeds", statusWith(id, models.StatusNormal, 10), 9, RecommendProceed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Recommend(tc.status, tc.estimated))
		})
	}
}

func TestManager_AllocateBudget(t *testing.T) {
	userBudget := testBudget(100, nil)
	finder := &fakeFinder{budgets: map[string][]*models.BudgetDefinition{
		scopeKey(models.ScopeUser, "u1"): {userBudget},
	}}
	status := &fakeStatus{
		statuses: map[uuid.UUID]*StatusInfo{
			userBudget.ID: statusWith(userBudget.ID, models.StatusCritical, 1),
		},
	}
	m := NewManager(nil, finder, status, &fakeScopes{}, fixedEstimator{0.8}, zap.NewNop())

	alloc, err := m.AllocateBudget(context.Background(), &models.AIRequest{ID: "r1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, RecommendDowngrade, alloc.Recommendation)
	assert.Equal(t, 0.8, alloc.EstimatedCost)
}

func TestMostRestrictive(t *testing.T) {
	assert.Equal(t, models.AlertAction(""), MostRestrictive(nil))
	assert.Equal(t, models.ActionNotify, MostRestrictive([]models.AlertAction{models.ActionNotify}))
	assert.Equal(t, models.ActionBlockAll, MostRestrictive([]models.AlertAction{
		models.ActionNotify, models.ActionBlockAll, models.ActionRestrictModels,
	}))
	assert.Equal(t, models.ActionRequireApproval, MostRestrictive([]models.AlertAction{
		models.ActionAutoDowngrade, models.ActionRequireApproval,
	}))
}

func TestManager_EnforceSpendingLimits(t *testing.T) {
	userBudget := testBudget(100, nil)
	teamBudget := testBudget(500, nil)

	finder := &fakeFinder{budgets: map[string][]*models.BudgetDefinition{
		scopeKey(models.ScopeUser, "u1"): {userBudget},
		scopeKey(models.ScopeTeam, "t1"): {teamBudget},
	}}
	status := &fakeStatus{
		statuses: map[uuid.UUID]*StatusInfo{
			userBudget.ID: statusWith(userBudget.ID, models.StatusWarning, 40,
				models.BudgetAlert{Threshold: 50, Actions: []models.AlertAction{models.ActionNotify}}),
			teamBudget.ID: statusWith(teamBudget.ID, models.StatusCritical, 50,
				models.BudgetAlert{Threshold: 90, Actions: []models.AlertAction{models.ActionRestrictModels}}),
		},
	}
	scopes := &fakeScopes{teams: map[string][]string{"u1": {"t1"}}}
	m := NewManager(nil, finder, status, scopes, fixedEstimator{0}, zap.NewNop())

	action, err := m.EnforceSpendingLimits(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.ActionRestrictModels, action)
}

func TestManager_CheckBudget_FinderError(t *testing.T) {
	boom := errors.New("db down")
	m := NewManager(nil, &fakeFinder{err: boom}, &fakeStatus{}, &fakeScopes{}, fixedEstimator{0}, zap.NewNop())

	_, err := m.CheckBudget(context.Background(), "u1", 1)
	assert.ErrorIs(t, err, boom)
}

func TestGormScopeResolver(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	resolver := NewGormScopeResolver(db)

	require.NoError(t, db.Create(&models.User{ID: "u1", OrganizationID: "org-1"}).Error)
	require.NoError(t, db.Create(&models.UserTeam{UserID: "u1", TeamID: "t1"}).Error)
	require.NoError(t, db.Create(&models.UserTeam{UserID: "u1", TeamID: "t2"}).Error)

	teams, err := resolver.TeamsForUser(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2"}, teams)

	org, err := resolver.OrganizationForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", org)

	t.Run("unknown user", func(t *testing.T) {
		teams, err := resolver.TeamsForUser(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, teams)

		org, err := resolver.OrganizationForUser(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, org)
	})
}
