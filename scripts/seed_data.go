package main

import (
	"context"
	"fmt"
	"log"

	"github.com/joho/godotenv"

	"github.com/relaycore/relaycore/internal/config"
	"github.com/relaycore/relaycore/internal/database"
	"github.com/relaycore/relaycore/internal/logger"
	"github.com/relaycore/relaycore/internal/models"
	"github.com/relaycore/relaycore/internal/services/budget"
)

// Seeds a demo organization with a nested budget hierarchy so a fresh
// install has something to route against. Safe to re-run.
func main() {
	// Load .env file
	_ = godotenv.Load("../.env")

	cfg, err := config.Load("")
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	zlog, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}

	conns, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer conns.Close()

	db := conns.Primary
	ctx := context.Background()

	// Demo identity rows: one user in one team inside one organization.
	user := &models.User{ID: "demo-user", OrganizationID: "demo-org"}
	if err := db.FirstOrCreate(user, "id = ?", user.ID).Error; err != nil {
		log.Fatal("Failed to create demo user:", err)
	}
	membership := &models.UserTeam{UserID: "demo-user", TeamID: "demo-team"}
	if err := db.FirstOrCreate(membership, "user_id = ? AND team_id = ?",
		membership.UserID, membership.TeamID).Error; err != nil {
		log.Fatal("Failed to create team membership:", err)
	}
	fmt.Println("Seeded identity: demo-user / demo-team / demo-org")

	registry := budget.NewRegistry(db, zlog.Named("seed"))

	orgBudget := ensureBudget(ctx, registry, &budget.CreateRequest{
		Name:      "Demo Org Monthly",
		ScopeType: models.ScopeOrganization,
		ScopeID:   "demo-org",
		Amount:    5000,
		Period:    models.PeriodMonthly,
		Recurring: true,
		Alerts: []models.BudgetAlert{
			{Threshold: 50, Actions: []models.AlertAction{models.ActionNotify}},
			{Threshold: 90, Actions: []models.AlertAction{models.ActionRestrictModels}},
			{Threshold: 100, Actions: []models.AlertAction{models.ActionBlockAll}},
		},
		CreatedBy: "seed",
	})

	teamBudget := ensureBudget(ctx, registry, &budget.CreateRequest{
		Name:           "Demo Team Monthly",
		ScopeType:      models.ScopeTeam,
		ScopeID:        "demo-team",
		Amount:         1000,
		Period:         models.PeriodMonthly,
		Recurring:      true,
		ParentBudgetID: &orgBudget.ID,
		Alerts: []models.BudgetAlert{
			{Threshold: 80, Actions: []models.AlertAction{models.ActionNotify, models.ActionAutoDowngrade}},
			{Threshold: 100, Actions: []models.AlertAction{models.ActionBlockAll}},
		},
		CreatedBy: "seed",
	})

	userBudget := ensureBudget(ctx, registry, &budget.CreateRequest{
		Name:           "Demo User Monthly",
		ScopeType:      models.ScopeUser,
		ScopeID:        "demo-user",
		Amount:         100,
		Period:         models.PeriodMonthly,
		Recurring:      true,
		ParentBudgetID: &teamBudget.ID,
		Alerts: []models.BudgetAlert{
			{Threshold: 75, Actions: []models.AlertAction{models.ActionNotify}},
			{Threshold: 95, Actions: []models.AlertAction{models.ActionRequireApproval}},
		},
		CreatedBy: "seed",
	})

	// One sample usage record so status reads return something non-zero.
	statusCache := budget.NewStatusCache(cfg.Budget.StatusCacheTTL, nil, zlog.Named("seed"))
	defer statusCache.Stop()
	tracker := budget.NewTracker(db, statusCache, zlog.Named("seed"))

	if _, err := tracker.RecordUsage(ctx, userBudget.ID, &budget.UsageRequest{
		Amount:      0.25,
		Source:      models.SourceRelayCore,
		Description: "seeded sample request",
		RequestID:   "seed-request-1",
		ModelID:     "gpt-3.5-turbo",
		UserID:      "demo-user",
	}); err != nil {
		log.Fatal("Failed to record sample usage:", err)
	}

	status, err := tracker.GetBudgetStatus(ctx, userBudget.ID)
	if err != nil {
		log.Fatal("Failed to read budget status:", err)
	}
	fmt.Printf("Demo user budget: %.2f/%.2f %s used (%s)\n",
		status.CurrentAmount, userBudget.Amount, userBudget.Currency, status.Status)
}

// ensureBudget creates the budget unless one with the same name already
// covers the scope.
func ensureBudget(ctx context.Context, registry *budget.Registry, req *budget.CreateRequest) *models.BudgetDefinition {
	existing, err := registry.ListActiveForScope(ctx, req.ScopeType, req.ScopeID)
	if err != nil {
		log.Fatal("Failed to list budgets:", err)
	}
	for _, def := range existing {
		if def.Name == req.Name {
			fmt.Println("Budget already exists:", def.Name)
			return def
		}
	}
	def, err := registry.Create(ctx, req)
	if err != nil {
		log.Fatal("Failed to create budget:", err)
	}
	fmt.Printf("Created budget: %s (%.2f %s, %s)\n", def.Name, def.Amount, def.Currency, def.Period)
	return def
}
