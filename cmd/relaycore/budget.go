package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaycore/relaycore/internal/config"
	"github.com/relaycore/relaycore/internal/database"
	"github.com/relaycore/relaycore/internal/logger"
	"github.com/relaycore/relaycore/internal/models"
	"github.com/relaycore/relaycore/internal/services/budget"
	"github.com/relaycore/relaycore/internal/services/cost"
)

func newBudgetCommand() *cobra.Command {
	budgetCmd := &cobra.Command{
		Use:   "budget",
		Short: "Budget administration",
	}
	budgetCmd.AddCommand(newBudgetCheckCommand())
	budgetCmd.AddCommand(newBudgetReportCommand())
	return budgetCmd
}

// newBudgetManager assembles the budget decision stack against the
// configured database. The status cache runs local-only here: a one-shot
// command has no sibling instances to share state with.
func newBudgetManager() (*budget.Manager, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	conns, err := database.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}

	statusCache := budget.NewStatusCache(cfg.Budget.StatusCacheTTL, nil, log.Named("budget"))
	registry := budget.NewRegistry(conns.Primary, log.Named("budget"))
	tracker := budget.NewTracker(conns.Primary, statusCache, log.Named("budget"))
	scopes := budget.NewGormScopeResolver(conns.Primary)
	predictor := cost.NewPredictor(log.Named("cost"))

	// The manager itself only runs report reads, so it gets the replica
	// when one is configured.
	manager := budget.NewManager(conns.Reader(), registry, tracker, scopes, predictor, log.Named("budget"))
	cleanup := func() {
		conns.Close()
		log.Sync()
	}
	return manager, cleanup, nil
}

func newBudgetCheckCommand() *cobra.Command {
	var (
		model     string
		maxTokens int
		prompt    string
	)
	checkCmd := &cobra.Command{
		Use:   "check <user-id>",
		Short: "Resolve a user's budget and preview the allocation decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, cleanup, err := newBudgetManager()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			userID := args[0]
			alloc, err := manager.AllocateBudget(ctx, &models.AIRequest{
				UserID:    userID,
				Model:     model,
				MaxTokens: maxTokens,
				Prompt:    prompt,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Estimated cost:  $%.4f (%s)\n", alloc.EstimatedCost, model)
			fmt.Printf("Recommendation:  %s\n", alloc.Recommendation)
			if alloc.Check.BudgetID == nil {
				fmt.Println("Budget:          none (unconstrained)")
			} else {
				status := alloc.Check.Status
				fmt.Printf("Budget:          %s (%s scope)\n", alloc.Check.BudgetID, alloc.Check.ScopeType)
				fmt.Printf("Spend:           $%.2f used, $%.2f remaining (%.1f%%, %s)\n",
					status.CurrentAmount, status.Remaining, status.PercentUsed, status.Status)
			}

			action, err := manager.EnforceSpendingLimits(ctx, userID)
			if err != nil {
				return err
			}
			if action != "" {
				fmt.Printf("Triggered alert: %s\n", action)
			}
			return nil
		},
	}
	checkCmd.Flags().StringVar(&model, "model", "gpt-3.5-turbo", "model to estimate against")
	checkCmd.Flags().IntVar(&maxTokens, "max-tokens", 500, "completion token bound for the estimate")
	checkCmd.Flags().StringVar(&prompt, "prompt", "", "sample prompt for the estimate")
	return checkCmd
}

func newBudgetReportCommand() *cobra.Command {
	var days int
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Print the aggregate spend report",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, cleanup, err := newBudgetManager()
			if err != nil {
				return err
			}
			defer cleanup()

			to := time.Now().UTC()
			from := to.AddDate(0, 0, -days)
			report, err := manager.GenerateCostReport(context.Background(), from, to)
			if err != nil {
				return err
			}

			fmt.Printf("Spend %s to %s\n", from.Format("2006-01-02"), to.Format("2006-01-02"))
			for currency, total := range report.TotalsByCurrency {
				fmt.Printf("  total %s %.2f\n", currency, total)
			}
			fmt.Printf("  active budget utilization %.1f%%\n", report.Utilization*100)
			if len(report.TopModels) > 0 {
				fmt.Println("Top models:")
				for _, row := range report.TopModels {
					fmt.Printf("  %-28s $%9.2f  %d requests\n", row.Key, row.Cost, row.Count)
				}
			}
			if len(report.TopUsers) > 0 {
				fmt.Println("Top users:")
				for _, row := range report.TopUsers {
					fmt.Printf("  %-28s $%9.2f  %d requests\n", row.Key, row.Cost, row.Count)
				}
			}
			return nil
		},
	}
	reportCmd.Flags().IntVar(&days, "days", 7, "report window in days")
	return reportCmd
}
