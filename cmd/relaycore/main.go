package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/relaycore/relaycore/internal/services/steering"
)

var cfgFile string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relaycore",
		Short: "RelayCore AI request routing hub",
		Long: `RelayCore routes AI requests across providers with steering rules,
budget enforcement, cost optimization, semantic caching, and failover.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Best effort; a missing .env file is not an error.
			_ = godotenv.Load()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default relaycore.yaml)")
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newRulesCommand())
	rootCmd.AddCommand(newBudgetCommand())
	return rootCmd
}

func newRulesCommand() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Steering rule file utilities",
	}
	rulesCmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a steering rule file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := steering.LoadConfig(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("OK: %d rules, daily budget %.2f, per-request max %.2f\n",
				len(cfg.RoutingRules),
				cfg.CostConstraints.DailyBudget,
				cfg.CostConstraints.PerRequestMax)
			return nil
		},
	})
	return rulesCmd
}
