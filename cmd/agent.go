package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rebase-inc/skillscanner/internal/config"
	"github.com/rebase-inc/skillscanner/internal/database"
	"github.com/rebase-inc/skillscanner/internal/scanner"
)

var agentUsers []string

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the scheduled rescan daemon",
	Long: `Sweeps the configured users immediately, then rescans them on the
configured cron schedule. With agent.metrics_port set, prometheus metrics
(scan outcomes, parser health) are served at /metrics.

Examples:
  skillscan agent
  skillscan agent --users alice,bob`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringSliceVar(&agentUsers, "users", nil,
		"Users to rescan (overrides config)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if len(agentUsers) > 0 {
		cfg.Agent.Users = agentUsers
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s, err := scanner.NewFromConfig(cfg, db, scanner.Options{})
	if err != nil {
		return err
	}
	defer s.Close()

	agent := scanner.NewAgent(scanner.AgentRunConfig{
		Users:       cfg.Agent.Users,
		CronSpec:    cfg.Agent.CronSpec,
		MetricsPort: cfg.Agent.MetricsPort,
	}, s)
	return agent.Run(ctx)
}
