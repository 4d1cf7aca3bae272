package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rebase-inc/skillscanner/internal/config"
	"github.com/rebase-inc/skillscanner/internal/database"
	"github.com/rebase-inc/skillscanner/internal/population"
)

var rankPublish bool

var rankCmd = &cobra.Command{
	Use:   "rank <username>",
	Short: "Recompute rankings from stored knowledge",
	Long: `Loads the user's normalized knowledge from the population store,
ranks every dotted name against the leaderboard, and prints the nested
ranking tree. With --publish the tree is also mirrored into the relational
store's skill_set row.`,
	Args: cobra.ExactArgs(1),
	RunE: runRank,
}

func init() {
	rankCmd.Flags().BoolVar(&rankPublish, "publish", false,
		"Mirror the rankings into the relational store")
}

func runRank(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	username := args[0]

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store := population.NewRedisStore(cfg.Store)
	normalized, err := store.UserKnowledge(ctx, username)
	if err != nil {
		return fmt.Errorf("loading knowledge of %s: %w", username, err)
	}

	rankings, err := store.Rankings(ctx, normalized)
	if err != nil {
		return fmt.Errorf("ranking %s: %w", username, err)
	}

	if rankPublish {
		db, err := database.New(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		if err := population.PublishRankings(ctx, db.SQL(), username, rankings); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rankings)
}
