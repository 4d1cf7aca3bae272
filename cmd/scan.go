package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rebase-inc/skillscanner/internal/config"
	"github.com/rebase-inc/skillscanner/internal/database"
	"github.com/rebase-inc/skillscanner/internal/scanner"
)

var (
	scanRepo      string
	scanCommit    string
	scanForce     bool
	scanKeepClone bool
)

var scanCmd = &cobra.Command{
	Use:   "scan [username]",
	Short: "Scan a user's repositories into a knowledge profile",
	Long: `Runs the two-pass scan: first a remote-only pass counting authored
commits per repository, then a clone-and-parse pass feeding every changed
file through the parser backends. Without a username the token's own login
is scanned.

Examples:
  skillscan scan                         # scan the token's login
  skillscan scan torvalds                # scan another user
  skillscan scan --repo alice/tools      # one repository only
  skillscan scan --repo alice/tools --commit 3f2a91c   # debug one commit`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanRepo, "repo", "", "Scan a single repository (owner/name)")
	scanCmd.Flags().StringVar(&scanCommit, "commit", "", "Analyze a single commit SHA (requires --repo)")
	scanCmd.Flags().BoolVar(&scanForce, "force", false, "Rescan even when current knowledge exists")
	scanCmd.Flags().BoolVar(&scanKeepClone, "keep-clone", false, "Leave working copies on disk")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanCommit != "" && scanRepo == "" {
		return fmt.Errorf("--commit requires --repo")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s, err := scanner.NewFromConfig(cfg, db, scanner.Options{KeepClone: scanKeepClone})
	if err != nil {
		return err
	}
	defer s.Close()

	username := ""
	if len(args) == 1 {
		username = args[0]
	}

	switch {
	case scanCommit != "":
		normalized, err := s.ScanCommit(ctx, scanRepo, scanCommit)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(normalized)
	case scanRepo != "":
		return s.ScanRepo(ctx, username, scanRepo)
	default:
		return s.ScanUser(ctx, username, scanForce)
	}
}
