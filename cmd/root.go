package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "skillscan",
	Short: "Scan a developer's GitHub history into a ranked skill profile",
	Long: `skillscan crawls the repositories a user has contributed to, attributes
symbol usage to each authored commit through external parser backends, and
accumulates a time-weighted knowledge model. The normalized knowledge is
published to the population store and ranked against everyone else in it.

Get started:
  skillscan config    Write a default config file
  skillscan scan      Scan a user, a repository or a single commit
  skillscan rank      Recompute and publish rankings from stored knowledge
  skillscan serve     Run the callback TCP server (relevance oracle)
  skillscan agent     Run the scheduled rescan daemon`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.skillscan/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		scanCmd,
		rankCmd,
		serveCmd,
		agentCmd,
		workerCmd,
		configCmd,
	)
}

// initLogging honors --verbose and the LOG_LEVEL env var. Worker
// subprocesses inherit LOG_LEVEL from the server, not the flag.
func initLogging() {
	level := slog.LevelInfo
	if verbose || strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}
	slog.SetLogLoggerLevel(level)
}
