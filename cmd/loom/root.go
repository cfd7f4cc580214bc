package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Dependency-aware task orchestrator",
	Long: `Loom executes plans of interdependent tasks across a pool of
interchangeable worker backends.

A plan is a YAML file declaring tasks, their capabilities, and their
dependencies. Loom builds the dependency graph, runs independent tasks
concurrently, passes artifacts between tasks through a shared context
store, and recovers from backend failures by retrying or reassigning
work to an alternate backend.

Core behaviors:
- Schedules by dependency readiness, unblocking the longest chains first
- Serializes tasks that declare the same exclusive resource
- Retries transient failures with exponential backoff
- Falls back between structured and text-only backends
- Reports blocked work structurally instead of failing the whole run`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (overrides discovery)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
