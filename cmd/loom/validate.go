package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/plan"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plan.yaml>",
	Short: "Validate a plan without executing it",
	Long: `Validate parses a plan file, resolves its dependencies, checks every
capability against the configured backends, and rejects cycles. Nothing
is executed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		registry, err := buildRegistry(cfg)
		if err != nil {
			return err
		}

		doc, err := plan.ParseFile(args[0])
		if err != nil {
			return err
		}
		p, err := plan.Build(doc, registry)
		if err != nil {
			return err
		}

		order, err := p.Graph.TopologicalSort()
		if err != nil {
			return err
		}
		names := make([]string, 0, len(order))
		for _, id := range order {
			names = append(names, p.Graph.GetTask(id).Name)
		}

		fmt.Printf("%s plan %q: %d tasks, no cycles\n", color.GreenString("✓"), p.Name, len(p.Tasks))
		fmt.Printf("  execution order: %s\n", strings.Join(names, " → "))
		return nil
	},
}
