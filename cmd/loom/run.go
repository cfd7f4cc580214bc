package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/backend"
	"github.com/loomworks/loom/internal/config"
	iexec "github.com/loomworks/loom/internal/exec"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/plan"
	"github.com/loomworks/loom/internal/state"
	"github.com/loomworks/loom/pkg/models"
)

var (
	runMaxParallel  int
	runNoCheckpoint bool
	runQuiet        bool
)

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Execute a plan",
	Long: `Run executes the tasks in a plan file until every task reaches a
terminal state. The process exits 0 only when every task succeeded;
blocked and skipped tasks are reported with their reasons.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlan(cmd.Context(), args[0])
	},
}

func init() {
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "Override the configured concurrency cap")
	runCmd.Flags().BoolVar(&runNoCheckpoint, "no-checkpoint", false, "Disable run persistence to the state database")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Suppress per-task progress output")
}

// loadConfig loads configuration from the --config flag or discovery.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// buildRegistry constructs shell backends from the configuration.
func buildRegistry(cfg *config.Config) (*backend.Registry, error) {
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("no backends configured; add a backends section to %s or .loom.yaml", config.GetUserConfigPath())
	}

	runner := iexec.NewRunner()
	var handles []*backend.Handle
	for name, bc := range cfg.Backends {
		kind := models.BackendKind(bc.Kind)
		commands := make(map[models.Capability]string, len(bc.Commands))
		caps := make([]models.Capability, 0, len(bc.Commands))
		for capability, command := range bc.Commands {
			commands[models.Capability(capability)] = command
			caps = append(caps, models.Capability(capability))
		}

		sb := backend.NewShellBackend(kind, commands, runner, bc.WorkDir)
		handles = append(handles, backend.NewHandle(name, kind, sb, caps, bc.MaxConcurrent))
	}
	return backend.NewRegistry(handles...), nil
}

func runPlan(parent context.Context, planPath string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runMaxParallel > 0 {
		cfg.Run.MaxParallel = runMaxParallel
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	doc, err := plan.ParseFile(planPath)
	if err != nil {
		return err
	}
	p, err := plan.Build(doc, registry)
	if err != nil {
		return err
	}

	opts := []orchestrator.Option{orchestrator.WithConfig(cfg.Orchestrator())}

	var logger *orchestrator.DebugLogger
	if cfg.Log.Debug {
		logger, err = orchestrator.NewDebugLogger(cfg.LogPath())
		if err != nil {
			return err
		}
		defer logger.Close()
		opts = append(opts, orchestrator.WithLogger(logger))
	}

	var cp *state.Checkpoint
	if !runNoCheckpoint {
		db, err := state.OpenProject(".")
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return err
		}
		cp = state.NewCheckpoint(db)
		opts = append(opts, orchestrator.WithCheckpointer(cp))
	}

	pool := backend.NewPool(registry, cfg.Run.AcquireTimeout)
	o := orchestrator.New(p, pool, opts...)

	if cp != nil {
		if err := cp.BeginRun(o.RunID(), p.Name, len(p.Tasks), time.Now()); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		for ev := range o.Events() {
			if !runQuiet {
				printEvent(ev)
			}
		}
	}()

	result, runErr := o.Run(ctx)
	<-eventsDone

	if cp != nil && result != nil {
		if err := cp.FinishRun(result); err != nil {
			fmt.Fprintf(os.Stderr, "warning: persist run result: %v\n", err)
		}
	}
	if result == nil {
		return runErr
	}

	printSummary(result)

	if result.State != models.RunCompleted {
		return fmt.Errorf("run %s: %d/%d tasks succeeded", result.State, result.Succeeded, result.Total)
	}
	return nil
}

// printEvent renders one run event to stdout.
func printEvent(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventRunStarted:
		fmt.Printf("%s %s\n", color.CyanString("▶"), ev.Message)
	case orchestrator.EventTaskStarted:
		fmt.Printf("%s %s (%s) on %s backend\n", color.CyanString("→"), ev.TaskName, ev.Capability, ev.Backend)
	case orchestrator.EventTaskSucceeded:
		fmt.Printf("%s %s\n", color.GreenString("✓"), ev.TaskName)
	case orchestrator.EventTaskRetrying:
		fmt.Printf("%s %s: %s\n", color.YellowString("↻"), ev.TaskName, ev.Message)
	case orchestrator.EventBackendSwitched:
		fmt.Printf("%s %s: %s\n", color.YellowString("⇄"), ev.TaskName, ev.Message)
	case orchestrator.EventBackendUnavailable:
		fmt.Printf("%s %s\n", color.RedString("!"), ev.Message)
	case orchestrator.EventTaskBlocked:
		fmt.Printf("%s %s: %s\n", color.RedString("✗"), ev.TaskName, ev.Message)
	case orchestrator.EventTaskSkipped:
		fmt.Printf("%s %s: %s\n", color.New(color.Faint).Sprint("-"), ev.TaskName, ev.Message)
	case orchestrator.EventStallDetected:
		fmt.Printf("%s %s\n", color.YellowString("…"), ev.Message)
	case orchestrator.EventRunDone:
		fmt.Printf("%s %s\n", color.CyanString("■"), ev.Message)
	}
}

// printSummary renders the final run result.
func printSummary(result *models.RunResult) {
	fmt.Println()
	switch result.State {
	case models.RunCompleted:
		fmt.Printf("%s run %s completed: %d/%d tasks succeeded in %s\n",
			color.GreenString("✓"), result.RunID, result.Succeeded, result.Total,
			result.Duration().Round(time.Millisecond))
	case models.RunPartiallyCompleted:
		fmt.Printf("%s run %s partially completed: %d/%d tasks succeeded in %s\n",
			color.YellowString("⚠"), result.RunID, result.Succeeded, result.Total,
			result.Duration().Round(time.Millisecond))
	default:
		fmt.Printf("%s run %s failed: %d/%d tasks succeeded in %s\n",
			color.RedString("✗"), result.RunID, result.Succeeded, result.Total,
			result.Duration().Round(time.Millisecond))
	}

	if len(result.Blocked) > 0 {
		fmt.Println("\nUnfinished tasks:")
		for _, bt := range result.Blocked {
			line := fmt.Sprintf("  %s [%s] %s", bt.Name, bt.State, bt.Reason)
			if len(bt.BackendsTried) > 0 {
				line += fmt.Sprintf(" (tried: %v)", bt.BackendsTried)
			}
			fmt.Println(line)
		}
	}
}
