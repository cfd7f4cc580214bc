package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/state"
	"github.com/loomworks/loom/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show persisted runs and their tasks",
	Long: `Status reads the project-local state database. With no arguments it
lists recent runs; with a run ID it shows that run's tasks, including
the reasons for any blocked or skipped work.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := state.OpenProject(".")
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return err
		}
		cp := state.NewCheckpoint(db)

		if len(args) == 0 {
			return listRuns(cp)
		}
		return showRun(cp, args[0])
	},
}

func listRuns(cp *state.Checkpoint) error {
	runs, err := cp.ListRuns()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	for _, r := range runs {
		fmt.Printf("%s  %-22s %s  %d/%d  %s\n",
			r.ID, r.Name, runStateBadge(r.State), r.Succeeded, r.Total,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func showRun(cp *state.Checkpoint, runID string) error {
	run, err := cp.LoadRun(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}

	fmt.Printf("run %s %q: %s, %d/%d tasks succeeded\n\n",
		run.ID, run.Name, runStateBadge(run.State), run.Succeeded, run.Total)

	tasks, err := cp.LoadTasks(runID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		line := fmt.Sprintf("  %s %-22s [%s]", taskStateBadge(task.State), task.Name, task.Capability)
		if task.Attempts > 1 {
			line += fmt.Sprintf(" attempts=%d", task.Attempts)
		}
		if task.BackendUsed != "" {
			line += fmt.Sprintf(" backend=%s", task.BackendUsed)
		}
		if task.BlockedReason != "" {
			line += " " + task.BlockedReason
		} else if task.Error != "" && task.State != models.TaskStateSucceeded {
			line += " " + task.Error
		}
		fmt.Println(line)
	}
	return nil
}

func runStateBadge(s models.RunState) string {
	switch s {
	case models.RunCompleted:
		return color.GreenString(string(s))
	case models.RunPartiallyCompleted:
		return color.YellowString(string(s))
	case models.RunFailed:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}

func taskStateBadge(s models.TaskState) string {
	switch s {
	case models.TaskStateSucceeded:
		return color.GreenString("✓")
	case models.TaskStateBlocked, models.TaskStateFailed:
		return color.RedString("✗")
	case models.TaskStateSkipped:
		return color.New(color.Faint).Sprint("-")
	case models.TaskStateRunning:
		return color.CyanString("→")
	default:
		return " "
	}
}
