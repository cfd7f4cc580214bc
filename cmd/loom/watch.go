package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <plan.yaml>",
	Short: "Re-run a plan whenever its file changes",
	Long: `Watch runs the plan once, then watches the plan file and re-runs it
after every change. Useful while iterating on a plan definition.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchPlan(cmd.Context(), args[0])
	},
}

func watchPlan(parent context.Context, planPath string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files by rename,
	// which would silently drop a direct file watch.
	absPath, err := filepath.Abs(planPath)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(absPath), err)
	}

	runOnce := func() {
		if err := runPlan(ctx, planPath); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("✗"), err)
		}
	}

	runOnce()
	fmt.Printf("%s watching %s for changes\n", color.CyanString("◉"), planPath)

	// Debounce bursts of write events into a single re-run.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != absPath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(300 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		case <-pending:
			pending = nil
			fmt.Printf("\n%s plan changed, re-running\n", color.CyanString("◉"))
			runOnce()
		}
	}
}
