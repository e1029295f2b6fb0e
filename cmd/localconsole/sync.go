package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var syncRunsLimit int

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run or inspect reconciliation passes",
		Long: `A reconciliation pass exchanges changes with the remote side. Passes only
run while the host is online; serve triggers them on an interval that
depends on the connectivity mode and on every reconnect.`,
		Example: `  localconsole sync run
  localconsole sync runs --limit 5`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Probe connectivity and run one pass now",
		Args:  cobra.NoArgs,
		RunE:  syncRunRun,
	}

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent passes, newest first",
		Args:  cobra.NoArgs,
		RunE:  syncRunsRun,
	}
	runsCmd.Flags().IntVar(&syncRunsLimit, "limit", 20, "maximum number of passes to show")

	cmd.AddCommand(runCmd, runsCmd)
	return cmd
}

func syncRunRun(cmd *cobra.Command, args []string) error {
	if globalSync == nil {
		return fmt.Errorf("sync is disabled in config")
	}
	ctx := commandContext(cmd)

	globalWatcher.Check(ctx)

	run, err := globalSync.RunOnce(ctx)
	if err != nil {
		if run != nil {
			fmt.Printf("Pass %d failed after %s\n", run.ID, run.EndTime.Sub(run.StartTime).Round(time.Millisecond))
		}
		return fmt.Errorf("sync failed: %w", err)
	}

	fmt.Printf("Pass %d completed against %s in %s\n", run.ID, run.Endpoint, run.EndTime.Sub(run.StartTime).Round(time.Millisecond))
	return nil
}

func syncRunsRun(cmd *cobra.Command, args []string) error {
	if globalSync == nil {
		return fmt.Errorf("sync is disabled in config")
	}

	runs, err := globalSync.History(syncRunsLimit)
	if err != nil {
		return fmt.Errorf("listing sync runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No reconciliation passes recorded")
		return nil
	}

	fmt.Printf("%-6s %-10s %-14s %-20s %-10s %s\n", "ID", "Status", "Mode", "Started", "Duration", "Endpoint")
	fmt.Println(strings.Repeat("-", 100))
	for _, r := range runs {
		duration := "-"
		if !r.EndTime.IsZero() {
			duration = r.EndTime.Sub(r.StartTime).Round(time.Millisecond).String()
		}
		fmt.Printf("%-6d %-10s %-14s %-20s %-10s %s\n",
			r.ID, r.Status, r.Mode, r.StartTime.Local().Format("2006-01-02 15:04:05"), duration, r.Endpoint)
		if r.ErrorMessage != "" {
			fmt.Printf("       error: %s\n", r.ErrorMessage)
		}
	}
	return nil
}
