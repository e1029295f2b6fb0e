package main

import (
	"fmt"

	"github.com/BadgerOps/localconsole/internal/health"
	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health [SERVICE...]",
		Short: "Probe the health of remote services",
		Long: `Probe <base>/health of every configured service, or only the named ones,
and print the verdicts. Services without a resolvable endpoint are reported
OFFLINE.`,
		Example: `  localconsole health
  localconsole health api auth`,
		RunE: healthRun,
	}

	return cmd
}

func healthRun(cmd *cobra.Command, args []string) error {
	if globalMonitor == nil {
		return fmt.Errorf("health monitor not initialized")
	}
	ctx := commandContext(cmd)

	var statuses []health.ServiceStatus
	if len(args) == 0 {
		statuses = globalMonitor.CheckAll(ctx)
	} else {
		for _, name := range args {
			statuses = append(statuses, globalMonitor.Check(ctx, name))
		}
	}

	if len(statuses) == 0 {
		fmt.Println("No services configured")
		return nil
	}
	printServiceStatuses(statuses)
	return nil
}
