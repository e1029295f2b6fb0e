package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newEndpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Inspect and override service endpoints",
		Long: `Endpoints map a logical service key to a base URL. A locally stored
override takes precedence over the endpoint table from the config file.`,
		Example: `  localconsole endpoint list
  localconsole endpoint get api
  localconsole endpoint set api http://10.0.0.5:3000
  localconsole endpoint unset api`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List every known endpoint and where its URL comes from",
			Args:  cobra.NoArgs,
			RunE:  endpointListRun,
		},
		&cobra.Command{
			Use:   "get KEY",
			Short: "Resolve one endpoint",
			Args:  cobra.ExactArgs(1),
			RunE:  endpointGetRun,
		},
		&cobra.Command{
			Use:   "set KEY URL",
			Short: "Store a local override for an endpoint",
			Args:  cobra.ExactArgs(2),
			RunE:  endpointSetRun,
		},
		&cobra.Command{
			Use:   "unset KEY",
			Short: "Remove the local override for an endpoint",
			Args:  cobra.ExactArgs(1),
			RunE:  endpointUnsetRun,
		},
	)

	return cmd
}

func endpointListRun(cmd *cobra.Command, args []string) error {
	if globalResolver == nil {
		return fmt.Errorf("resolver not initialized")
	}

	entries := globalResolver.Table(commandContext(cmd))
	if len(entries) == 0 {
		fmt.Println("No endpoints configured")
		return nil
	}

	fmt.Printf("%-12s %-8s %-35s %s\n", "Key", "Source", "URL", "Config")
	fmt.Println(strings.Repeat("-", 90))
	for _, e := range entries {
		fmt.Printf("%-12s %-8s %-35s %s\n", e.Key, e.Source, dashIfEmpty(e.URL), dashIfEmpty(e.StaticURL))
	}
	return nil
}

func endpointGetRun(cmd *cobra.Command, args []string) error {
	if globalResolver == nil {
		return fmt.Errorf("resolver not initialized")
	}

	url, source, err := globalResolver.ResolveSource(commandContext(cmd), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s)\n", url, source)
	return nil
}

func endpointSetRun(cmd *cobra.Command, args []string) error {
	if globalResolver == nil {
		return fmt.Errorf("resolver not initialized")
	}

	if err := globalResolver.Set(args[0], args[1]); err != nil {
		return fmt.Errorf("setting endpoint %s: %w", args[0], err)
	}
	fmt.Printf("Endpoint %s set to %s\n", args[0], args[1])
	return nil
}

func endpointUnsetRun(cmd *cobra.Command, args []string) error {
	if globalResolver == nil {
		return fmt.Errorf("resolver not initialized")
	}

	if err := globalResolver.Unset(args[0]); err != nil {
		return fmt.Errorf("removing endpoint override %s: %w", args[0], err)
	}

	url, source, err := globalResolver.ResolveSource(commandContext(cmd), args[0])
	if err != nil {
		fmt.Printf("Override for %s removed; the key is no longer configured\n", args[0])
		return nil
	}
	fmt.Printf("Override for %s removed; now %s (%s)\n", args[0], url, source)
	return nil
}

// commandContext returns the command's context, or Background when the
// command was executed without one
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
