package main

import (
	"fmt"

	"github.com/BadgerOps/localconsole/internal/connectivity"
	"github.com/spf13/cobra"
)

func newModeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mode",
		Short: "Show or change the connectivity mode",
		Long: `The connectivity mode is one of ONLINE_FIRST, OFFLINE_FIRST, HYBRID or
SYNC. The selected mode is persisted and survives restarts. Network
transitions never change the mode, only the online flag.`,
		Example: `  localconsole mode
  localconsole mode set HYBRID
  localconsole mode probe`,
		Args: cobra.NoArgs,
		RunE: modeShowRun,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:       "set MODE",
			Short:     "Select and persist a connectivity mode",
			Args:      cobra.ExactArgs(1),
			ValidArgs: modeNames(),
			RunE:      modeSetRun,
		},
		&cobra.Command{
			Use:   "probe",
			Short: "Probe reachability and print the resulting state",
			Args:  cobra.NoArgs,
			RunE:  modeProbeRun,
		},
	)

	return cmd
}

func modeNames() []string {
	names := make([]string, 0, len(connectivity.Modes))
	for _, m := range connectivity.Modes {
		names = append(names, string(m))
	}
	return names
}

func modeShowRun(cmd *cobra.Command, args []string) error {
	if globalConn == nil {
		return fmt.Errorf("connectivity controller not initialized")
	}
	fmt.Println(globalConn.State().Mode)
	return nil
}

func modeSetRun(cmd *cobra.Command, args []string) error {
	if globalConn == nil {
		return fmt.Errorf("connectivity controller not initialized")
	}

	mode, err := connectivity.ParseMode(args[0])
	if err != nil {
		return err
	}
	if err := globalConn.SetMode(mode); err != nil {
		return err
	}
	fmt.Printf("Connectivity mode set to %s\n", mode)
	return nil
}

func modeProbeRun(cmd *cobra.Command, args []string) error {
	if globalConn == nil || globalWatcher == nil {
		return fmt.Errorf("connectivity controller not initialized")
	}

	globalWatcher.Check(commandContext(cmd))
	st := globalConn.State()
	fmt.Printf("Mode:    %s\n", st.Mode)
	fmt.Printf("Online:  %s\n", yesNo(st.IsOnline))
	return nil
}
