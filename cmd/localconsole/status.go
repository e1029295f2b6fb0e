package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BadgerOps/localconsole/internal/health"
	"github.com/BadgerOps/localconsole/internal/scheduler"
	"github.com/BadgerOps/localconsole/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var statusCheck bool

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display connectivity, endpoints, backups and sync state",
		Long: `Display an overview of the console: the connectivity mode and online
state, the resolved endpoint table, backup profiles with their next run,
backup history totals and the most recent reconciliation pass.

Use --check to probe every configured service before printing.`,
		Example: `  localconsole status
  localconsole status --check`,
		RunE: statusRun,
	}

	cmd.Flags().BoolVar(&statusCheck, "check", false, "probe connectivity and service health before printing")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("components not initialized")
	}
	ctx := commandContext(cmd)

	if statusCheck {
		globalWatcher.Check(ctx)
	}
	st := globalConn.State()

	fmt.Println("Connectivity")
	fmt.Println("============")
	fmt.Printf("Mode:    %s\n", st.Mode)
	if statusCheck {
		fmt.Printf("Online:  %s\n", yesNo(st.IsOnline))
	} else {
		fmt.Println("Online:  unknown (use --check)")
	}
	fmt.Println("")

	fmt.Println("Endpoints")
	fmt.Println("=========")
	fmt.Printf("%-12s %-8s %s\n", "Key", "Source", "URL")
	fmt.Println(strings.Repeat("-", 60))
	for _, e := range globalResolver.Table(ctx) {
		fmt.Printf("%-12s %-8s %s\n", e.Key, e.Source, dashIfEmpty(e.URL))
	}
	fmt.Println("")

	if statusCheck {
		printServiceStatuses(globalMonitor.CheckAll(ctx))
	}

	profiles, err := globalBackups.ListProfiles()
	if err != nil {
		return fmt.Errorf("listing profiles: %w", err)
	}
	fmt.Println("Backup Profiles")
	fmt.Println("===============")
	if len(profiles) == 0 {
		fmt.Println("No backup profiles configured")
	} else {
		fmt.Printf("%-20s %-8s %-14s %-12s %-18s %s\n", "Name", "Enabled", "Schedule", "Type", "Last Run", "Next Run")
		fmt.Println(strings.Repeat("-", 90))
		now := time.Now()
		for _, p := range profiles {
			fmt.Printf("%-20s %-8s %-14s %-12s %-18s %s\n",
				truncate(p.Name, 20),
				yesNo(p.IsEnabled),
				scheduleLabel(p),
				p.BackupType,
				formatLastRun(p.LastRunAt),
				nextRunLabel(p, now),
			)
		}
	}
	fmt.Println("")

	history, err := globalBackups.GetBackupHistory()
	if err != nil {
		return fmt.Errorf("listing backups: %w", err)
	}
	var total int64
	var latest time.Time
	for _, h := range history {
		total += h.Size
		if h.CreatedAt.After(latest) {
			latest = h.CreatedAt
		}
	}
	fmt.Println("Backups")
	fmt.Println("=======")
	fmt.Printf("Count:   %d\n", len(history))
	fmt.Printf("Size:    %s\n", humanize.Bytes(uint64(total)))
	if !latest.IsZero() {
		fmt.Printf("Latest:  %s (%s)\n", latest.Local().Format("2006-01-02 15:04"), humanize.Time(latest))
	}
	fmt.Println("")

	if globalSync != nil {
		fmt.Println("Sync")
		fmt.Println("====")
		runs, err := globalSync.History(1)
		if err != nil {
			return fmt.Errorf("listing sync runs: %w", err)
		}
		if len(runs) == 0 {
			fmt.Println("No reconciliation passes recorded")
		} else {
			r := runs[0]
			fmt.Printf("Last:    %s %s (%s)\n", r.Status, r.StartTime.Local().Format("2006-01-02 15:04"), r.Endpoint)
			if r.ErrorMessage != "" {
				fmt.Printf("Error:   %s\n", r.ErrorMessage)
			}
		}
		fmt.Println("")
	}

	return nil
}

func printServiceStatuses(statuses []health.ServiceStatus) {
	fmt.Println("Services")
	fmt.Println("========")
	fmt.Printf("%-12s %-9s %10s %s\n", "Service", "Status", "Latency", "Detail")
	fmt.Println(strings.Repeat("-", 60))
	for _, s := range statuses {
		latency := "-"
		if s.Latency != nil {
			latency = s.Latency.Round(time.Millisecond).String()
		}
		detail := s.URL
		if s.Error != "" {
			detail = s.Error
		}
		fmt.Printf("%-12s %-9s %10s %s\n", s.Name, s.Status, latency, dashIfEmpty(detail))
	}
	fmt.Println("")
}

func scheduleLabel(p store.BackupProfile) string {
	if p.Frequency == store.FrequencyDaily {
		return "daily " + p.TimeOfDay
	}
	return fmt.Sprintf("every %dm", p.IntervalMinutes)
}

// nextRunLabel computes the next fire time from the profile's cron spec
func nextRunLabel(p store.BackupProfile, now time.Time) string {
	if !p.IsEnabled {
		return "-"
	}
	spec, err := scheduler.CronSpec(p)
	if err != nil {
		return "invalid"
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return "invalid"
	}
	return sched.Next(now).Format("2006-01-02 15:04")
}

func formatLastRun(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}
