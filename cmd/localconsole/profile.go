package main

import (
	"fmt"
	"strings"

	"github.com/BadgerOps/localconsole/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type profileFlags struct {
	name      string
	daily     string
	every     int
	backup    string
	tables    string
	retention int
	disabled  bool
	enabled   bool
}

var (
	profileOpts profileFlags
	profileYes  bool
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage scheduled backup profiles",
		Long: `A backup profile is a named backup policy: which tables, FULL or
DIFFERENTIAL, and a schedule that is either a fixed interval in minutes or a
daily time of day. The scheduler in serve runs every enabled profile.`,
		Example: `  localconsole profile add --name Nightly --daily 02:00 --type FULL --tables '*'
  localconsole profile add --name Notes --every 30 --type DIFFERENTIAL --tables notes --retention 48
  localconsole profile update 7d1e... --every 60
  localconsole profile run 7d1e...
  localconsole profile delete 7d1e... --yes`,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List backup profiles",
		Args:  cobra.NoArgs,
		RunE:  profileListRun,
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Create a backup profile",
		Args:  cobra.NoArgs,
		RunE:  profileAddRun,
	}
	bindProfileFlags(addCmd)

	updateCmd := &cobra.Command{
		Use:   "update ID",
		Short: "Change fields of a backup profile",
		Args:  cobra.ExactArgs(1),
		RunE:  profileUpdateRun,
	}
	bindProfileFlags(updateCmd)
	updateCmd.Flags().BoolVar(&profileOpts.enabled, "enabled", false, "enable the profile")

	deleteCmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a backup profile; its backups are kept",
		Args:  cobra.ExactArgs(1),
		RunE:  profileDeleteRun,
	}
	deleteCmd.Flags().BoolVarP(&profileYes, "yes", "y", false, "do not ask for confirmation")

	runCmd := &cobra.Command{
		Use:   "run ID",
		Short: "Run a profile now, as the scheduler would",
		Args:  cobra.ExactArgs(1),
		RunE:  profileRunRun,
	}

	cmd.AddCommand(listCmd, addCmd, updateCmd, deleteCmd, runCmd)
	return cmd
}

func bindProfileFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&profileOpts.name, "name", "", "profile name")
	f.StringVar(&profileOpts.daily, "daily", "", "run daily at this HH:MM time")
	f.IntVar(&profileOpts.every, "every", 0, "run every N minutes")
	f.StringVar(&profileOpts.backup, "type", store.BackupTypeFull, "backup type (FULL or DIFFERENTIAL)")
	f.StringVar(&profileOpts.tables, "tables", store.AllTables, "comma-separated tables, '*' for all")
	f.IntVar(&profileOpts.retention, "retention", 0, "keep at most N scheduled backups (0 keeps all)")
	f.BoolVar(&profileOpts.disabled, "disabled", false, "create or leave the profile disabled")
	cmd.MarkFlagsMutuallyExclusive("daily", "every")
}

func profileListRun(cmd *cobra.Command, args []string) error {
	if globalBackups == nil {
		return fmt.Errorf("backup engine not initialized")
	}

	profiles, err := globalBackups.ListProfiles()
	if err != nil {
		return fmt.Errorf("listing profiles: %w", err)
	}
	if len(profiles) == 0 {
		fmt.Println("No backup profiles configured")
		return nil
	}

	fmt.Printf("%-36s %-20s %-8s %-14s %-12s %-9s %s\n", "ID", "Name", "Enabled", "Schedule", "Type", "Retention", "Tables")
	fmt.Println(strings.Repeat("-", 120))
	for _, p := range profiles {
		retention := "all"
		if p.RetentionCount > 0 {
			retention = humanize.Comma(int64(p.RetentionCount))
		}
		fmt.Printf("%-36s %-20s %-8s %-14s %-12s %-9s %s\n",
			p.ID,
			truncate(p.Name, 20),
			yesNo(p.IsEnabled),
			scheduleLabel(p),
			p.BackupType,
			retention,
			strings.Join(p.Tables, ","),
		)
	}
	return nil
}

func profileAddRun(cmd *cobra.Command, args []string) error {
	if globalBackups == nil {
		return fmt.Errorf("backup engine not initialized")
	}

	p := &store.BackupProfile{
		Name:           profileOpts.name,
		IsEnabled:      !profileOpts.disabled,
		BackupType:     profileOpts.backup,
		Tables:         splitList(profileOpts.tables),
		RetentionCount: profileOpts.retention,
	}
	setFrequency(p, profileOpts.daily, profileOpts.every)

	if err := globalBackups.AddProfile(p); err != nil {
		return fmt.Errorf("creating profile: %w", err)
	}
	fmt.Printf("Profile %s created (%s)\n", p.Name, p.ID)
	return nil
}

func profileUpdateRun(cmd *cobra.Command, args []string) error {
	if globalBackups == nil {
		return fmt.Errorf("backup engine not initialized")
	}

	p, err := globalBackups.GetProfile(args[0])
	if err != nil {
		return fmt.Errorf("loading profile: %w", err)
	}

	f := cmd.Flags()
	if f.Changed("name") {
		p.Name = profileOpts.name
	}
	if f.Changed("daily") {
		setFrequency(p, profileOpts.daily, 0)
	}
	if f.Changed("every") {
		setFrequency(p, "", profileOpts.every)
	}
	if f.Changed("type") {
		p.BackupType = profileOpts.backup
	}
	if f.Changed("tables") {
		p.Tables = splitList(profileOpts.tables)
	}
	if f.Changed("retention") {
		p.RetentionCount = profileOpts.retention
	}
	if f.Changed("disabled") {
		p.IsEnabled = !profileOpts.disabled
	}
	if f.Changed("enabled") {
		p.IsEnabled = profileOpts.enabled
	}

	if err := globalBackups.UpdateProfile(p); err != nil {
		return fmt.Errorf("updating profile: %w", err)
	}
	fmt.Printf("Profile %s updated\n", p.Name)
	return nil
}

// setFrequency sets exactly one of the two schedule fields
func setFrequency(p *store.BackupProfile, daily string, every int) {
	if daily != "" {
		p.Frequency = store.FrequencyDaily
		p.TimeOfDay = daily
		p.IntervalMinutes = 0
		return
	}
	p.Frequency = store.FrequencyInterval
	p.IntervalMinutes = every
	p.TimeOfDay = ""
}

func profileDeleteRun(cmd *cobra.Command, args []string) error {
	if globalBackups == nil {
		return fmt.Errorf("backup engine not initialized")
	}

	if !confirm(cmd, fmt.Sprintf("Delete profile %s? Its backups are kept.", args[0]), profileYes) {
		fmt.Println("Aborted")
		return nil
	}
	if err := globalBackups.DeleteProfile(args[0]); err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}
	fmt.Printf("Profile %s deleted\n", args[0])
	return nil
}

func profileRunRun(cmd *cobra.Command, args []string) error {
	if globalBackups == nil {
		return fmt.Errorf("backup engine not initialized")
	}

	h, err := globalBackups.RunProfile(commandContext(cmd), args[0])
	if err != nil {
		return fmt.Errorf("profile run failed: %w", err)
	}
	fmt.Printf("Backup %s created (%s, %s)\n", h.Name, h.BackupType, humanize.Bytes(uint64(h.Size)))
	return nil
}
