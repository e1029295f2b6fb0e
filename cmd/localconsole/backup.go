package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BadgerOps/localconsole/internal/backup"
	"github.com/BadgerOps/localconsole/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	backupName    string
	backupType    string
	backupTables  string
	backupProfile string
	backupOutput  string
	backupNoSave  bool
	backupYes     bool
	exportDir     string
	exportOutput  string
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list, export and delete backups",
		Long: `Backups are snapshots of the local dataset. A FULL backup contains every
record of the selected tables; a DIFFERENTIAL backup contains the records
changed since the profile's last run and falls back to FULL when there is no
baseline.`,
		Example: `  localconsole backup create --type FULL
  localconsole backup create --tables contacts,notes --output contacts.json.zst --no-save
  localconsole backup list
  localconsole backup export 0b5c... --dir /mnt/usb
  localconsole backup delete 0b5c... --yes`,
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Take a manual backup now",
		Args:  cobra.NoArgs,
		RunE:  backupCreateRun,
	}
	createCmd.Flags().StringVar(&backupName, "name", "", "backup name (generated if empty)")
	createCmd.Flags().StringVar(&backupType, "type", store.BackupTypeFull, "backup type (FULL or DIFFERENTIAL)")
	createCmd.Flags().StringVar(&backupTables, "tables", "", "comma-separated tables to include, '*' or empty for all")
	createCmd.Flags().StringVar(&backupProfile, "profile", "", "take the profile's tables and differential baseline")
	createCmd.Flags().StringVarP(&backupOutput, "output", "o", "", "also write the snapshot to this file")
	createCmd.Flags().BoolVar(&backupNoSave, "no-save", false, "do not record the backup in history (requires --output)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List backup history, newest first",
		Args:  cobra.NoArgs,
		RunE:  backupListRun,
	}
	listCmd.Flags().StringVar(&backupProfile, "profile", "", "only show backups taken by this profile")

	exportCmd := &cobra.Command{
		Use:   "export ID",
		Short: "Write a stored backup to a file",
		Args:  cobra.ExactArgs(1),
		RunE:  backupExportRun,
	}
	exportCmd.Flags().StringVar(&exportDir, "dir", "", "directory to export into (default: backup.export_dir, then the working directory)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "exact output file, '-' for stdout")

	deleteCmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a stored backup",
		Args:  cobra.ExactArgs(1),
		RunE:  backupDeleteRun,
	}
	deleteCmd.Flags().BoolVarP(&backupYes, "yes", "y", false, "do not ask for confirmation")

	cmd.AddCommand(createCmd, listCmd, exportCmd, deleteCmd)
	return cmd
}

func backupCreateRun(cmd *cobra.Command, args []string) error {
	if globalBackups == nil {
		return fmt.Errorf("backup engine not initialized")
	}
	if backupNoSave && backupOutput == "" {
		return fmt.Errorf("--no-save requires --output")
	}

	h, err := globalBackups.CreateBackup(commandContext(cmd), backup.CreateOptions{
		Name:      backupName,
		Type:      backupType,
		Tables:    splitList(backupTables),
		ProfileID: backupProfile,
		Trigger:   store.HistoryTypeManual,
		Persist:   !backupNoSave,
	})
	if err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}

	if backupOutput != "" {
		if err := os.WriteFile(backupOutput, h.Blob, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", backupOutput, err)
		}
	}

	fmt.Printf("Backup created:\n")
	if h.ID != "" {
		fmt.Printf("  ID: %s\n", h.ID)
	}
	fmt.Printf("  Name: %s\n", h.Name)
	fmt.Printf("  Type: %s\n", h.BackupType)
	fmt.Printf("  Size: %s\n", humanize.Bytes(uint64(h.Size)))
	if backupOutput != "" {
		fmt.Printf("  File: %s\n", backupOutput)
	}
	return nil
}

func backupListRun(cmd *cobra.Command, args []string) error {
	if globalBackups == nil {
		return fmt.Errorf("backup engine not initialized")
	}

	var history []store.BackupHistory
	var err error
	if backupProfile != "" {
		history, err = globalBackups.ProfileHistory(backupProfile)
	} else {
		history, err = globalBackups.GetBackupHistory()
	}
	if err != nil {
		return fmt.Errorf("listing backups: %w", err)
	}

	if len(history) == 0 {
		fmt.Println("No backups found")
		return nil
	}

	sort.SliceStable(history, func(i, j int) bool { return history[i].CreatedAt.After(history[j].CreatedAt) })

	fmt.Printf("%-36s %-30s %-7s %-13s %10s %s\n", "ID", "Name", "Trigger", "Type", "Size", "Created")
	fmt.Println(strings.Repeat("-", 120))
	for _, h := range history {
		fmt.Printf("%-36s %-30s %-7s %-13s %10s %s\n",
			h.ID,
			truncate(h.Name, 30),
			h.Type,
			h.BackupType,
			humanize.Bytes(uint64(h.Size)),
			h.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}
	return nil
}

func backupExportRun(cmd *cobra.Command, args []string) error {
	if globalBackups == nil {
		return fmt.Errorf("backup engine not initialized")
	}
	ctx := commandContext(cmd)
	id := args[0]

	switch exportOutput {
	case "":
	case "-":
		_, err := globalBackups.ExportHistory(ctx, id, os.Stdout)
		return err
	default:
		f, err := os.OpenFile(exportOutput, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("creating %s: %w", exportOutput, err)
		}
		h, err := globalBackups.ExportHistory(ctx, id, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(exportOutput)
			return fmt.Errorf("export failed: %w", err)
		}
		fmt.Printf("Exported %s (%s) to %s\n", h.Name, humanize.Bytes(uint64(h.Size)), exportOutput)
		return nil
	}

	dir := exportDir
	if dir == "" && globalCfg != nil {
		dir = globalCfg.Backup.ExportDir
	}
	if dir == "" {
		dir = "."
	}
	path, err := globalBackups.ExportToDir(ctx, id, dir)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	fmt.Printf("Exported to %s\n", path)
	return nil
}

func backupDeleteRun(cmd *cobra.Command, args []string) error {
	if globalBackups == nil {
		return fmt.Errorf("backup engine not initialized")
	}

	if !confirm(cmd, fmt.Sprintf("Delete backup %s?", args[0]), backupYes) {
		fmt.Println("Aborted")
		return nil
	}
	if err := globalBackups.DeleteBackup(args[0]); err != nil {
		return fmt.Errorf("deleting backup: %w", err)
	}
	fmt.Printf("Backup %s deleted\n", args[0])
	return nil
}

// splitList splits a comma-separated flag value, dropping empty items
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
