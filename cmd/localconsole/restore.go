package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BadgerOps/localconsole/internal/snapshot"
	"github.com/spf13/cobra"
)

var (
	restoreYes bool
	importYes  bool
)

func newRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore ID",
		Short: "Restore the dataset from a stored backup",
		Long: `Restore the local dataset from a backup in history. A FULL backup
replaces the tables it covers; a DIFFERENTIAL backup is applied on top of the
current data. The restore is atomic: on any failure the dataset is left as it
was.`,
		Example: `  localconsole restore 0b5c...
  localconsole restore 0b5c... --yes`,
		Args: cobra.ExactArgs(1),
		RunE: restoreRun,
	}

	cmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func restoreRun(cmd *cobra.Command, args []string) error {
	if globalBackups == nil {
		return fmt.Errorf("backup engine not initialized")
	}

	if !confirm(cmd, fmt.Sprintf("Restore backup %s over the local dataset?", args[0]), restoreYes) {
		fmt.Println("Aborted")
		return nil
	}

	summary, err := globalBackups.RestoreFromHistory(commandContext(cmd), args[0])
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}

	fmt.Println("Restore complete:")
	printSummary(summary)
	return nil
}

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Replace the dataset with an external snapshot file",
		Long: `Import a snapshot file produced by backup export (plain or zstd
compressed) and replace the entire local dataset with it. The file is
validated before anything is written; a malformed file leaves the dataset
untouched.`,
		Example: `  localconsole import /mnt/usb/localconsole-full-20260101-020000.json.zst --yes`,
		Args:    cobra.ExactArgs(1),
		RunE:    importRun,
	}

	cmd.Flags().BoolVarP(&importYes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

func importRun(cmd *cobra.Command, args []string) error {
	if globalBackups == nil {
		return fmt.Errorf("backup engine not initialized")
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening %s: %w", args[0], err)
	}
	defer f.Close()

	if !confirm(cmd, fmt.Sprintf("Replace the entire local dataset with %s?", args[0]), importYes) {
		fmt.Println("Aborted")
		return nil
	}

	fmt.Printf("Importing from %s...\n", args[0])
	summary, err := globalBackups.ImportDatabase(commandContext(cmd), f)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	fmt.Println("Import complete:")
	printSummary(summary)
	return nil
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "verify FILE",
		Short:   "Check that a snapshot file is well formed",
		Example: `  localconsole verify backup.json.zst`,
		Args:    cobra.ExactArgs(1),
		RunE:    verifyRun,
	}
}

func verifyRun(cmd *cobra.Command, args []string) error {
	if globalBackups == nil {
		return fmt.Errorf("backup engine not initialized")
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening %s: %w", args[0], err)
	}
	defer f.Close()

	summary, err := globalBackups.VerifyFile(f)
	if err != nil {
		return fmt.Errorf("%s is not a valid snapshot: %w", args[0], err)
	}

	fmt.Printf("%s is a valid snapshot:\n", args[0])
	printSummary(summary)
	return nil
}

func printSummary(s *snapshot.Summary) {
	fmt.Printf("  Type: %s\n", s.Type)
	fmt.Printf("  Taken: %s\n", s.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if s.Since != nil {
		fmt.Printf("  Changes since: %s\n", s.Since.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("  Records: %d\n", s.Records)
	if s.Deleted > 0 {
		fmt.Printf("  Deletions: %d\n", s.Deleted)
	}

	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("    %-24s %d\n", name, s.Tables[name])
	}
}

// confirm asks a yes/no question on the command's input unless yes is set
func confirm(cmd *cobra.Command, question string, yes bool) bool {
	if yes {
		return true
	}
	fmt.Printf("%s [y/N]: ", question)
	answer, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && answer == "" {
		fmt.Println()
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}
