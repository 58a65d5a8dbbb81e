package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tunebook/tunebook/internal/export"
)

var (
	exportDryRun bool
	exportBackup bool
	importDryRun bool
)

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Export the library to a JSONL file",
	Long: `Export the configured user's tunes, collections, overrides, and
practice history to a portable JSONL file. One row per line; pipe it
through jq or grep, or import it on another machine.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.close()

		result, err := export.Export(cmd.Context(), app.store, cfg.User, export.Options{
			Path:   args[0],
			DryRun: exportDryRun,
			Backup: exportBackup,
		})
		if err != nil {
			return err
		}

		verb := "Exported"
		if exportDryRun {
			verb = "Would export"
		}
		fmt.Printf("%s %d rows: %d tunes, %d overrides, %d collections, %d memberships, %d practice records\n",
			verb, result.Total(), result.Tunes, result.Overrides,
			result.Collections, result.Memberships, result.Records)
		if result.BackupCreated != "" {
			fmt.Printf("Previous export backed up to %s\n", result.BackupCreated)
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a library from a JSONL export",
	Long: `Import rows from a JSONL export file. Rows already present locally
are skipped, never overwritten. Imported rows queue for sync like any
local change.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.close()

		result, err := export.Import(cmd.Context(), app.store, export.Options{
			Path:   args[0],
			DryRun: importDryRun,
		})
		if err != nil {
			return err
		}

		verb := "Imported"
		if importDryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %d rows (%d already present)\n", verb, result.Total(), result.Skipped)
		for _, e := range result.Errors {
			fmt.Printf("  warning: %s\n", e)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().BoolVar(&exportDryRun, "dry-run", false, "count rows without writing the file")
	exportCmd.Flags().BoolVar(&exportBackup, "backup", false, "back up an existing export before overwriting")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "parse and count without applying")
}
