package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tunebook/tunebook/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local state and sync health",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.close()
		ctx := cmd.Context()

		fmt.Printf("User:     %s\n", cfg.User)
		fmt.Printf("Device:   %s\n", app.store.DeviceID())
		fmt.Printf("Database: %s\n", cfg.DBPath)
		if cfg.SnapshotPath != "" {
			if info, err := os.Stat(cfg.SnapshotPath); err == nil {
				fmt.Printf("Snapshot: %s (%d bytes, %s)\n",
					cfg.SnapshotPath, info.Size(), info.ModTime().Format("2006-01-02 15:04"))
			} else {
				fmt.Printf("Snapshot: %s (not written yet)\n", cfg.SnapshotPath)
			}
		}
		if cfg.RemoteURL != "" {
			fmt.Printf("Remote:   %s\n", cfg.RemoteURL)
		} else {
			fmt.Println("Remote:   not configured (offline only)")
		}

		counts, err := app.store.OutboxCounts(ctx)
		if err != nil {
			return err
		}
		pending := counts[model.StatusPending] + counts[model.StatusInflight]
		fmt.Printf("\nOutbox:   %d pending, %d failed\n", pending, counts[model.StatusFailed])

		if counts[model.StatusFailed] > 0 {
			failed, err := app.store.FailedEntries(ctx)
			if err != nil {
				return err
			}
			fmt.Println("\nEntries that exhausted their retries (run 'tunebook sync --retry-failed'):")
			for _, e := range failed {
				fmt.Printf("  %s %s/%s after %d attempts: %s\n",
					e.Op, e.Table, e.RowID, e.Attempts, e.LastError)
			}
		}

		collections, err := app.store.ListCollections(ctx, cfg.User)
		if err != nil {
			return err
		}
		if len(collections) > 0 {
			fmt.Println("\nCollections:")
			for _, c := range collections {
				members, err := app.store.ListCollectionTunes(ctx, c.ID)
				if err != nil {
					return err
				}
				fmt.Printf("  %-24s %d tunes\n", c.Name, len(members))
			}
		}
		return nil
	},
}
