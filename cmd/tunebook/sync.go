package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tunebook/tunebook/internal/daemon"
	"github.com/tunebook/tunebook/internal/remote"
	"github.com/tunebook/tunebook/internal/syncer"
)

var (
	syncDaemon      bool
	syncRetryFailed bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync local changes with the remote authority",
	Long: `Push queued local changes to the configured remote authority and
pull remote changes back. With --daemon, keep running and sync on an
interval until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.RemoteURL == "" {
			return fmt.Errorf("no remote_url configured; set it in the config file or TUNEBOOK_REMOTE_URL")
		}

		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.close()
		ctx := cmd.Context()

		client, err := remote.NewClient(remote.ClientConfig{
			URL:         cfg.RemoteURL,
			UserID:      cfg.User,
			CallTimeout: cfg.Sync.CallTimeout,
			Logger:      newLogger("remote"),
		})
		if err != nil {
			return err
		}
		defer client.Close()

		engine := syncer.New(app.store, client, syncer.Config{
			BackoffBase: cfg.Sync.BackoffBase,
			BackoffCap:  cfg.Sync.BackoffCap,
			MaxAttempts: cfg.Sync.MaxAttempts,
			BatchSize:   cfg.Sync.BatchSize,
			CallTimeout: cfg.Sync.CallTimeout,
			Logger:      newLogger("syncer"),
		})

		if syncRetryFailed {
			n, err := app.store.RetryFailed(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				fmt.Printf("Requeued %d failed entries\n", n)
			}
		}

		if syncDaemon {
			d := daemon.New(app.store, engine, daemon.Config{
				SyncInterval: cfg.Sync.Interval,
				Logger:       newLogger("daemon"),
			})
			if err := d.Start(); err != nil {
				return err
			}
			d.SyncNow()

			fmt.Printf("Syncing every %s against %s. Ctrl-C to stop.\n", cfg.Sync.Interval, cfg.RemoteURL)
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			d.Stop()
			return nil
		}

		if err := engine.Recover(ctx); err != nil {
			return err
		}
		stats, err := engine.Sync(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Sync complete: pushed %d, pulled %d", stats.Pushed, stats.Pulled)
		if stats.Rejected > 0 {
			fmt.Printf(", %d rejected (will retry)", stats.Rejected)
		}
		if stats.Skipped > 0 {
			fmt.Printf(", %d skipped by conflict resolution", stats.Skipped)
		}
		fmt.Println()
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a development sync authority",
	Long: `Run an in-memory sync authority for local development and testing.
State is lost when the server exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv := remote.NewServer(&remote.ServerConfig{
			Port:   cfg.Serve.Port,
			Logger: newLogger("serve"),
		})
		if err := srv.Start(); err != nil {
			return err
		}

		fmt.Printf("Sync authority listening on %s (endpoint /sync)\n", srv.Addr())
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		return srv.Stop()
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncDaemon, "daemon", false, "keep running and sync on an interval")
	syncCmd.Flags().BoolVar(&syncRetryFailed, "retry-failed", false, "requeue entries that exhausted their retries")
}
