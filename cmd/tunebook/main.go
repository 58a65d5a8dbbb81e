// tunebook is the command-line driver for the offline-first practice
// tracker: a local tune catalog with spaced-repetition scheduling that
// syncs to a remote authority when one is reachable.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tunebook/tunebook/internal/config"
)

var (
	cfgPath string
	cfg     *config.Config
	logSink io.Writer = os.Stderr
)

var rootCmd = &cobra.Command{
	Use:   "tunebook",
	Short: "Offline-first tune practice tracker",
	Long: `tunebook tracks the tunes you practice, schedules reviews with a
spaced-repetition model, and syncs across devices through a remote
authority when one is configured. All operations work fully offline;
changes queue up and sync later.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if cfg.LogFile != "" {
			logSink = &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			}
		}
		return nil
	},
}

// newLogger returns a component logger writing to the configured sink.
func newLogger(component string) *log.Logger {
	return log.New(logSink, "["+component+"] ", log.LstdFlags)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.tunebook/config.yaml)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(rateCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}
