package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tunebook/tunebook/internal/queue"
)

var (
	queueFor   string
	queueMode  string
	queueForce bool
)

var queueCmd = &cobra.Command{
	Use:   "queue <collection>",
	Short: "Show (generating if needed) the day's practice queue",
	Long: `Show the practice queue for a collection and day. The queue is
generated once per day and cached; --regenerate rebuilds it from
current state. --for accepts natural dates ("tomorrow", "next monday").`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.close()
		ctx := cmd.Context()

		c, err := app.resolveCollection(ctx, args[0])
		if err != nil {
			return err
		}
		asOf, err := parseDate(queueFor)
		if err != nil {
			return err
		}

		entries, err := app.generator.GenerateOrGet(ctx, cfg.User, c.ID, asOf,
			queue.ParseMode(queueMode), queueForce)
		if err != nil {
			return err
		}

		fmt.Printf("Practice queue for %s on %s (%d tunes)\n",
			c.Name, asOf.Format("2006-01-02"), len(entries))
		for _, e := range entries {
			tune, err := app.store.GetTuneForUser(ctx, cfg.User, e.TuneID)
			if err != nil {
				return err
			}
			state, err := app.practice.MemoryState(ctx, cfg.User, e.TuneID, c.ID)
			if err != nil {
				return err
			}
			if state == nil {
				fmt.Printf("  %2d. %s (new)\n", e.Rank+1, tune.Title)
			} else {
				fmt.Printf("  %2d. %s (due %s)\n", e.Rank+1, tune.Title, state.Due.Format("2006-01-02"))
			}
		}
		return nil
	},
}

func init() {
	queueCmd.Flags().StringVar(&queueFor, "for", "", "queue date (default today)")
	queueCmd.Flags().StringVar(&queueMode, "mode", "due", "queue mode: due, new_only, all")
	queueCmd.Flags().BoolVar(&queueForce, "regenerate", false, "rebuild even if a cached queue exists")
}
