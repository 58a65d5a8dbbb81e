package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tunebook/tunebook/internal/store"
)

var (
	rateAt   string
	rateGoal string

	commitDiscard bool
)

var rateCmd = &cobra.Command{
	Use:   "rate <collection> <tune> <rating>",
	Short: "Stage a practice rating (preview, not yet committed)",
	Long: `Stage the result of a practice attempt. The rating is one of fail,
hard, good or easy. The scheduled next review is shown as a preview;
nothing is recorded until you run "tunebook commit". Re-rating before
committing replaces the preview.`,
	Args: cobra.ExactArgs(3),
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
		tune, err := app.resolveTune(ctx, args[1])
		if err != nil {
			return err
		}
		at, err := parseDate(rateAt)
		if err != nil {
			return err
		}

		row, err := app.practice.StageRating(ctx, cfg.User, tune.ID, c.ID, args[2], rateGoal, at)
		if err != nil {
			return err
		}

		fmt.Printf("Staged %s for %q\n", row.Rating, tune.Title)
		fmt.Printf("  state: %s, due %s (stability %.2f)\n",
			row.State, row.Due.Format("2006-01-02"), row.Stability)
		fmt.Printf("Run 'tunebook commit %s %s' to record it.\n", args[0], args[1])
		return nil
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit <collection> <tune>",
	Short: "Commit (or discard) the staged rating for a tune",
	Args:  cobra.ExactArgs(2),
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
		tune, err := app.resolveTune(ctx, args[1])
		if err != nil {
			return err
		}

		if commitDiscard {
			if err := app.practice.DiscardStaged(ctx, cfg.User, tune.ID, c.ID); err != nil {
				return err
			}
			fmt.Printf("Discarded staged rating for %q\n", tune.Title)
			return nil
		}

		record, err := app.practice.CommitStaged(ctx, cfg.User, tune.ID, c.ID)
		if errors.Is(err, store.ErrNothingStaged) {
			return fmt.Errorf("nothing staged for %q; rate it first", tune.Title)
		}
		if err != nil {
			return err
		}

		fmt.Printf("Recorded %s for %q\n", record.Rating, tune.Title)
		fmt.Printf("  next review: %s\n", record.Due.Format("2006-01-02"))
		return nil
	},
}

func init() {
	rateCmd.Flags().StringVar(&rateAt, "at", "", "when the practice happened (\"today\", \"yesterday\", a date)")
	rateCmd.Flags().StringVar(&rateGoal, "goal", "", "free-form practice goal note")

	commitCmd.Flags().BoolVar(&commitDiscard, "discard", false, "drop the staged rating instead of committing")
}
