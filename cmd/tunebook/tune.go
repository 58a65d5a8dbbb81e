package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tunebook/tunebook/internal/model"
	"github.com/tunebook/tunebook/internal/store"
)

var (
	addType       string
	addGenre      string
	addMode       string
	addStructure  string
	addIncipit    string
	addPublic     bool
	addCollection string

	listCollection string
	listType       string
)

var addCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a tune to the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.close()
		ctx := cmd.Context()

		tune := &model.Tune{
			ID:          uuid.NewString(),
			Title:       args[0],
			Type:        addType,
			Genre:       addGenre,
			Mode:        addMode,
			Structure:   addStructure,
			Incipit:     addIncipit,
			Public:      addPublic,
			OwnerUserID: cfg.User,
		}
		if err := app.store.SaveTune(ctx, tune); err != nil {
			return err
		}
		fmt.Printf("Added %q (%s)\n", tune.Title, tune.ID)

		if addCollection != "" {
			c, err := app.resolveCollection(ctx, addCollection)
			if err != nil {
				// Create the collection on first use.
				c = &model.Collection{ID: uuid.NewString(), UserID: cfg.User, Name: addCollection}
				if err := app.store.SaveCollection(ctx, c); err != nil {
					return err
				}
				fmt.Printf("Created collection %q (%s)\n", c.Name, c.ID)
			}
			if err := app.store.AddTuneToCollection(ctx, c.ID, tune.ID); err != nil {
				return err
			}
			fmt.Printf("Added to collection %q\n", c.Name)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tunes, or the members of a collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.close()
		ctx := cmd.Context()

		if listCollection != "" {
			c, err := app.resolveCollection(ctx, listCollection)
			if err != nil {
				return err
			}
			members, err := app.store.ListCollectionTunes(ctx, c.ID)
			if err != nil {
				return err
			}
			fmt.Printf("%s (%d tunes)\n", c.Name, len(members))
			for _, m := range members {
				tune, err := app.store.GetTuneForUser(ctx, cfg.User, m.TuneID)
				if err != nil {
					return err
				}
				state, err := app.practice.MemoryState(ctx, cfg.User, m.TuneID, c.ID)
				if err != nil {
					return err
				}
				if state == nil {
					fmt.Printf("  %-36s %s (new)\n", tune.ID, tune.Title)
				} else {
					fmt.Printf("  %-36s %s (%s, due %s)\n",
						tune.ID, tune.Title, state.State, state.Due.Format("2006-01-02"))
				}
			}
			return nil
		}

		tunes, err := app.store.ListTunes(ctx, store.TuneFilter{Type: listType})
		if err != nil {
			return err
		}
		for _, t := range tunes {
			kind := t.Type
			if kind == "" {
				kind = "-"
			}
			fmt.Printf("%-36s %-10s %s\n", t.ID, kind, t.Title)
		}
		return nil
	},
}

func init() {
	addCmd.Flags().StringVar(&addType, "type", "", "tune type (reel, jig, ...)")
	addCmd.Flags().StringVar(&addGenre, "genre", "", "genre")
	addCmd.Flags().StringVar(&addMode, "mode", "", "mode/key")
	addCmd.Flags().StringVar(&addStructure, "structure", "", "part structure (AABB, ...)")
	addCmd.Flags().StringVar(&addIncipit, "incipit", "", "opening phrase")
	addCmd.Flags().BoolVar(&addPublic, "public", false, "visible to other users")
	addCmd.Flags().StringVar(&addCollection, "collection", "", "also add to this collection (created if missing)")

	listCmd.Flags().StringVar(&listCollection, "collection", "", "list members of this collection")
	listCmd.Flags().StringVar(&listType, "type", "", "filter by tune type")
}
