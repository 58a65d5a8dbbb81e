package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tunebook/tunebook/internal/model"
)

var initCollection string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the local database",
	Long: `Create the local database and schema, generate this device's id,
and optionally create a first collection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			return err
		}
		defer app.close()

		fmt.Printf("Database: %s\n", cfg.DBPath)
		fmt.Printf("Device:   %s\n", app.store.DeviceID())
		fmt.Printf("User:     %s\n", cfg.User)

		if initCollection != "" {
			c := &model.Collection{
				ID:     uuid.NewString(),
				UserID: cfg.User,
				Name:   initCollection,
			}
			if err := app.store.SaveCollection(cmd.Context(), c); err != nil {
				return err
			}
			fmt.Printf("Created collection %q (%s)\n", c.Name, c.ID)
		}
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initCollection, "collection", "", "create an initial collection with this name")
}
