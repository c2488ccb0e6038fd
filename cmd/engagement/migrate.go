package main

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/spf13/cobra"

	"github.com/campuslink/engagement/store/sqlstore"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the reaction and comment tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := sqlstore.Open(cmd.Context(), sqlstore.Config{
				DSN:              cfg.Database.DSN,
				InitializeSchema: true,
			}, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			logger.Info("Schema is up to date", watermill.LogFields{"dsn": cfg.Database.DSN})
			return nil
		},
	}
}
