package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rpattn/cvsync/internal/config"
	"github.com/rpattn/cvsync/internal/db"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the database schema",
	}
	cmd.AddCommand(
		newMigrateDirectionCommand(opts, db.MigrateUp, "Apply all pending migrations"),
		newMigrateDirectionCommand(opts, db.MigrateDown, "Roll back all migrations"),
	)
	return cmd
}

func newMigrateDirectionCommand(opts *rootOptions, direction db.MigrationDirection, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(direction),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != config.StoragePostgres {
				return fmt.Errorf("migrations require the %s storage driver, got %q", config.StoragePostgres, cfg.Storage.Driver)
			}
			logger := newLogger(cfg)
			conn, err := db.NewConnection(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer conn.Close()
			return db.RunMigrations(conn.Pool, direction, logger)
		},
	}
}
