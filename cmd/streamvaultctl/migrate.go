package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"streamvault/internal/storage"
)

const migrateTimeout = 2 * time.Minute

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return ctx.withRepository(func(repo storage.Repository) error {
				migrator, ok := repo.(storage.Migrator)
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "The %s datastore has no schema to migrate.\n", cfg.Storage.Driver)
					return nil
				}
				migrateCtx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
				defer cancel()
				if err := migrator.Migrate(migrateCtx); err != nil {
					return fmt.Errorf("migrate %s datastore: %w", cfg.Storage.Driver, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "The %s datastore schema is up to date.\n", cfg.Storage.Driver)
				return nil
			})
		},
	}
}
