package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	flags := &storageFlags{}
	ctx := newCommandContext(flags)

	rootCmd := &cobra.Command{
		Use:           "streamvaultctl",
		Short:         "Administer a streamvault datastore",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Configuration file path")
	pf.StringVar(&flags.driver, "storage-driver", "", "Datastore driver (json, sqlite or postgres)")
	pf.StringVar(&flags.dataPath, "data", "", "Path to the JSON datastore")
	pf.StringVar(&flags.sqlitePath, "sqlite-path", "", "Path to the SQLite database")
	pf.StringVar(&flags.postgresDSN, "postgres-dsn", "", "Postgres connection string")

	rootCmd.AddCommand(newBootstrapAdminCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newAssetsCommand(ctx))
	rootCmd.AddCommand(newUsersCommand(ctx))

	return rootCmd
}
