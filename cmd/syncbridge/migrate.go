package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/syncbridge/internal/config"
	"github.com/agentworkforce/syncbridge/internal/migrate"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema",
		Long: `Apply or inspect the embedded schema migrations on the store named by
store.dsn (or store.production_dsn with the production profile).`,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := postgresDSN(root)
			if err != nil {
				return err
			}
			if err := migrate.Up(cmd.Context(), dsn); err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			version, err := migrate.Version(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := postgresDSN(root)
			if err != nil {
				return err
			}
			version, err := migrate.Version(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	})
	return cmd
}

func postgresDSN(root *rootOptions) (string, error) {
	cfg, err := config.Load(root.configPath)
	if err != nil {
		return "", usageError(err)
	}
	if !isPostgresDSN(cfg.Store.DSN) {
		return "", usageError(fmt.Errorf("migrations need a postgres store, got %q", redactDSN(cfg.Store.DSN)))
	}
	return cfg.Store.DSN, nil
}
