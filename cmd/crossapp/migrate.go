package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aesyros/align/internal/backend/postgres"
	"github.com/aesyros/align/internal/config"
)

func newMigrateCommand(opts *options) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the cross-app schema to the Postgres backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Postgres.DSN == "" {
				return errors.New("migrate needs postgres.dsn (CROSSAPP_POSTGRES_DSN)")
			}
			if cfg.Backend != config.BackendPostgres {
				opts.logger(cfg).WithField("backend", cfg.Backend).Warn("configured backend is not postgres")
			}

			if down {
				if err := postgres.Rollback(cfg.Postgres.DSN); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "rolled back one migration")
				return nil
			}
			version, err := postgres.Migrate(cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "revert the most recent migration")
	return cmd
}
