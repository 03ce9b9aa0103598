package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abduss/blobgate/internal/config"
	"github.com/abduss/blobgate/internal/meta/postgres"
	"github.com/abduss/blobgate/internal/storage"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres catalog schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withPostgres(cmd, func(store *postgres.Store) error {
					if err := store.Migrate(cmd.Context()); err != nil {
						return err
					}
					status, err := store.Status(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Printf("schema at version %d\n", status.CurrentVersion)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show applied and pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withPostgres(cmd, func(store *postgres.Store) error {
					status, err := store.Status(cmd.Context())
					if err != nil {
						return err
					}
					return writeJSON(status)
				})
			},
		},
	)
	return cmd
}

func (a *app) withPostgres(cmd *cobra.Command, fn func(*postgres.Store) error) error {
	if a.cfg.Metadata.Driver != config.DriverPostgres {
		return fmt.Errorf("metadata driver %q has no schema", a.cfg.Metadata.Driver)
	}
	pool, err := storage.NewPostgresPool(cmd.Context(), a.cfg.Postgres)
	if err != nil {
		return err
	}
	store := postgres.New(pool)
	defer store.Close()
	return fn(store)
}
