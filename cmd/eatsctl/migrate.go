package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/patric-chuzhbe/merneats/internal/db/postgresdb"
)

func migrateCmd(load configLoader) *cobra.Command {
	var (
		dsn string
		dir string
	)

	cmd := &cobra.Command{
		Use:       "migrate {up|down|status}",
		Short:     "Apply, roll back or list database migrations",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if dsn == "" {
				dsn = cfg.DatabaseDSN
			}
			if dir == "" {
				dir = cfg.MigrationsDir
			}
			if dsn == "" {
				return errors.New("no database: set DATABASE_DSN or pass --dsn")
			}

			command := args[0]
			switch command {
			case "up", "down", "status":
			default:
				return fmt.Errorf("unknown migrate command %q", command)
			}

			database, err := postgresdb.Open(dsn)
			if err != nil {
				return err
			}
			defer database.Close()

			err = postgresdb.Migrate(cmd.Context(), database, dir, command)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: done\n", command)

			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "database DSN (default DATABASE_DSN)")
	cmd.Flags().StringVar(&dir, "dir", "", "migrations directory (default MIGRATIONS_DIR)")

	return cmd
}
