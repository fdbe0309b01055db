package cli

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/k-code-yt/warehouse-ingest/pkg/db/postgres"
	"github.com/lib/pq"
	"github.com/spf13/cobra"
)

const errDuplicateDatabase = "42P04"

type migrateOptions struct {
	path     string
	steps    int
	createDB bool
}

// NewMigrateCommand creates the migrate command for the postgres backend.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &migrateOptions{}
	cmd := &cobra.Command{
		Use:       "migrate <up|down|version>",
		Short:     "Apply or roll back the postgres schema",
		ValidArgs: []string{"up", "down", "version"},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, rootOpts, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.path, "path", "migrations/postgres", "directory holding the migration files")
	cmd.Flags().IntVar(&opts.steps, "steps", 0, "number of migrations to apply or roll back, 0 for all")
	cmd.Flags().BoolVar(&opts.createDB, "create-db", false, "create the database first when missing")
	return cmd
}

func runMigrate(cmd *cobra.Command, rootOpts *RootOptions, opts *migrateOptions, action string) error {
	cfg := rootOpts.cfg.Postgres
	out := cmd.OutOrStdout()

	if opts.createDB {
		created, err := ensureDatabase(&cfg)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(out, "Database %q created\n", cfg.DBName)
		} else {
			fmt.Fprintf(out, "Database %q already exists\n", cfg.DBName)
		}
	}

	m, err := migrate.New("file://"+opts.path, postgres.GetURL(&cfg, ""))
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	switch action {
	case "up":
		if opts.steps > 0 {
			err = m.Steps(opts.steps)
		} else {
			err = m.Up()
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migration up failed: %w", err)
		}
		fmt.Fprintln(out, "Migrations applied")
	case "down":
		if opts.steps > 0 {
			err = m.Steps(-opts.steps)
		} else {
			err = m.Down()
		}
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migration down failed: %w", err)
		}
		fmt.Fprintln(out, "Migrations rolled back")
	case "version":
		version, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("failed to get version: %w", err)
		}
		fmt.Fprintf(out, "Current version: %d, dirty: %v\n", version, dirty)
	}
	return nil
}

// ensureDatabase creates cfg.DBName through the maintenance database.
func ensureDatabase(cfg *postgres.PostgresConfig) (bool, error) {
	db, err := sql.Open("postgres", postgres.GetURL(cfg, "postgres"))
	if err != nil {
		return false, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer db.Close()

	_, err = db.Exec("CREATE DATABASE " + pq.QuoteIdentifier(cfg.DBName))
	if err == nil {
		return true, nil
	}
	if postgres.ErrorCode(err) == errDuplicateDatabase {
		return false, nil
	}
	return false, fmt.Errorf("failed to create database: %w", err)
}
