package main

import (
	"fmt"

	"github.com/livinlefevreloca/ingestd/internal/config"
	"github.com/livinlefevreloca/ingestd/internal/db"
	"github.com/livinlefevreloca/ingestd/migrations"
	"github.com/livinlefevreloca/ingestd/tools/migrator"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := newLogger(cfg.Logging)

	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := migrator.RunMigrations(database.DB, database.Driver(), migrations.FS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	applied, err := migrator.GetAppliedMigrations(database.DB)
	if err != nil {
		return fmt.Errorf("failed to list applied migrations: %w", err)
	}
	logger.Info("migrations applied", "driver", database.Driver(), "count", len(applied))

	version, err := migrator.GetCurrentVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
	return nil
}
