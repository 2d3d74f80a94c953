package commands

import (
	"fmt"

	"github.com/kiranshivaraju/upscaler/internal/config"
	"github.com/kiranshivaraju/upscaler/internal/store"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
	}
	migrateCmd.PersistentFlags().String(flagPath, "", "migrations directory (default: MIGRATIONS_PATH or ./migrations)")

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, dir, err := migrationTarget(cmd)
			if err != nil {
				return err
			}
			if err := store.RunMigrations(url, dir); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			steps, _ := cmd.Flags().GetInt(flagSteps)
			if steps < 1 {
				return fmt.Errorf("--%s must be at least 1", flagSteps)
			}
			url, dir, err := migrationTarget(cmd)
			if err != nil {
				return err
			}
			if err := store.RollbackMigrations(url, dir, steps); err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", steps)
			return nil
		},
	}
	downCmd.Flags().Int(flagSteps, 1, "number of migrations to roll back")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, dir, err := migrationTarget(cmd)
			if err != nil {
				return err
			}
			version, dirty, err := store.MigrationVersion(url, dir)
			if err != nil {
				return fmt.Errorf("migrate version: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"version": version, "dirty": dirty})
		},
	}

	migrateCmd.AddCommand(upCmd, downCmd, versionCmd)
	return migrateCmd
}

func migrationTarget(cmd *cobra.Command) (string, string, error) {
	cfg, err := config.LoadDatabase()
	if err != nil {
		return "", "", fmt.Errorf("load database config: %w", err)
	}
	dir := cfg.MigrationsPath
	if p, _ := cmd.Flags().GetString(flagPath); p != "" {
		dir = p
	}
	return cfg.URL, dir, nil
}
