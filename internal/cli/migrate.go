// Package cli provides migration CLI commands.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var migrateSteps int

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migrateVersionCmd)

	migrateDownCmd.Flags().IntVarP(&migrateSteps, "steps", "n", 1, "number of migrations to roll back")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the runtime cache schema",
	Long: `Manage the schema of the local runtime cache database.

Commands:
  up       Apply pending migrations
  down     Roll back migrations
  status   Show migration status
  version  Show current schema version`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabaseNoMigrate()
		if err != nil {
			return err
		}
		defer database.Close()

		applied, err := database.MigrateUp(context.Background())
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, map[string]int{"applied": applied})
		}
		if applied == 0 {
			cmd.Println("No pending migrations")
		} else {
			cmd.Printf("Applied %d migration(s)\n", applied)
		}
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	Long:  `Roll back the last N migrations (default: 1). Cached loop state is lost.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabaseNoMigrate()
		if err != nil {
			return err
		}
		defer database.Close()

		rolledBack, err := database.MigrateDown(context.Background(), migrateSteps)
		if err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, map[string]int{"rolled_back": rolledBack})
		}
		if rolledBack == 0 {
			cmd.Println("No migrations to roll back")
		} else {
			cmd.Printf("Rolled back %d migration(s)\n", rolledBack)
		}
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabaseNoMigrate()
		if err != nil {
			return err
		}
		defer database.Close()

		status, err := database.MigrationStatus(context.Background())
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, status)
		}

		rows := make([][]string, 0, len(status))
		for _, s := range status {
			state := "pending"
			appliedAt := "-"
			if s.Applied {
				state = "applied"
				appliedAt = s.AppliedAt
			}
			rows = append(rows, []string{fmt.Sprintf("%d", s.Version), s.Description, state, appliedAt})
		}
		return writeTable(os.Stdout, []string{"VERSION", "DESCRIPTION", "STATUS", "APPLIED AT"}, rows)
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show current schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabaseNoMigrate()
		if err != nil {
			return err
		}
		defer database.Close()

		version, err := database.SchemaVersion(context.Background())
		if err != nil {
			return fmt.Errorf("failed to get schema version: %w", err)
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(os.Stdout, map[string]int{"version": version})
		}
		cmd.Printf("Schema version: %d\n", version)
		return nil
	},
}
