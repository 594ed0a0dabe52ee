package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agenr-dev/agenr/internal/config"
	"github.com/agenr-dev/agenr/internal/store/sqlite"
)

var (
	dbResetPath    string
	dbResetConfirm bool
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance commands",
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the knowledge database to an empty state",
	Long: `Reset drops and recreates the schema.

Without --confirm-reset this is a dry run: it prints the actions it would
take (backup path, schema drop, auxiliary file deletions) and exits 0
without touching anything.`,
	RunE: runDBReset,
}

func init() {
	dbResetCmd.Flags().StringVar(&dbResetPath, "db", "", "database path (defaults to the configured path)")
	dbResetCmd.Flags().BoolVar(&dbResetConfirm, "confirm-reset", false, "actually perform the reset")
	dbCmd.AddCommand(dbResetCmd)
	rootCmd.AddCommand(dbCmd)
}

func runDBReset(cmd *cobra.Command, args []string) error {
	path := config.ResolvedDBPath(dbResetPath)

	watchState := filepath.Join(filepath.Dir(path), "watch-state.json")
	reviewSide := filepath.Join(filepath.Dir(path), "review-queue.json")

	if !dbResetConfirm {
		fmt.Printf("Would back up %s\n", path)
		fmt.Println("Would drop and recreate the schema")
		fmt.Printf("Would delete %s (if present)\n", watchState)
		fmt.Printf("Would delete %s (if present)\n", reviewSide)
		return nil
	}

	backupPath, err := sqlite.BackupDB(path)
	if err != nil {
		return fmt.Errorf("backup before reset: %w", err)
	}
	fmt.Printf("Backed up to %s\n", backupPath)

	db, err := deps.GetDB(path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer deps.CloseDB(db)

	if err := sqlite.ResetDB(db, path); err != nil {
		return fmt.Errorf("reset database: %w", err)
	}

	removeIfExists(watchState)
	removeIfExists(reviewSide)

	fmt.Println("Database reset.")
	return nil
}

func removeIfExists(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "agenr: warning: could not remove %s: %v\n", path, err)
	}
}
