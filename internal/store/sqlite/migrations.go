package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/agenr-dev/agenr/internal/store/sqlite/migrations"
)

// migration pairs a version number with the function that applies it. Every
// function must be idempotent: runMigrations may be invoked against a
// database that already has some or all versions applied.
type migration struct {
	Version int
	Name    string
	Func    func(*sql.DB) error
}

// migrationsList is the ordered, append-only history of schema versions.
// Never edit an existing entry; add a new one instead.
var migrationsList = []migration{
	{1, "base_schema", func(db *sql.DB) error { return migrations.MigrateBaseSchema(db, schema) }},
	{2, "retirement_ledger", migrations.MigrateRetirementLedger},
	{3, "entry_sources", migrations.MigrateEntrySources},
}

func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

func appliedVersions(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query(`SELECT version FROM _migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// runMigrations runs every migration whose version has not yet been
// recorded. Each migration function runs directly against db; its version
// row is then written in a transaction of its own. A failing migration aborts
// the run before its version is recorded, so the recorded version stays at
// the previous one and the migration runs again next time; DDL that the
// failing function already applied is not rolled back.
func runMigrations(db *sql.DB) error {
	if err := ensureMigrationsTable(db); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return fmt.Errorf("read migration state: %w", err)
	}

	for _, m := range migrationsList {
		if applied[m.Version] {
			continue
		}

		// Migrations operate on *sql.DB, not *sql.Tx, because SQLite DDL
		// (CREATE TABLE / ALTER TABLE) is not meaningfully transactional
		// across drivers; instead each migration is applied directly and
		// only the bookkeeping row is committed through tx. A mid-migration
		// crash is caught on the next initDb by the absence of that row,
		// which re-runs the (idempotent) migration function. tx is begun
		// only after the migration returns: the pool holds one connection,
		// so an open tx would block m.Func's own statements.
		if err := m.Func(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d (%s): begin: %w", m.Version, m.Name, err)
		}

		if _, err := tx.Exec(`INSERT INTO _migrations (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s): record: %w", m.Version, m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d (%s): commit: %w", m.Version, m.Name, err)
		}
	}

	return nil
}
