package migrations

import (
	"database/sql"
	"fmt"
)

// MigrateEntrySources introduces the entry_sources table and adds
// merged_from/consolidated_at to entries. Migration version 3.
func MigrateEntrySources(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS entry_sources (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id TEXT NOT NULL,
			source_file TEXT NOT NULL DEFAULT '',
			ingest_content_hash TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_entry_sources_entry ON entry_sources(entry_id);
	`); err != nil {
		return fmt.Errorf("create entry_sources: %w", err)
	}

	if err := addColumnIfMissing(db, "entries", "merged_from", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := addColumnIfMissing(db, "entries", "consolidated_at", "TEXT DEFAULT NULL"); err != nil {
		return err
	}
	return nil
}

// addColumnIfMissing probes sqlite's table_info pragma before ALTER TABLE
// ADD COLUMN, since SQLite has no "ADD COLUMN IF NOT EXISTS" clause.
func addColumnIfMissing(db *sql.DB, table, column, ddlType string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return fmt.Errorf("scan table_info(%s): %w", table, err)
		}
		if name == column {
			return nil // already present
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, ddlType))
	if err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}
