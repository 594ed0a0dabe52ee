// Package migrations holds one file per versioned, idempotent schema step.
// Each function must be safe to run against a database that already has the
// change applied (CREATE TABLE IF NOT EXISTS / defensive column probes).
package migrations

import "database/sql"

// MigrateBaseSchema creates the tables entries, entry_relations, review_queue
// and signal_watermarks. It is migration version 1.
func MigrateBaseSchema(db *sql.DB, schema string) error {
	_, err := db.Exec(schema)
	return err
}
