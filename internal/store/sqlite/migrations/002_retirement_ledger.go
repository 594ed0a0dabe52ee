package migrations

import "database/sql"

// MigrateRetirementLedger adds the append-only retirement audit log. Migration version 2.
func MigrateRetirementLedger(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS retirement_ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			retired_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_retirement_entry ON retirement_ledger(entry_id);
	`)
	return err
}
