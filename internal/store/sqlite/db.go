// Package sqlite is agenr's embedded SQL store: schema, migrations, and the
// low-level open/backup/reset lifecycle. It is built on ncruces/go-sqlite3,
// a pure-Go (wazero-backed) SQLite driver, so agenr never needs cgo.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/agenr-dev/agenr/internal/config"
)

// GetDB opens (creating if necessary) the sqlite database at path. path may
// be ":memory:", a "file:" URI, or a filesystem path (tilde-expanded).
// GetDB does not itself run migrations; call InitDB afterward.
func GetDB(path string) (*sql.DB, error) {
	resolved := config.ExpandPath(path)

	if resolved != ":memory:" && !strings.HasPrefix(resolved, "file:") {
		if dir := filepath.Dir(resolved); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("sqlite: create db dir %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite3", resolved)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", resolved, err)
	}
	db.SetMaxOpenConns(1) // single-writer embedded store; avoid SQLITE_BUSY churn

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}
	if resolved != ":memory:" {
		if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: enable WAL: %w", err)
		}
	}

	return db, nil
}

// InitDB runs every pending migration against db.
func InitDB(db *sql.DB) error {
	return runMigrations(db)
}

// CloseDB closes the underlying database connection.
func CloseDB(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}

// ResetDB drops every schema object and recreates an empty schema at the
// current migration version. It is forbidden on ":memory:" databases (there
// is nothing durable to reset) and the caller is responsible for calling
// BackupDB first.
func ResetDB(db *sql.DB, path string) error {
	if path == ":memory:" {
		return fmt.Errorf("sqlite: reset is not supported on :memory: databases")
	}

	tables := []string{
		"entries", "entry_relations", "review_queue", "signal_watermarks",
		"retirement_ledger", "entry_sources", "_migrations",
	}
	for _, t := range tables {
		if _, err := db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", t)); err != nil {
			return fmt.Errorf("sqlite: drop %s: %w", t, err)
		}
	}

	return runMigrations(db)
}

// BackupDB writes a quiescent snapshot of path to a sibling file named
// "{name}.backup-pre-reset-{timestamp}" via SQLite's online VACUUM INTO
// primitive, and returns its absolute path.
func BackupDB(path string) (string, error) {
	resolved := config.ExpandPath(path)
	if resolved == ":memory:" {
		return "", fmt.Errorf("sqlite: cannot back up a :memory: database")
	}

	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("sqlite: resolve abs path: %w", err)
	}

	stamp := timestampSuffix(time.Now())
	backupPath := fmt.Sprintf("%s.backup-pre-reset-%s", abs, stamp)

	db, err := GetDB(abs)
	if err != nil {
		return "", fmt.Errorf("sqlite: open source for backup: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(fmt.Sprintf("VACUUM INTO '%s'", backupPath)); err != nil {
		return "", fmt.Errorf("sqlite: vacuum into backup: %w", err)
	}

	return backupPath, nil
}

// timestampSuffix renders t as an ISO-8601 instant with ':' and '.' replaced
// by '-' so it is safe as a filename component.
func timestampSuffix(t time.Time) string {
	s := t.UTC().Format("2006-01-02T15:04:05.000Z")
	s = strings.ReplaceAll(s, ":", "-")
	s = strings.ReplaceAll(s, ".", "-")
	return s
}
