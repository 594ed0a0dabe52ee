package sqlite

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func TestGetDBInitDBMemory(t *testing.T) {
	db, err := GetDB(":memory:")
	if err != nil {
		t.Fatalf("get db: %v", err)
	}
	defer db.Close()

	if err := InitDB(db); err != nil {
		t.Fatalf("init db: %v", err)
	}

	// Running InitDB a second time must be a no-op (idempotent migrations).
	if err := InitDB(db); err != nil {
		t.Fatalf("second init db: %v", err)
	}

	versions := migrationVersions(t, db)
	for i, m := range migrationsList {
		if versions[i] != m.Version {
			t.Fatalf("expected contiguous migration prefix, got %v", versions)
		}
	}
}

func TestInitDBCreatesEntrySourcesWithDefaults(t *testing.T) {
	db, err := GetDB(":memory:")
	if err != nil {
		t.Fatalf("get db: %v", err)
	}
	defer db.Close()
	if err := InitDB(db); err != nil {
		t.Fatalf("init db: %v", err)
	}

	if _, err := db.Exec(`INSERT INTO entries (id, type, subject, content, importance, expiry, scope, source_file, fingerprint, created_at)
		VALUES ('e1', 'fact', 's', 'content long enough to pass the check', 5, 'permanent', 'private', 'a.md', 'fp1', CURRENT_TIMESTAMP)`); err != nil {
		t.Fatalf("insert entry: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO entry_sources (entry_id, source_file) VALUES ('e1', 'a.md')`); err != nil {
		t.Fatalf("insert entry_sources: %v", err)
	}

	var mergedFrom int
	var consolidatedAt sql.NullString
	row := db.QueryRow(`SELECT merged_from, consolidated_at FROM entries WHERE id = 'e1'`)
	if err := row.Scan(&mergedFrom, &consolidatedAt); err != nil {
		t.Fatalf("scan entries: %v", err)
	}
	if mergedFrom != 0 {
		t.Fatalf("expected merged_from to default to 0, got %d", mergedFrom)
	}
	if consolidatedAt.Valid {
		t.Fatalf("expected consolidated_at to default to null, got %q", consolidatedAt.String)
	}
}

func TestCloseDBNilIsNoOp(t *testing.T) {
	if err := CloseDB(nil); err != nil {
		t.Fatalf("expected closing a nil db to be a no-op, got %v", err)
	}
}

func TestResetDBRejectsMemory(t *testing.T) {
	db, err := GetDB(":memory:")
	if err != nil {
		t.Fatalf("get db: %v", err)
	}
	defer db.Close()

	if err := ResetDB(db, ":memory:"); err == nil {
		t.Fatalf("expected ResetDB to reject :memory:")
	}
}

func TestResetDBRecreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agenr.db")
	db, err := GetDB(path)
	if err != nil {
		t.Fatalf("get db: %v", err)
	}
	defer db.Close()
	if err := InitDB(db); err != nil {
		t.Fatalf("init db: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO entries (id, type, subject, content, importance, expiry, scope, source_file, fingerprint, created_at)
		VALUES ('e1', 'fact', 's', 'content long enough to pass the check', 5, 'permanent', 'private', 'a.md', 'fp1', CURRENT_TIMESTAMP)`); err != nil {
		t.Fatalf("insert entry: %v", err)
	}

	if err := ResetDB(db, path); err != nil {
		t.Fatalf("reset db: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&count); err != nil {
		t.Fatalf("count entries after reset: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty entries table after reset, got %d rows", count)
	}
}

func TestBackupDBProducesRestorableSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agenr.db")
	db, err := GetDB(path)
	if err != nil {
		t.Fatalf("get db: %v", err)
	}
	if err := InitDB(db); err != nil {
		t.Fatalf("init db: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO entries (id, type, subject, content, importance, expiry, scope, source_file, fingerprint, created_at)
		VALUES ('e1', 'fact', 's', 'content long enough to pass the check', 5, 'permanent', 'private', 'a.md', 'fp1', CURRENT_TIMESTAMP)`); err != nil {
		t.Fatalf("insert entry: %v", err)
	}
	db.Close()

	backupPath, err := BackupDB(path)
	if err != nil {
		t.Fatalf("backup db: %v", err)
	}

	backup, err := GetDB(backupPath)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer backup.Close()

	var count int
	if err := backup.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&count); err != nil {
		t.Fatalf("count entries in backup: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected backup to contain the one entry, got %d", count)
	}
}

func TestTimestampSuffixIsFilenameSafe(t *testing.T) {
	s := timestampSuffix(time.Date(2026, 7, 31, 12, 30, 45, 0, time.UTC))
	for _, c := range s {
		if c == ':' || c == '.' {
			t.Fatalf("expected no ':' or '.' in timestamp suffix, got %q", s)
		}
	}
}

func migrationVersions(t *testing.T, db *sql.DB) []int {
	t.Helper()
	rows, err := db.Query(`SELECT version FROM _migrations ORDER BY version`)
	if err != nil {
		t.Fatalf("query migrations: %v", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			t.Fatalf("scan version: %v", err)
		}
		versions = append(versions, v)
	}
	return versions
}
