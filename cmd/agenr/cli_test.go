package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agenr-dev/agenr/internal/config"
	"github.com/agenr-dev/agenr/internal/entrystore"
	"github.com/agenr-dev/agenr/internal/store/sqlite"
)

func withTestDeps(t *testing.T) string {
	t.Helper()
	if err := config.Initialize(); err != nil {
		t.Fatalf("config init: %v", err)
	}

	saved := deps
	deps = defaultDeps()
	t.Cleanup(func() { deps = saved })

	return filepath.Join(t.TempDir(), "agenr.db")
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	fn()
	w.Close()
	os.Stdout = old

	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read captured stdout: %v", err)
	}
	return string(out)
}

func TestDBResetDryRunMakesNoChanges(t *testing.T) {
	path := withTestDeps(t)
	dbResetPath = path
	dbResetConfirm = false
	t.Cleanup(func() { dbResetPath = ""; dbResetConfirm = false })

	out := captureStdout(t, func() {
		if err := runDBReset(dbResetCmd, nil); err != nil {
			t.Fatalf("run db reset: %v", err)
		}
	})

	if _, err := os.Stat(path); err == nil {
		t.Fatalf("expected dry-run to not create a database file")
	}
	if out == "" {
		t.Fatalf("expected dry-run to describe its planned actions")
	}
}

func TestDBResetConfirmResetsSchema(t *testing.T) {
	path := withTestDeps(t)
	db, err := sqlite.GetDB(path)
	if err != nil {
		t.Fatalf("get db: %v", err)
	}
	if err := sqlite.InitDB(db); err != nil {
		t.Fatalf("init db: %v", err)
	}
	store := entrystore.New(db)
	if _, err := store.StoreEntries(context.Background(), []entrystore.NewEntry{
		{Type: entrystore.TypeFact, Subject: "x", Content: "an entry that will be wiped", Expiry: entrystore.ExpiryPermanent, Scope: entrystore.ScopePrivate},
	}, entrystore.StoreOptions{SourceFile: "a.md"}); err != nil {
		t.Fatalf("store entry: %v", err)
	}
	db.Close()

	dbResetPath = path
	dbResetConfirm = true
	t.Cleanup(func() { dbResetPath = ""; dbResetConfirm = false })

	captureStdout(t, func() {
		if err := runDBReset(dbResetCmd, nil); err != nil {
			t.Fatalf("run db reset: %v", err)
		}
	})

	reopened, err := sqlite.GetDB(path)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer reopened.Close()

	var count int
	if err := reopened.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&count); err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected entries table to be empty after confirmed reset, got %d rows", count)
	}
}

func TestConsolidateRequiresRulesOnlyFlag(t *testing.T) {
	withTestDeps(t)
	consolidateRulesOnly = false
	t.Cleanup(func() { consolidateRulesOnly = false })

	if err := runConsolidate(consolidateCmd, nil); err == nil {
		t.Fatalf("expected an error when --rules-only is not set")
	}
}

func TestConsolidateRulesOnlyReportsStats(t *testing.T) {
	path := withTestDeps(t)
	consolidateDBPath = path
	consolidateRulesOnly = true
	consolidateJSON = false
	t.Cleanup(func() {
		consolidateDBPath = ""
		consolidateRulesOnly = false
	})

	out := captureStdout(t, func() {
		if err := runConsolidate(consolidateCmd, nil); err != nil {
			t.Fatalf("run consolidate: %v", err)
		}
	})
	if out == "" {
		t.Fatalf("expected stats output")
	}
}

func TestReviewListRendersPendingRows(t *testing.T) {
	path := withTestDeps(t)
	db, err := sqlite.GetDB(path)
	if err != nil {
		t.Fatalf("get db: %v", err)
	}
	if err := sqlite.InitDB(db); err != nil {
		t.Fatalf("init db: %v", err)
	}
	store := entrystore.New(db)
	res, err := store.StoreEntries(context.Background(), []entrystore.NewEntry{
		{Type: entrystore.TypeFact, Subject: "flagged subject", Content: "an entry worth reviewing manually", Expiry: entrystore.ExpiryPermanent, Scope: entrystore.ScopePrivate},
	}, entrystore.StoreOptions{SourceFile: "a.md"})
	if err != nil {
		t.Fatalf("store entry: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO review_queue (entry_id, reason, detail, suggested_action, status) VALUES (?, 'manual', 'check this', 'review', 'pending')`, res.IDs[0]); err != nil {
		t.Fatalf("insert review row: %v", err)
	}
	db.Close()

	reviewDBPath = path
	reviewLimit = 0
	reviewSince = ""
	t.Cleanup(func() { reviewDBPath = "" })

	out := captureStdout(t, func() {
		if err := runReviewList(reviewCmd, nil); err != nil {
			t.Fatalf("run review list: %v", err)
		}
	})
	if !containsAll(out, "flagged subject", "manual") {
		t.Fatalf("expected output to mention the pending review, got %q", out)
	}
}

func TestParseSinceEmptyReturnsNil(t *testing.T) {
	got, err := parseSince("")
	if err != nil {
		t.Fatalf("parse since: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for empty --since")
	}
}

func TestFormatAgeBuckets(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		ago  time.Duration
		want string
	}{
		{30 * time.Minute, "<1h"},
		{5 * time.Hour, "5h"},
		{3 * 24 * time.Hour, "3d"},
	}
	for _, c := range cases {
		got := formatAge(now, now.Add(-c.ago))
		if got != c.want {
			t.Fatalf("ago=%v: got %q, want %q", c.ago, got, c.want)
		}
	}
}

func TestParseReviewIDRejectsNonNumeric(t *testing.T) {
	if _, err := parseReviewID("not-a-number"); err == nil {
		t.Fatalf("expected an error for a non-numeric review id")
	}
	id, err := parseReviewID("42")
	if err != nil {
		t.Fatalf("parse review id: %v", err)
	}
	if id != 42 {
		t.Fatalf("got %d, want 42", id)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !bytes.Contains([]byte(s), []byte(sub)) {
			return false
		}
	}
	return true
}
