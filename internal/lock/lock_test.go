package lock

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	if err := Acquire(dir); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	locked, err := IsLocked(dir)
	if err != nil {
		t.Fatalf("is locked: %v", err)
	}
	if !locked {
		t.Fatalf("expected lock to be held by this (live) process")
	}

	if err := Release(dir); err != nil {
		t.Fatalf("release: %v", err)
	}

	locked, err = IsLocked(dir)
	if err != nil {
		t.Fatalf("is locked after release: %v", err)
	}
	if locked {
		t.Fatalf("expected lock to be released")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	if err := Release(dir); err != nil {
		t.Fatalf("expected releasing a never-acquired lock to be a no-op, got %v", err)
	}
}

func TestAcquireFailsWhileLiveHolderOwnsLock(t *testing.T) {
	dir := t.TempDir()
	if err := Acquire(dir); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	t.Cleanup(func() { Release(dir) })

	err := Acquire(dir)
	if err == nil {
		t.Fatalf("expected second acquire to fail while this process holds the lock")
	}
}

func TestAcquireReclaimsStaleLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, lockFileName)

	// A PID astronomically unlikely to be running.
	if err := os.WriteFile(path, []byte("999999999\n"), 0o644); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	if err := Acquire(dir); err != nil {
		t.Fatalf("expected stale lock to be reclaimed, got %v", err)
	}
	Release(dir)
}
