// Package lock implements the cross-process PID lockfile that gives one
// process at a time exclusive ownership of an agenr database.
//
// Acquisition is TOCTOU-safe: the lockfile is created with O_EXCL, so two
// processes racing to create it can never both succeed. The loser reads the
// PID left by the winner and either reports it as the live holder or, if the
// PID is dead, deletes the stale lock and retries once.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const lockFileName = "db.lock"

// ErrLocked is returned by Acquire when another live process holds the lock.
var ErrLocked = errors.New("lock held by another process")

func resolveDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".agenr"), nil
}

func homeDir() (string, error) {
	if h := os.Getenv("HOME"); h != "" {
		return h, nil
	}
	if h := os.Getenv("USERPROFILE"); h != "" {
		return h, nil
	}
	return os.UserHomeDir()
}

func lockPath(dir string) (string, error) {
	d, err := resolveDir(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(d, 0o750); err != nil {
		return "", fmt.Errorf("lock: create dir %s: %w", d, err)
	}
	return filepath.Join(d, lockFileName), nil
}

// Acquire creates the lockfile for dir (defaulting to ~/.agenr) and writes the
// current PID into it. If the create races with another process, the
// existing PID is inspected: a live holder causes ErrLocked (naming the PID),
// a dead holder causes the stale lock to be reclaimed and the create retried
// exactly once.
func Acquire(dir string) error {
	path, err := lockPath(dir)
	if err != nil {
		return err
	}

	if err := tryCreate(path); err == nil {
		return nil
	} else if !os.IsExist(err) {
		return fmt.Errorf("lock: create %s: %w", path, err)
	}

	pid, readErr := readPID(path)
	if readErr != nil {
		// Unreadable/corrupt lock: treat as stale and reclaim.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("lock: remove corrupt lock: %w", err)
		}
		return tryCreate(path)
	}

	if isProcessRunning(pid) {
		return fmt.Errorf("%w: Another process (PID %d) is using this database.", ErrLocked, pid)
	}

	// Stale lock: PID is dead. Reclaim and retry exactly once.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: remove stale lock: %w", err)
	}
	return tryCreate(path)
}

func tryCreate(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
	return err
}

// Release removes the lockfile. Idempotent: a missing file is not an error.
func Release(dir string) error {
	path, err := lockPath(dir)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: release %s: %w", path, err)
	}
	return nil
}

// IsLocked reports whether dir's lockfile currently holds a live PID.
func IsLocked(dir string) (bool, error) {
	path, err := lockPath(dir)
	if err != nil {
		return false, err
	}
	pid, err := readPID(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, nil
	}
	return isProcessRunning(pid), nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("lock: parse pid in %s: %w", path, err)
	}
	return pid, nil
}
