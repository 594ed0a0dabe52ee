// Package signal implements the per-consumer exactly-once new-entry stream:
// a rowid watermark advanced on delivery so high-importance entries are
// surfaced to a live session exactly once.
package signal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const (
	defaultMinImportance = 7
	defaultMaxPerSignal  = 5
)

// Entry is the minimal shape checkSignals needs from an entry row.
type Entry struct {
	RowID      int64
	Type       string
	Subject    string
	Importance int
}

// Options configures CheckSignals. Zero values fall back to the defaults
// (minImportance=7, maxPerSignal=5).
type Options struct {
	MinImportance int
	MaxPerSignal  int
}

func (o Options) withDefaults() Options {
	if o.MinImportance == 0 {
		o.MinImportance = defaultMinImportance
	}
	if o.MaxPerSignal == 0 {
		o.MaxPerSignal = defaultMaxPerSignal
	}
	return o
}

// InitializeWatermark returns consumerId's current watermark, creating one
// set to the current max entry rowid if none exists yet — so entries that
// predate the consumer's first call are never replayed.
func InitializeWatermark(ctx context.Context, db *sql.DB, consumerID string) (int64, error) {
	var watermark int64
	err := db.QueryRowContext(ctx, `SELECT max_seq FROM signal_watermarks WHERE consumer_id = ?`, consumerID).Scan(&watermark)
	if err == nil {
		return watermark, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("signal: read watermark for %s: %w", consumerID, err)
	}

	var maxSeq sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(rowid) FROM entries`).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("signal: read max rowid: %w", err)
	}
	watermark = maxSeq.Int64

	_, err = db.ExecContext(ctx, `INSERT INTO signal_watermarks (consumer_id, max_seq) VALUES (?, ?)`, consumerID, watermark)
	if err != nil {
		return 0, fmt.Errorf("signal: initialize watermark for %s: %w", consumerID, err)
	}
	return watermark, nil
}

// FetchNewSignalEntries returns entries above watermark meeting the
// importance floor, ordered by rowid ascending and capped at maxPerSignal,
// plus the highest rowid observed (maxSeq). If nothing qualifies, maxSeq
// equals watermark.
func FetchNewSignalEntries(ctx context.Context, db *sql.DB, watermark int64, minImportance, maxPerSignal int) ([]Entry, int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT rowid, type, subject, importance FROM entries
		WHERE rowid > ? AND retired = 0 AND importance >= ?
		ORDER BY rowid ASC
		LIMIT ?
	`, watermark, minImportance, maxPerSignal)
	if err != nil {
		return nil, 0, fmt.Errorf("signal: fetch new entries: %w", err)
	}
	defer rows.Close()

	maxSeq := watermark
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.RowID, &e.Type, &e.Subject, &e.Importance); err != nil {
			return nil, 0, err
		}
		out = append(out, e)
		if e.RowID > maxSeq {
			maxSeq = e.RowID
		}
	}
	return out, maxSeq, rows.Err()
}

// SetWatermark moves consumerId's watermark forward. It never moves
// backward; callers that race against a higher concurrently-set value lose
// silently by design, matching the monotonic-non-decrease invariant.
func SetWatermark(ctx context.Context, db *sql.DB, consumerID string, maxSeq int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE signal_watermarks SET max_seq = ? WHERE consumer_id = ? AND max_seq < ?
	`, maxSeq, consumerID, maxSeq)
	if err != nil {
		return fmt.Errorf("signal: advance watermark for %s: %w", consumerID, err)
	}
	return nil
}

// CheckSignals runs the full fire-once sequence for one consumer: ensure a
// watermark exists, fetch anything new above it, advance the watermark
// before returning, and format a payload. Returns ("", nil) when there is
// nothing new.
func CheckSignals(ctx context.Context, db *sql.DB, consumerID string, opts Options) (string, error) {
	opts = opts.withDefaults()

	watermark, err := InitializeWatermark(ctx, db, consumerID)
	if err != nil {
		return "", err
	}

	entries, maxSeq, err := FetchNewSignalEntries(ctx, db, watermark, opts.MinImportance, opts.MaxPerSignal)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}

	if err := SetWatermark(ctx, db, consumerID, maxSeq); err != nil {
		return "", err
	}

	return formatSignal(entries), nil
}

func formatSignal(entries []Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "AGENR SIGNAL: %d new high-importance entries\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&b, "- [%s, imp:%d] %q\n", e.Type, e.Importance, e.Subject)
	}
	return strings.TrimRight(b.String(), "\n")
}
