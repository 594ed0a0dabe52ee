package entrystore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ListFilter narrows ListEntries by type and/or non-retired status. It backs
// both the recall engine's project scoping and consolidation's rule passes.
type ListFilter struct {
	Type          string
	ExcludeRetired bool
	Project       []string
}

// ListEntries returns entries matching filter, unordered.
func (s *Store) ListEntries(ctx context.Context, filter ListFilter) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM entries WHERE 1=1`
	var args []interface{}

	if filter.ExcludeRetired {
		query += ` AND retired = 0`
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if len(filter.Project) > 0 {
		placeholders := make([]string, len(filter.Project))
		for i, p := range filter.Project {
			placeholders[i] = "?"
			args = append(args, p)
		}
		query += fmt.Sprintf(` AND project IN (%s)`, joinPlaceholders(placeholders))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("entrystore: list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func joinPlaceholders(ps []string) string {
	out := ""
	for i, p := range ps {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// MergeInto merges loser into survivor: unions tags, sums recall_count and
// confirmations, bumps survivor's merged_from, then retires loser.
func (s *Store) MergeInto(ctx context.Context, survivorID, loserID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("entrystore: begin merge: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	survivor, err := getEntryTx(ctx, tx, survivorID)
	if err != nil {
		return err
	}
	loser, err := getEntryTx(ctx, tx, loserID)
	if err != nil {
		return err
	}
	if survivor == nil || loser == nil {
		return fmt.Errorf("entrystore: merge requires both entries to exist")
	}

	merged := unionTags(survivor.Tags, loser.Tags)

	_, err = tx.ExecContext(ctx, `
		UPDATE entries SET
			tags = ?,
			recall_count = recall_count + ?,
			confirmations = confirmations + ?,
			merged_from = merged_from + 1,
			updated_at = ?
		WHERE id = ?
	`, marshalTags(merged), loser.RecallCount, loser.Confirmations, time.Now().UTC(), survivorID)
	if err != nil {
		return fmt.Errorf("entrystore: update survivor %s: %w", survivorID, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE entries SET retired = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), loserID); err != nil {
		return fmt.Errorf("entrystore: retire loser %s: %w", loserID, err)
	}

	return tx.Commit()
}

func getEntryTx(ctx context.Context, tx *sql.Tx, id string) (*Entry, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("entrystore: get entry %s in tx: %w", id, err)
	}
	return &e, nil
}

func unionTags(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range append(append([]string{}, a...), b...) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
		if len(out) == 4 {
			break
		}
	}
	return out
}

// OrphanRelations returns relations whose source or target no longer exists
// or is retired.
func (s *Store) OrphanRelations(ctx context.Context) ([]Relation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.source_id, r.target_id, r.relation_type, r.created_at
		FROM entry_relations r
		LEFT JOIN entries s ON s.id = r.source_id
		LEFT JOIN entries t ON t.id = r.target_id
		WHERE s.id IS NULL OR t.id IS NULL OR s.retired = 1 OR t.retired = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("entrystore: find orphan relations: %w", err)
	}
	defer rows.Close()

	var out []Relation
	for rows.Next() {
		var r Relation
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.RelationType, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRelation removes a single relation edge.
func (s *Store) DeleteRelation(ctx context.Context, r Relation) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM entry_relations WHERE source_id = ? AND target_id = ? AND relation_type = ?
	`, r.SourceID, r.TargetID, r.RelationType)
	if err != nil {
		return fmt.Errorf("entrystore: delete relation: %w", err)
	}
	return nil
}

// CountEntries returns the total non-retired entry count, used for
// consolidation's before/after stats.
func (s *Store) CountEntries(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE retired = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("entrystore: count entries: %w", err)
	}
	return n, nil
}

// MarkConsolidated stamps consolidated_at on an entry, used after a
// consolidation pass touches it.
func (s *Store) MarkConsolidated(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE entries SET consolidated_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("entrystore: mark consolidated %s: %w", id, err)
	}
	return nil
}
