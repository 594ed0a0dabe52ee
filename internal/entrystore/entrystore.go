package entrystore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agenr-dev/agenr/internal/store/sqlite"
)

// Store is the entry/relation/source/review CRUD layer.
// It owns the write path to the entries table, apart from consolidation's
// expiry pruning, which retires entries with a direct UPDATE.
type Store struct {
	db *sql.DB
}

// New wraps an already-migrated database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// fingerprint computes the deterministic content fingerprint over
// (type, subject, content): case-folded and whitespace-collapsed, then
// hashed so it is cheap to index.
func fingerprint(entryType, subject, content string) string {
	norm := func(s string) string {
		return whitespaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
	}
	joined := norm(entryType) + "\x00" + norm(subject) + "\x00" + norm(content)
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// newID assigns an opaque id on first insert. It is not derived from content
// (two entries can share a fingerprint only transiently, during the dedup
// race window) — just a short, collision-resistant token.
func newID() string {
	return "ag-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func marshalTags(tags []string) string {
	if len(tags) == 0 {
		tags = []string{"untagged"}
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func unmarshalTags(s string) []string {
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil
	}
	return tags
}

func clampImportance(i int) int {
	if i < 1 {
		return 1
	}
	if i > 10 {
		return 10
	}
	return i
}

// StoreEntries inserts or confirms each candidate.
//
// For every candidate: if a non-retired entry with the same fingerprint
// already exists and Force is false, a source row is appended and
// confirmations is incremented without re-embedding; otherwise the content is
// embedded and a new entry (plus its first source row) is inserted.
func (s *Store) StoreEntries(ctx context.Context, candidates []NewEntry, opts StoreOptions) (StoreResult, error) {
	result := StoreResult{}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("entrystore: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var toEmbed []int
	fps := make([]string, len(candidates))
	for i, c := range candidates {
		fps[i] = fingerprint(c.Type, c.Subject, c.Content)
	}

	for i, c := range candidates {
		existingID := ""
		if !opts.Force {
			row := tx.QueryRowContext(ctx,
				`SELECT id FROM entries WHERE fingerprint = ? AND retired = 0 LIMIT 1`, fps[i])
			switch err := row.Scan(&existingID); {
			case err == nil:
				if err := s.confirmLocked(ctx, tx, existingID, opts.SourceFile, opts.IngestContentHash); err != nil {
					return result, err
				}
				result.Confirmed++
				result.IDs = append(result.IDs, existingID)
				continue
			case err != sql.ErrNoRows:
				return result, fmt.Errorf("entrystore: lookup fingerprint: %w", err)
			}
		}
		toEmbed = append(toEmbed, i)
	}

	if len(toEmbed) == 0 {
		if err := tx.Commit(); err != nil {
			return result, fmt.Errorf("entrystore: commit: %w", err)
		}
		return result, nil
	}

	texts := make([]string, len(toEmbed))
	for j, idx := range toEmbed {
		texts[j] = candidates[idx].Content
	}

	var vectors [][]float32
	if opts.Embed != nil {
		vectors, err = opts.Embed(texts)
		if err != nil {
			return result, fmt.Errorf("entrystore: embed: %w", err)
		}
		if len(vectors) != len(texts) {
			return result, fmt.Errorf("entrystore: embed returned %d vectors for %d texts", len(vectors), len(texts))
		}
	}

	now := time.Now().UTC()
	for j, idx := range toEmbed {
		c := candidates[idx]
		id := newID()
		var embedded []byte
		if vectors != nil {
			embedded = sqlite.PackVector(vectors[j])
		}

		expiry := c.Expiry
		if expiry == "" {
			expiry = ExpiryPermanent
		}
		scope := c.Scope
		if scope == "" {
			scope = ScopePrivate
		}
		importance := 5
		if c.Importance != 0 {
			importance = clampImportance(c.Importance)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO entries (
				id, type, subject, content, canonical_key, importance, expiry, scope,
				project, source_file, source_context, platform, tags, embedding,
				fingerprint, created_at, updated_at, quality_score
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1.0)
		`, id, c.Type, c.Subject, c.Content, nullable(c.CanonicalKey), importance, expiry, scope,
			nullable(strings.ToLower(c.Project)), opts.SourceFile, c.SourceContext, c.Platform,
			marshalTags(c.Tags), embedded, fps[idx], now, now)
		if err != nil {
			return result, fmt.Errorf("entrystore: insert entry: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entry_sources (entry_id, source_file, ingest_content_hash)
			VALUES (?, ?, ?)
		`, id, opts.SourceFile, opts.IngestContentHash); err != nil {
			return result, fmt.Errorf("entrystore: insert source: %w", err)
		}

		result.Inserted++
		result.IDs = append(result.IDs, id)
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("entrystore: commit: %w", err)
	}
	return result, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) confirmLocked(ctx context.Context, tx *sql.Tx, entryID, sourceFile, hash string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE entries SET confirmations = confirmations + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), entryID); err != nil {
		return fmt.Errorf("entrystore: confirm entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entry_sources (entry_id, source_file, ingest_content_hash)
		VALUES (?, ?, ?)
	`, entryID, sourceFile, hash); err != nil {
		return fmt.Errorf("entrystore: insert confirming source: %w", err)
	}
	return nil
}

const entryColumns = `
	id, type, subject, content, canonical_key, importance, expiry, scope, project,
	source_file, source_context, platform, tags, embedding, fingerprint,
	created_at, updated_at, recall_count, last_recalled_at, confirmations,
	quality_score, merged_from, consolidated_at, retired, rowid
`

func scanEntry(row interface {
	Scan(dest ...interface{}) error
}) (Entry, error) {
	var e Entry
	var (
		canonicalKey, project sql.NullString
		tags                  string
		embedding             []byte
		lastRecalledAt        sql.NullTime
		consolidatedAt        sql.NullString
		retired               int
	)
	err := row.Scan(
		&e.ID, &e.Type, &e.Subject, &e.Content, &canonicalKey, &e.Importance, &e.Expiry, &e.Scope, &project,
		&e.SourceFile, &e.SourceContext, &e.Platform, &tags, &embedding, &e.Fingerprint,
		&e.CreatedAt, &e.UpdatedAt, &e.RecallCount, &lastRecalledAt, &e.Confirmations,
		&e.QualityScore, &e.MergedFrom, &consolidatedAt, &retired, &e.RowID,
	)
	if err != nil {
		return e, err
	}
	e.CanonicalKey = canonicalKey.String
	e.Project = project.String
	e.Tags = unmarshalTags(tags)
	e.Retired = retired != 0
	if lastRecalledAt.Valid {
		t := lastRecalledAt.Time
		e.LastRecalledAt = &t
	}
	if consolidatedAt.Valid {
		t, err := time.Parse(time.RFC3339, consolidatedAt.String)
		if err == nil {
			e.ConsolidatedAt = &t
		}
	}
	if len(embedding) > 0 {
		vec, err := sqlite.UnpackVector(embedding)
		if err == nil {
			e.Embedding = vec
		}
	}
	return e, nil
}

// GetEntry fetches a single entry by id, including retired ones.
func (s *Store) GetEntry(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("entrystore: get entry: %w", err)
	}
	return &e, nil
}

// FindSimilar returns up to limit non-retired entries ranked by cosine
// similarity to vec, excluding any id present in exclude.
func (s *Store) FindSimilar(ctx context.Context, vec []float32, limit int, exclude map[string]bool) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE retired = 0 AND embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("entrystore: scan candidates: %w", err)
	}
	defer rows.Close()

	type scored struct {
		entry Entry
		score float64
	}
	var candidates []scored
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("entrystore: scan row: %w", err)
		}
		if exclude[e.ID] {
			continue
		}
		candidates = append(candidates, scored{e, sqlite.CosineSimilarity(vec, e.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortByScoreDesc(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]Entry, len(candidates))
	for i, c := range candidates {
		out[i] = c.entry
	}
	return out, nil
}

// sortByScoreDesc is a tiny indirection so tests can assert determinism
// without pulling in sort.Slice's reflection cost twice.
func sortByScoreDesc[T any](s []T, less func(i, j int) bool) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// RetireEntries marks matching entries retired. Exactly one of EntryID or
// Filter must be set. Returns the number of entries retired.
func (s *Store) RetireEntries(ctx context.Context, opts RetireOptions) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("entrystore: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var ids []string
	if opts.EntryID != "" {
		ids = append(ids, opts.EntryID)
	} else if opts.Filter != nil {
		query := `SELECT id FROM entries WHERE retired = 0`
		var args []interface{}
		if opts.Filter.Type != "" {
			query += ` AND type = ?`
			args = append(args, opts.Filter.Type)
		}
		if opts.Filter.Project != "" {
			query += ` AND project = ?`
			args = append(args, strings.ToLower(opts.Filter.Project))
		}
		if opts.Filter.Before != nil {
			query += ` AND created_at < ?`
			args = append(args, *opts.Filter.Before)
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("entrystore: filter retire candidates: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return 0, err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, err
		}
	} else {
		return 0, fmt.Errorf("entrystore: RetireEntries requires EntryID or Filter")
	}

	count := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE entries SET retired = 1, updated_at = ? WHERE id = ? AND retired = 0`, time.Now().UTC(), id)
		if err != nil {
			return count, fmt.Errorf("entrystore: retire %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue
		}
		count++
		if opts.WriteLedger {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO retirement_ledger (entry_id, reason) VALUES (?, ?)`, id, opts.Reason); err != nil {
				return count, fmt.Errorf("entrystore: write ledger for %s: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return count, fmt.Errorf("entrystore: commit: %w", err)
	}
	return count, nil
}

// RehabilitateEntry clears the retired flag, used when a review item is
// dismissed.
func (s *Store) RehabilitateEntry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE entries SET retired = 0, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("entrystore: rehabilitate %s: %w", id, err)
	}
	return nil
}

// AddRelation records a directed typed edge between two existing,
// non-retired entries.
func (s *Store) AddRelation(ctx context.Context, r Relation) error {
	for _, id := range []string{r.SourceID, r.TargetID} {
		var retired int
		err := s.db.QueryRowContext(ctx, `SELECT retired FROM entries WHERE id = ?`, id).Scan(&retired)
		if err == sql.ErrNoRows {
			return fmt.Errorf("entrystore: relation references missing entry %s", id)
		}
		if err != nil {
			return fmt.Errorf("entrystore: check entry %s: %w", id, err)
		}
		if retired != 0 {
			return fmt.Errorf("entrystore: relation references retired entry %s", id)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO entry_relations (source_id, target_id, relation_type) VALUES (?, ?, ?)
	`, r.SourceID, r.TargetID, r.RelationType)
	if err != nil {
		return fmt.Errorf("entrystore: add relation: %w", err)
	}
	return nil
}

// Relations returns every relation touching id, as either source or target.
func (s *Store) Relations(ctx context.Context, id string) ([]Relation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, target_id, relation_type, created_at FROM entry_relations
		WHERE source_id = ? OR target_id = ?
	`, id, id)
	if err != nil {
		return nil, fmt.Errorf("entrystore: relations for %s: %w", id, err)
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

// UpdateRecallStats increments recall_count and sets last_recalled_at for the
// given ids. Called by the recall engine unless noUpdate is set.
func (s *Store) UpdateRecallStats(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("entrystore: begin recall stats: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE entries SET recall_count = recall_count + 1, last_recalled_at = ? WHERE id = ?`,
			now, id); err != nil {
			return fmt.Errorf("entrystore: bump recall stats for %s: %w", id, err)
		}
	}
	return tx.Commit()
}
