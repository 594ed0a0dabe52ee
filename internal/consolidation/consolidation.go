// Package consolidation implements the rule-based cleanup pass (expiry
// pruning, near-duplicate merging, orphan-relation removal), similarity
// clustering for the judge-driven phase, and the review queue.
package consolidation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agenr-dev/agenr/internal/entrystore"
	"github.com/agenr-dev/agenr/internal/llmjudge"
	"github.com/agenr-dev/agenr/internal/store/sqlite"
)

// Stats reports what one rules pass did.
type Stats struct {
	BackupPath               string
	ExpiredCount             int
	MergedCount              int
	OrphanedRelationsCleaned int
	EntriesBefore            int
	EntriesAfter             int
}

// Options configures ConsolidateRules.
type Options struct {
	DryRun  bool
	Verbose bool
	OnLog   func(string)
}

func (o Options) log(msg string) {
	if o.Verbose && o.OnLog != nil {
		o.OnLog(msg)
	}
}

// ConsolidateRules runs the full rules pass: backup first, then (unless
// dry-run) prune expired entries, merge near-exact duplicates, and clean
// orphan relations, strictly in that order with each phase committed
// before the next begins.
func ConsolidateRules(ctx context.Context, db *sql.DB, dbPath string, store *entrystore.Store, opts Options) (Stats, error) {
	var stats Stats

	before, err := store.CountEntries(ctx)
	if err != nil {
		return stats, err
	}
	stats.EntriesBefore = before

	backupPath, err := sqlite.BackupDB(dbPath)
	if err != nil {
		return stats, fmt.Errorf("consolidation: backup: %w", err)
	}
	stats.BackupPath = backupPath
	opts.log("backup written to " + backupPath)

	if opts.DryRun {
		stats.EntriesAfter = before
		return stats, nil
	}

	expired, err := pruneExpired(ctx, db)
	if err != nil {
		return stats, fmt.Errorf("consolidation: prune expired: %w", err)
	}
	stats.ExpiredCount = expired
	opts.log(fmt.Sprintf("pruned %d expired entries", expired))

	merged, err := mergeDuplicates(ctx, db, store)
	if err != nil {
		return stats, fmt.Errorf("consolidation: merge duplicates: %w", err)
	}
	stats.MergedCount = merged
	opts.log(fmt.Sprintf("merged %d duplicate groups", merged))

	orphaned, err := cleanOrphanRelations(ctx, store)
	if err != nil {
		return stats, fmt.Errorf("consolidation: clean orphans: %w", err)
	}
	stats.OrphanedRelationsCleaned = orphaned
	opts.log(fmt.Sprintf("removed %d orphan relations", orphaned))

	after, err := store.CountEntries(ctx)
	if err != nil {
		return stats, err
	}
	stats.EntriesAfter = after

	return stats, nil
}

// ageThreshold derives the expiry cutoff for temporary entries from
// importance: low-importance entries decay fastest.
func ageThreshold(importance int) time.Duration {
	switch {
	case importance <= 2:
		return 3 * 24 * time.Hour
	case importance <= 5:
		return 14 * 24 * time.Hour
	default:
		return 60 * 24 * time.Hour
	}
}

func pruneExpired(ctx context.Context, db *sql.DB) (int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, importance, created_at FROM entries
		WHERE expiry = 'temporary' AND retired = 0 AND recall_count = 0
	`)
	if err != nil {
		return 0, err
	}

	type candidate struct {
		id         string
		importance int
		createdAt  time.Time
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.importance, &c.createdAt); err != nil {
			rows.Close()
			return 0, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	n := 0
	for _, c := range candidates {
		if now.Sub(c.createdAt) < ageThreshold(c.importance) {
			continue
		}
		if _, err := db.ExecContext(ctx, `UPDATE entries SET retired = 1, updated_at = ? WHERE id = ?`, now, c.id); err != nil {
			return n, fmt.Errorf("retire expired entry %s: %w", c.id, err)
		}
		n++
	}
	return n, nil
}

// mergeDuplicates groups non-retired entries by fingerprint and, within
// each group of size > 1, keeps the highest-importance oldest-created
// survivor and merges the rest into it.
func mergeDuplicates(ctx context.Context, db *sql.DB, store *entrystore.Store) (int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, fingerprint, importance, created_at FROM entries
		WHERE retired = 0
		ORDER BY fingerprint
	`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type row struct {
		id         string
		fp         string
		importance int
		createdAt  time.Time
	}
	groups := map[string][]row{}
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.fp, &r.importance, &r.createdAt); err != nil {
			return 0, err
		}
		groups[r.fp] = append(groups[r.fp], r)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	merged := 0
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		survivor := group[0]
		for _, r := range group[1:] {
			if r.importance > survivor.importance ||
				(r.importance == survivor.importance && r.createdAt.Before(survivor.createdAt)) {
				survivor = r
			}
		}
		for _, r := range group {
			if r.id == survivor.id {
				continue
			}
			if err := store.MergeInto(ctx, survivor.id, r.id); err != nil {
				return merged, err
			}
		}
		merged++
	}
	return merged, nil
}

func cleanOrphanRelations(ctx context.Context, store *entrystore.Store) (int, error) {
	orphans, err := store.OrphanRelations(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range orphans {
		if err := store.DeleteRelation(ctx, r); err != nil {
			return 0, err
		}
	}
	return len(orphans), nil
}

// Cluster is a set of entry ids judged transitively similar.
type Cluster struct {
	EntryIDs []string
}

// ClusterOptions configures BuildClusters.
type ClusterOptions struct {
	TypeFilter    string
	MinCluster    int
	NeighborLimit int
	// SimilarityThreshold gates which neighbors count toward a cluster.
	SimilarityThreshold float64
}

// BuildClusters groups semantically similar entries by transitive neighbor
// closure. When TypeFilter is set, neighbors are over-fetched at
// 3×NeighborLimit since some will be filtered out by type afterward.
func BuildClusters(ctx context.Context, store *entrystore.Store, opts ClusterOptions) ([]Cluster, error) {
	filter := entrystore.ListFilter{ExcludeRetired: true}
	if opts.TypeFilter != "" {
		filter.Type = opts.TypeFilter
	}
	entries, err := store.ListEntries(ctx, filter)
	if err != nil {
		return nil, err
	}

	fetchLimit := opts.NeighborLimit
	if opts.TypeFilter != "" {
		fetchLimit = opts.NeighborLimit * 3
	}

	adjacency := map[string]map[string]bool{}
	for _, e := range entries {
		if e.Embedding == nil {
			continue
		}
		neighbors, err := store.FindSimilar(ctx, e.Embedding, fetchLimit, map[string]bool{e.ID: true})
		if err != nil {
			return nil, err
		}
		for _, n := range neighbors {
			if opts.TypeFilter != "" && n.Type != opts.TypeFilter {
				continue
			}
			if sqlite.CosineSimilarity(e.Embedding, n.Embedding) < opts.SimilarityThreshold {
				continue
			}
			addEdge(adjacency, e.ID, n.ID)
		}
	}

	visited := map[string]bool{}
	var clusters []Cluster
	for id := range adjacency {
		if visited[id] {
			continue
		}
		component := walkComponent(adjacency, id, visited)
		if len(component) >= opts.MinCluster {
			clusters = append(clusters, Cluster{EntryIDs: component})
		}
	}
	return clusters, nil
}

func addEdge(adj map[string]map[string]bool, a, b string) {
	if adj[a] == nil {
		adj[a] = map[string]bool{}
	}
	if adj[b] == nil {
		adj[b] = map[string]bool{}
	}
	adj[a][b] = true
	adj[b][a] = true
}

func walkComponent(adj map[string]map[string]bool, start string, visited map[string]bool) []string {
	var stack = []string{start}
	var out []string
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		out = append(out, id)
		for n := range adj[id] {
			if !visited[n] {
				stack = append(stack, n)
			}
		}
	}
	return out
}

// JudgeConfidenceThreshold is the minimum verdict confidence RunJudgePass
// acts on automatically. Below it, the pair is left alone except for a
// manual review flag rather than merged or related on a guess.
const JudgeConfidenceThreshold = 0.5

// Judge decides how two candidate entries relate. *llmjudge.Client
// satisfies this; tests substitute a fake.
type Judge interface {
	Judge(ctx context.Context, newEntry, existing entrystore.Entry) (llmjudge.Verdict, error)
}

// JudgeStats reports what RunJudgePass did.
type JudgeStats struct {
	ClustersExamined int
	PairsJudged      int
	Merged           int
	Related          int
	FlaggedForReview int
}

// RunJudgePass clusters similar entries via BuildClusters and, for each
// adjacent pair within a cluster, asks judge how they relate. A supersedes
// verdict at or above JudgeConfidenceThreshold merges the superseded entry
// into the newer one; any other relation at or above the threshold is
// recorded as a relation edge; anything below the threshold is flagged for
// manual review instead of acted on automatically.
func RunJudgePass(ctx context.Context, db *sql.DB, store *entrystore.Store, judge Judge, clusterOpts ClusterOptions, opts Options) (JudgeStats, error) {
	var stats JudgeStats

	clusters, err := BuildClusters(ctx, store, clusterOpts)
	if err != nil {
		return stats, fmt.Errorf("consolidation: build clusters: %w", err)
	}
	stats.ClustersExamined = len(clusters)

	for _, cluster := range clusters {
		for i := 0; i+1 < len(cluster.EntryIDs); i++ {
			a, err := store.GetEntry(ctx, cluster.EntryIDs[i])
			if err != nil {
				return stats, err
			}
			b, err := store.GetEntry(ctx, cluster.EntryIDs[i+1])
			if err != nil {
				return stats, err
			}
			if a == nil || b == nil {
				continue
			}

			verdict, err := judge.Judge(ctx, *a, *b)
			if err != nil {
				return stats, fmt.Errorf("consolidation: judge %s/%s: %w", a.ID, b.ID, err)
			}
			stats.PairsJudged++
			opts.log(fmt.Sprintf("judge: %s vs %s -> %s (%.2f)", a.ID, b.ID, verdict.Relation, verdict.Confidence))

			if verdict.Confidence < JudgeConfidenceThreshold {
				if _, err := FlagForReview(ctx, db, a.ID, entrystore.ReasonManual,
					fmt.Sprintf("low-confidence %s verdict against %s", verdict.Relation, b.ID),
					entrystore.ActionReview); err != nil {
					return stats, err
				}
				stats.FlaggedForReview++
				continue
			}

			if verdict.Relation == entrystore.RelationSupersedes {
				if err := store.MergeInto(ctx, a.ID, b.ID); err != nil {
					return stats, fmt.Errorf("consolidation: merge %s into %s: %w", b.ID, a.ID, err)
				}
				stats.Merged++
				continue
			}

			if err := store.AddRelation(ctx, entrystore.Relation{
				SourceID:     a.ID,
				TargetID:     b.ID,
				RelationType: verdict.Relation,
			}); err != nil {
				return stats, fmt.Errorf("consolidation: add relation %s->%s: %w", a.ID, b.ID, err)
			}
			stats.Related++
		}
	}

	return stats, nil
}

// FlagResult reports whether FlagForReview actually inserted a row.
type FlagResult struct {
	Created bool
	ID      int64
}

// FlagForReview inserts a pending review row for (entryID, reason) unless
// one is already pending.
func FlagForReview(ctx context.Context, db *sql.DB, entryID, reason, detail, suggestedAction string) (FlagResult, error) {
	var existing int64
	err := db.QueryRowContext(ctx, `
		SELECT id FROM review_queue WHERE entry_id = ? AND reason = ? AND status = 'pending'
	`, entryID, reason).Scan(&existing)
	if err == nil {
		return FlagResult{Created: false, ID: existing}, nil
	}
	if err != sql.ErrNoRows {
		return FlagResult{}, fmt.Errorf("consolidation: check pending review: %w", err)
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO review_queue (entry_id, reason, detail, suggested_action, status)
		VALUES (?, ?, ?, ?, 'pending')
	`, entryID, reason, detail, suggestedAction)
	if err != nil {
		return FlagResult{}, fmt.Errorf("consolidation: flag for review: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return FlagResult{}, err
	}
	return FlagResult{Created: true, ID: id}, nil
}

// ResolveReview sets a pending review row's status and resolved_at. Returns
// false if no pending row with that id existed.
func ResolveReview(ctx context.Context, db *sql.DB, reviewID int64, status string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE review_queue SET status = ?, resolved_at = ? WHERE id = ? AND status = 'pending'
	`, status, time.Now().UTC(), reviewID)
	if err != nil {
		return false, fmt.Errorf("consolidation: resolve review %d: %w", reviewID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CheckAndFlagLowQuality flags entryID for review when its quality has
// dropped below 0.2 and it has been recalled at least 10 times.
func CheckAndFlagLowQuality(ctx context.Context, db *sql.DB, entryID string, quality float64, recallCount int) (FlagResult, error) {
	if !(quality < 0.2 && recallCount >= 10) {
		return FlagResult{Created: false}, nil
	}
	return FlagForReview(ctx, db, entryID, entrystore.ReasonLowQuality, "quality score below threshold", entrystore.ActionRetire)
}

// PendingReview is one row of the review queue as surfaced to the CLI.
type PendingReview struct {
	ID              int64
	EntryID         string
	EntrySubject    string
	Reason          string
	Detail          string
	SuggestedAction string
	CreatedAt       time.Time
}

// ListPending returns pending review rows ordered by created_at, joined
// against the entry subject for display. since, if non-nil, restricts to
// rows created at or after that time.
func ListPending(ctx context.Context, db *sql.DB, limit int, since *time.Time) ([]PendingReview, error) {
	query := `
		SELECT r.id, r.entry_id, e.subject, r.reason, r.detail, r.suggested_action, r.created_at
		FROM review_queue r
		JOIN entries e ON e.id = r.entry_id
		WHERE r.status = 'pending'
	`
	var args []interface{}
	if since != nil {
		query += ` AND r.created_at >= ?`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY r.created_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("consolidation: list pending reviews: %w", err)
	}
	defer rows.Close()

	var out []PendingReview
	for rows.Next() {
		var p PendingReview
		if err := rows.Scan(&p.ID, &p.EntryID, &p.EntrySubject, &p.Reason, &p.Detail, &p.SuggestedAction, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPending returns the single pending review row for id, or nil if it
// does not exist or is already resolved.
func GetPending(ctx context.Context, db *sql.DB, id int64) (*PendingReview, error) {
	var p PendingReview
	err := db.QueryRowContext(ctx, `
		SELECT r.id, r.entry_id, e.subject, r.reason, r.detail, r.suggested_action, r.created_at
		FROM review_queue r
		JOIN entries e ON e.id = r.entry_id
		WHERE r.id = ? AND r.status = 'pending'
	`, id).Scan(&p.ID, &p.EntryID, &p.EntrySubject, &p.Reason, &p.Detail, &p.SuggestedAction, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consolidation: get pending review %d: %w", id, err)
	}
	return &p, nil
}

// DismissReview resolves a pending review as dismissed and rehabilitates
// the underlying entry (a dismissal means the flagged concern did not
// warrant action, not that the entry is confirmed bad).
func DismissReview(ctx context.Context, db *sql.DB, store *entrystore.Store, id int64) error {
	pending, err := GetPending(ctx, db, id)
	if err != nil {
		return err
	}
	if pending == nil {
		return fmt.Errorf("consolidation: review %d is missing or already resolved", id)
	}

	if ok, err := ResolveReview(ctx, db, id, "dismissed"); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("consolidation: review %d is missing or already resolved", id)
	}

	return store.RehabilitateEntry(ctx, pending.EntryID)
}

// RetireReview retires the entry a pending review points at, using a
// composite reason that records the originating review, then resolves the
// review row.
func RetireReview(ctx context.Context, db *sql.DB, store *entrystore.Store, id int64) error {
	pending, err := GetPending(ctx, db, id)
	if err != nil {
		return err
	}
	if pending == nil {
		return fmt.Errorf("consolidation: review %d is missing or already resolved", id)
	}

	reason := fmt.Sprintf("review_queue:%d:%s", id, pending.Reason)
	if _, err := store.RetireEntries(ctx, entrystore.RetireOptions{
		EntryID:     pending.EntryID,
		Reason:      reason,
		WriteLedger: true,
	}); err != nil {
		return fmt.Errorf("consolidation: retire entry for review %d: %w", id, err)
	}

	if ok, err := ResolveReview(ctx, db, id, "resolved"); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("consolidation: review %d is missing or already resolved", id)
	}
	return nil
}
