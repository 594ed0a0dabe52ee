package consolidation

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/agenr-dev/agenr/internal/config"
	"github.com/agenr-dev/agenr/internal/entrystore"
	"github.com/agenr-dev/agenr/internal/llmjudge"
	"github.com/agenr-dev/agenr/internal/store/sqlite"
)

// fakeJudge returns a canned verdict for every pair it is asked about,
// standing in for a real llmjudge.Client in tests.
type fakeJudge struct {
	verdict llmjudge.Verdict
	calls   int
}

func (f *fakeJudge) Judge(ctx context.Context, newEntry, existing entrystore.Entry) (llmjudge.Verdict, error) {
	f.calls++
	return f.verdict, nil
}

func storeSimilarPair(t *testing.T, ctx context.Context, db *sql.DB, store *entrystore.Store) []string {
	t.Helper()
	res, err := store.StoreEntries(ctx, []entrystore.NewEntry{
		{Type: entrystore.TypeFact, Subject: "a", Content: "entry about the northern project", Expiry: entrystore.ExpiryPermanent, Scope: entrystore.ScopePrivate},
		{Type: entrystore.TypeFact, Subject: "b", Content: "another entry about the northern project", Expiry: entrystore.ExpiryPermanent, Scope: entrystore.ScopePrivate},
	}, entrystore.StoreOptions{SourceFile: "a.md"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	vecs := [][]float32{{1, 0, 0}, {0.99, 0.01, 0}}
	for i, id := range res.IDs {
		if _, err := db.Exec(`UPDATE entries SET embedding = ? WHERE id = ?`, sqlite.PackVector(vecs[i]), id); err != nil {
			t.Fatalf("set embedding: %v", err)
		}
	}
	return res.IDs
}

func newTestDB(t *testing.T) (*sql.DB, string, *entrystore.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agenr.db")
	db, err := sqlite.GetDB(path)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := sqlite.InitDB(db); err != nil {
		t.Fatalf("init test db: %v", err)
	}
	return db, path, entrystore.New(db)
}

func TestMain(m *testing.M) {
	_ = config.Initialize()
	m.Run()
}

func TestFlagForReviewDoesNotDuplicatePending(t *testing.T) {
	db, _, store := newTestDB(t)
	ctx := context.Background()

	res, err := store.StoreEntries(ctx, []entrystore.NewEntry{
		{Type: entrystore.TypeFact, Subject: "x", Content: "an entry flagged for manual review", Expiry: entrystore.ExpiryPermanent, Scope: entrystore.ScopePrivate},
	}, entrystore.StoreOptions{SourceFile: "a.md"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	id := res.IDs[0]

	first, err := FlagForReview(ctx, db, id, entrystore.ReasonManual, "flagged once", entrystore.ActionReview)
	if err != nil || !first.Created {
		t.Fatalf("expected first flag to be created: %+v err=%v", first, err)
	}

	second, err := FlagForReview(ctx, db, id, entrystore.ReasonManual, "flagged twice", entrystore.ActionReview)
	if err != nil {
		t.Fatalf("second flag: %v", err)
	}
	if second.Created {
		t.Fatalf("expected second flag to reuse the pending row, got %+v", second)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same review id, got %d vs %d", first.ID, second.ID)
	}
}

func TestReviewRetireFlow(t *testing.T) {
	db, _, store := newTestDB(t)
	ctx := context.Background()

	res, err := store.StoreEntries(ctx, []entrystore.NewEntry{
		{Type: entrystore.TypeFact, Subject: "x", Content: "an entry that will be retired via review", Expiry: entrystore.ExpiryPermanent, Scope: entrystore.ScopePrivate},
	}, entrystore.StoreOptions{SourceFile: "a.md"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	id := res.IDs[0]

	flag, err := FlagForReview(ctx, db, id, entrystore.ReasonManual, "manual flag", entrystore.ActionRetire)
	if err != nil {
		t.Fatalf("flag: %v", err)
	}

	pending, err := ListPending(ctx, db, 0, nil)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending review, got %d", len(pending))
	}

	if err := RetireReview(ctx, db, store, flag.ID); err != nil {
		t.Fatalf("retire review: %v", err)
	}

	entry, err := store.GetEntry(ctx, id)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if !entry.Retired {
		t.Fatalf("expected entry to be retired after review retire")
	}

	if err := RetireReview(ctx, db, store, flag.ID); err == nil {
		t.Fatalf("expected retiring an already-resolved review to fail")
	}
}

func TestOrphanRelationsCleanedByRulesPass(t *testing.T) {
	db, path, store := newTestDB(t)
	ctx := context.Background()

	res, err := store.StoreEntries(ctx, []entrystore.NewEntry{
		{Type: entrystore.TypeFact, Subject: "a", Content: "first entry in an orphan relation", Expiry: entrystore.ExpiryPermanent, Scope: entrystore.ScopePrivate},
		{Type: entrystore.TypeFact, Subject: "b", Content: "second entry in an orphan relation", Expiry: entrystore.ExpiryPermanent, Scope: entrystore.ScopePrivate},
	}, entrystore.StoreOptions{SourceFile: "a.md"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	if err := store.AddRelation(ctx, entrystore.Relation{SourceID: res.IDs[0], TargetID: res.IDs[1], RelationType: entrystore.RelationRelated}); err != nil {
		t.Fatalf("add relation: %v", err)
	}
	if _, err := store.RetireEntries(ctx, entrystore.RetireOptions{EntryID: res.IDs[1], Reason: "manual"}); err != nil {
		t.Fatalf("retire: %v", err)
	}

	stats, err := ConsolidateRules(ctx, db, path, store, Options{})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if stats.OrphanedRelationsCleaned != 1 {
		t.Fatalf("expected 1 orphan relation cleaned, got %d", stats.OrphanedRelationsCleaned)
	}
}

func TestAgeThresholdScalesWithImportance(t *testing.T) {
	cases := []struct {
		importance int
		want       time.Duration
	}{
		{1, 3 * 24 * time.Hour},
		{2, 3 * 24 * time.Hour},
		{3, 14 * 24 * time.Hour},
		{5, 14 * 24 * time.Hour},
		{6, 60 * 24 * time.Hour},
		{10, 60 * 24 * time.Hour},
	}
	for _, c := range cases {
		if got := ageThreshold(c.importance); got != c.want {
			t.Fatalf("importance %d: got %v, want %v", c.importance, got, c.want)
		}
	}
}

func TestPruneExpiredSkipsRecalledAndFreshEntries(t *testing.T) {
	db, path, store := newTestDB(t)
	ctx := context.Background()

	res, err := store.StoreEntries(ctx, []entrystore.NewEntry{
		{Type: entrystore.TypeFact, Subject: "stale", Content: "low importance old entry", Importance: 1, Expiry: entrystore.ExpiryTemporary, Scope: entrystore.ScopePrivate},
		{Type: entrystore.TypeFact, Subject: "fresh", Content: "low importance fresh entry", Importance: 1, Expiry: entrystore.ExpiryTemporary, Scope: entrystore.ScopePrivate},
		{Type: entrystore.TypeFact, Subject: "recalled", Content: "low importance recalled entry", Importance: 1, Expiry: entrystore.ExpiryTemporary, Scope: entrystore.ScopePrivate},
	}, entrystore.StoreOptions{SourceFile: "a.md"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	old := time.Now().UTC().Add(-10 * 24 * time.Hour)
	if _, err := db.Exec(`UPDATE entries SET created_at = ? WHERE id = ?`, old, res.IDs[0]); err != nil {
		t.Fatalf("backdate stale entry: %v", err)
	}
	if _, err := db.Exec(`UPDATE entries SET created_at = ?, recall_count = 1 WHERE id = ?`, old, res.IDs[2]); err != nil {
		t.Fatalf("backdate+recall recalled entry: %v", err)
	}

	stats, err := ConsolidateRules(ctx, db, path, store, Options{})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if stats.ExpiredCount != 1 {
		t.Fatalf("expected exactly 1 expired entry pruned, got %d", stats.ExpiredCount)
	}

	stale, err := store.GetEntry(ctx, res.IDs[0])
	if err != nil {
		t.Fatalf("get stale entry: %v", err)
	}
	if !stale.Retired {
		t.Fatalf("expected stale entry to be retired")
	}

	fresh, err := store.GetEntry(ctx, res.IDs[1])
	if err != nil {
		t.Fatalf("get fresh entry: %v", err)
	}
	if fresh.Retired {
		t.Fatalf("expected fresh entry to survive pruning")
	}

	recalled, err := store.GetEntry(ctx, res.IDs[2])
	if err != nil {
		t.Fatalf("get recalled entry: %v", err)
	}
	if recalled.Retired {
		t.Fatalf("expected a recalled entry to survive pruning regardless of age")
	}
}

func TestCheckAndFlagLowQualityOnlyFlagsBelowThreshold(t *testing.T) {
	db, _, store := newTestDB(t)
	ctx := context.Background()

	res, err := store.StoreEntries(ctx, []entrystore.NewEntry{
		{Type: entrystore.TypeFact, Subject: "x", Content: "a candidate low quality entry", Expiry: entrystore.ExpiryPermanent, Scope: entrystore.ScopePrivate},
	}, entrystore.StoreOptions{SourceFile: "a.md"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	id := res.IDs[0]

	result, err := CheckAndFlagLowQuality(ctx, db, id, 0.3, 20)
	if err != nil {
		t.Fatalf("check above threshold: %v", err)
	}
	if result.Created {
		t.Fatalf("expected no flag when quality is above threshold")
	}

	result, err = CheckAndFlagLowQuality(ctx, db, id, 0.1, 3)
	if err != nil {
		t.Fatalf("check below recall floor: %v", err)
	}
	if result.Created {
		t.Fatalf("expected no flag when recall count is below the floor")
	}

	result, err = CheckAndFlagLowQuality(ctx, db, id, 0.1, 12)
	if err != nil {
		t.Fatalf("check below both thresholds: %v", err)
	}
	if !result.Created {
		t.Fatalf("expected a flag when quality and recall count both cross their thresholds")
	}
}

func TestDismissReviewRehabilitatesEntry(t *testing.T) {
	db, _, store := newTestDB(t)
	ctx := context.Background()

	res, err := store.StoreEntries(ctx, []entrystore.NewEntry{
		{Type: entrystore.TypeFact, Subject: "x", Content: "a candidate entry for dismissal", Expiry: entrystore.ExpiryPermanent, Scope: entrystore.ScopePrivate},
	}, entrystore.StoreOptions{SourceFile: "a.md"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	id := res.IDs[0]

	if _, err := store.RetireEntries(ctx, entrystore.RetireOptions{EntryID: id, Reason: "manual"}); err != nil {
		t.Fatalf("retire: %v", err)
	}

	flag, err := FlagForReview(ctx, db, id, entrystore.ReasonManual, "flagged for review", entrystore.ActionReview)
	if err != nil {
		t.Fatalf("flag: %v", err)
	}

	if err := DismissReview(ctx, db, store, flag.ID); err != nil {
		t.Fatalf("dismiss review: %v", err)
	}

	entry, err := store.GetEntry(ctx, id)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.Retired {
		t.Fatalf("expected dismiss to rehabilitate the entry")
	}

	if err := DismissReview(ctx, db, store, flag.ID); err == nil {
		t.Fatalf("expected dismissing an already-resolved review to fail")
	}
}

func TestBuildClustersGroupsByCosineSimilarity(t *testing.T) {
	db, _, store := newTestDB(t)
	ctx := context.Background()

	res, err := store.StoreEntries(ctx, []entrystore.NewEntry{
		{Type: entrystore.TypeFact, Subject: "a", Content: "entry about the northern project", Expiry: entrystore.ExpiryPermanent, Scope: entrystore.ScopePrivate},
		{Type: entrystore.TypeFact, Subject: "b", Content: "another entry about the northern project", Expiry: entrystore.ExpiryPermanent, Scope: entrystore.ScopePrivate},
		{Type: entrystore.TypeFact, Subject: "c", Content: "entry about something unrelated entirely", Expiry: entrystore.ExpiryPermanent, Scope: entrystore.ScopePrivate},
	}, entrystore.StoreOptions{SourceFile: "a.md"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	vecs := [][]float32{
		{1, 0, 0},
		{0.99, 0.01, 0},
		{0, 0, 1},
	}
	for i, id := range res.IDs {
		if _, err := db.Exec(`UPDATE entries SET embedding = ? WHERE id = ?`, sqlite.PackVector(vecs[i]), id); err != nil {
			t.Fatalf("set embedding: %v", err)
		}
	}

	clusters, err := BuildClusters(ctx, store, ClusterOptions{
		MinCluster:          2,
		NeighborLimit:       10,
		SimilarityThreshold: 0.9,
	})
	if err != nil {
		t.Fatalf("build clusters: %v", err)
	}
	if len(clusters) != 1 {
		t.Fatalf("expected exactly 1 cluster, got %d: %+v", len(clusters), clusters)
	}
	if len(clusters[0].EntryIDs) != 2 {
		t.Fatalf("expected the cluster to contain the two similar entries, got %v", clusters[0].EntryIDs)
	}
}

func TestRunJudgePassMergesOnHighConfidenceSupersedes(t *testing.T) {
	db, _, store := newTestDB(t)
	ctx := context.Background()
	ids := storeSimilarPair(t, ctx, db, store)

	judge := &fakeJudge{verdict: llmjudge.Verdict{Relation: entrystore.RelationSupersedes, Confidence: 0.9}}
	stats, err := RunJudgePass(ctx, db, store, judge, ClusterOptions{MinCluster: 2, NeighborLimit: 10, SimilarityThreshold: 0.9}, Options{})
	if err != nil {
		t.Fatalf("run judge pass: %v", err)
	}
	if judge.calls != 1 {
		t.Fatalf("expected exactly 1 judge call, got %d", judge.calls)
	}
	if stats.Merged != 1 || stats.Related != 0 || stats.FlaggedForReview != 0 {
		t.Fatalf("expected 1 merge and no relations/flags, got %+v", stats)
	}

	a, err := store.GetEntry(ctx, ids[0])
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	b, err := store.GetEntry(ctx, ids[1])
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if a.Retired == b.Retired {
		t.Fatalf("expected exactly one of the pair to be retired by the merge, a.Retired=%v b.Retired=%v", a.Retired, b.Retired)
	}
}

func TestRunJudgePassAddsRelationOnHighConfidenceRelated(t *testing.T) {
	db, _, store := newTestDB(t)
	ctx := context.Background()
	ids := storeSimilarPair(t, ctx, db, store)

	judge := &fakeJudge{verdict: llmjudge.Verdict{Relation: entrystore.RelationRelated, Confidence: 0.8}}
	stats, err := RunJudgePass(ctx, db, store, judge, ClusterOptions{MinCluster: 2, NeighborLimit: 10, SimilarityThreshold: 0.9}, Options{})
	if err != nil {
		t.Fatalf("run judge pass: %v", err)
	}
	if stats.Related != 1 || stats.Merged != 0 || stats.FlaggedForReview != 0 {
		t.Fatalf("expected 1 relation and no merges/flags, got %+v", stats)
	}

	relsA, err := store.Relations(ctx, ids[0])
	if err != nil {
		t.Fatalf("relations a: %v", err)
	}
	relsB, err := store.Relations(ctx, ids[1])
	if err != nil {
		t.Fatalf("relations b: %v", err)
	}
	if len(relsA) != 1 || len(relsB) != 1 {
		t.Fatalf("expected exactly one relation edge recorded, got a=%v b=%v", relsA, relsB)
	}

	a, err := store.GetEntry(ctx, ids[0])
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	b, err := store.GetEntry(ctx, ids[1])
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if a.Retired || b.Retired {
		t.Fatalf("expected neither entry retired by a related verdict")
	}
}

func TestRunJudgePassFlagsLowConfidenceVerdictForReview(t *testing.T) {
	db, _, store := newTestDB(t)
	ctx := context.Background()
	ids := storeSimilarPair(t, ctx, db, store)

	judge := &fakeJudge{verdict: llmjudge.Verdict{Relation: entrystore.RelationRelated, Confidence: 0.2}}
	stats, err := RunJudgePass(ctx, db, store, judge, ClusterOptions{MinCluster: 2, NeighborLimit: 10, SimilarityThreshold: 0.9}, Options{})
	if err != nil {
		t.Fatalf("run judge pass: %v", err)
	}
	if stats.FlaggedForReview != 1 || stats.Merged != 0 || stats.Related != 0 {
		t.Fatalf("expected 1 flagged-for-review and no merges/relations, got %+v", stats)
	}

	pending, err := ListPending(ctx, db, 0, nil)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Reason != entrystore.ReasonManual {
		t.Fatalf("expected exactly 1 pending manual review, got %+v", pending)
	}

	a, err := store.GetEntry(ctx, ids[0])
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	b, err := store.GetEntry(ctx, ids[1])
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if a.Retired || b.Retired {
		t.Fatalf("expected neither entry retired by a low-confidence verdict")
	}
}
