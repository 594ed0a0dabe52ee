// Package recall implements agenr's hybrid retrieval engine: scored
// text/context queries, the two-tier session-start recall, and the
// since-seq incremental stream.
package recall

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/agenr-dev/agenr/internal/config"
	"github.com/agenr-dev/agenr/internal/embedcache"
	"github.com/agenr-dev/agenr/internal/entrystore"
)

// Weights controls the blend of the hybrid score. Defaults bias heavily
// toward vector similarity.
type Weights struct {
	Vector     float64
	Keyword    float64
	Recency    float64
	Importance float64
}

// DefaultWeights returns the configured (or built-in default) weighting.
func DefaultWeights() Weights {
	w := Weights{
		Vector:     config.GetFloat64("recall.weights.vector"),
		Keyword:    config.GetFloat64("recall.weights.keyword"),
		Recency:    config.GetFloat64("recall.weights.recency"),
		Importance: config.GetFloat64("recall.weights.importance"),
	}
	if w.Vector == 0 && w.Keyword == 0 && w.Recency == 0 && w.Importance == 0 {
		return Weights{Vector: 0.6, Keyword: 0.15, Recency: 0.15, Importance: 0.1}
	}
	return w
}

// Query is a recall request.
type Query struct {
	Text     string
	Context  string // "session-start" triggers the two-tier pass
	Limit    int
	NoUpdate bool
	SinceSeq *int64
	Project  string
}

// Item is one scored or streamed recall result.
type Item struct {
	Entry    entrystore.Entry
	Score    float64
	Category string // "core" | "non-core", set only for session-start recall
}

// Response is what Recall returns.
type Response struct {
	Items      []Item
	BudgetUsed int
	NoNewSince *int64 // set when SinceSeq yielded nothing
}

const sessionStart = "session-start"

// Engine serves recall queries against a single store.
type Engine struct {
	store   *entrystore.Store
	embed   entrystore.EmbedFunc
	cache   *embedcache.Cache
	weights Weights
}

// New builds a recall engine. embed and cache may be nil if Text-based
// queries will never be issued (e.g. a since-seq-only consumer).
func New(store *entrystore.Store, embed entrystore.EmbedFunc, cache *embedcache.Cache) *Engine {
	return &Engine{store: store, embed: embed, cache: cache, weights: DefaultWeights()}
}

// Recall serves one query, dispatching to the since-seq, session-start, or
// scored path.
func (e *Engine) Recall(ctx context.Context, q Query) (*Response, error) {
	if q.SinceSeq != nil {
		return e.recallSinceSeq(ctx, *q.SinceSeq, q)
	}
	if q.Context == sessionStart {
		return e.recallSessionStart(ctx, q)
	}
	return e.recallScored(ctx, q)
}

func (e *Engine) projectFilter(q Query) []string {
	if q.Project == "*" {
		return nil
	}
	if q.Project != "" {
		return []string{strings.ToLower(q.Project)}
	}
	return config.ProjectScope()
}

func (e *Engine) recallSinceSeq(ctx context.Context, since int64, q Query) (*Response, error) {
	entries, err := e.store.ListEntries(ctx, entrystore.ListFilter{ExcludeRetired: true})
	if err != nil {
		return nil, fmt.Errorf("recall: list for since_seq: %w", err)
	}

	var items []Item
	for _, en := range entries {
		if en.RowID > since {
			items = append(items, Item{Entry: en, Score: 0})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Entry.RowID < items[j].Entry.RowID })

	if q.Limit > 0 && len(items) > q.Limit {
		items = items[:q.Limit]
	}

	if len(items) == 0 {
		return &Response{NoNewSince: &since}, nil
	}

	if !q.NoUpdate {
		if err := e.bumpRecallStats(ctx, items); err != nil {
			return nil, err
		}
	}
	return &Response{Items: items}, nil
}

func (e *Engine) recallSessionStart(ctx context.Context, q Query) (*Response, error) {
	coreResp, err := e.scoreEntries(ctx, q.Text, entrystore.ListFilter{
		ExcludeRetired: true,
		Project:        e.projectFilter(q),
	}, 0, func(en entrystore.Entry) bool { return en.Expiry == entrystore.ExpiryCore })
	if err != nil {
		return nil, fmt.Errorf("recall: core tier: %w", err)
	}
	for i := range coreResp {
		coreResp[i].Category = "core"
	}

	nonCoreLimit := config.GetInt("recall.non-core-limit")
	if nonCoreLimit <= 0 {
		nonCoreLimit = 10
	}
	nonCoreResp, err := e.scoreEntries(ctx, q.Text, entrystore.ListFilter{
		ExcludeRetired: true,
		Project:        e.projectFilter(q),
	}, nonCoreLimit, func(en entrystore.Entry) bool { return en.Expiry != entrystore.ExpiryCore })
	if err != nil {
		return nil, fmt.Errorf("recall: non-core tier: %w", err)
	}
	for i := range nonCoreResp {
		nonCoreResp[i].Category = "non-core"
	}

	all := append(coreResp, nonCoreResp...)

	budgetUsed := 0
	for _, it := range all {
		budgetUsed += len(it.Entry.Content)
	}

	if !q.NoUpdate && len(all) > 0 {
		if err := e.bumpRecallStats(ctx, all); err != nil {
			return nil, err
		}
	}

	return &Response{Items: all, BudgetUsed: budgetUsed}, nil
}

func (e *Engine) recallScored(ctx context.Context, q Query) (*Response, error) {
	items, err := e.scoreEntries(ctx, q.Text, entrystore.ListFilter{
		ExcludeRetired: true,
		Project:        e.projectFilter(q),
	}, q.Limit, nil)
	if err != nil {
		return nil, err
	}

	if !q.NoUpdate && len(items) > 0 {
		if err := e.bumpRecallStats(ctx, items); err != nil {
			return nil, err
		}
	}
	return &Response{Items: items}, nil
}

// scoreEntries lists entries matching filter (optionally further restricted
// by keep), scores them against text when text is non-empty, sorts
// descending, and truncates to limit (limit <= 0 means unbounded — used for
// the core tier, which is always returned in full).
func (e *Engine) scoreEntries(ctx context.Context, text string, filter entrystore.ListFilter, limit int, keep func(entrystore.Entry) bool) ([]Item, error) {
	entries, err := e.store.ListEntries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("recall: list entries: %w", err)
	}

	var queryVec []float32
	var queryTokens map[string]bool
	if text != "" {
		queryTokens = tokenSet(text)
		if e.embed != nil {
			queryVec, err = e.embedOne(text)
			if err != nil {
				return nil, fmt.Errorf("recall: embed query: %w", err)
			}
		}
	}

	now := time.Now()
	var items []Item
	for _, en := range entries {
		if keep != nil && !keep(en) {
			continue
		}
		score := 0.0
		if text != "" {
			score = e.score(en, queryVec, queryTokens, now)
		} else {
			score = e.weights.Importance*float64(en.Importance)/10 + e.weights.Recency*recencyDecay(en.CreatedAt, now)
		}
		items = append(items, Item{Entry: en, Score: score})
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (e *Engine) embedOne(text string) ([]float32, error) {
	if e.cache != nil {
		if vec, ok := e.cache.Get(text); ok {
			return vec, nil
		}
	}
	vecs, err := e.embed([]string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("recall: embed returned no vectors")
	}
	if e.cache != nil {
		e.cache.Set(text, vecs[0])
	}
	return vecs[0], nil
}

func (e *Engine) score(en entrystore.Entry, queryVec []float32, queryTokens map[string]bool, now time.Time) float64 {
	var cos float64
	if queryVec != nil && en.Embedding != nil {
		cos = cosine(queryVec, en.Embedding)
	}
	kw := jaccard(queryTokens, tokenSet(en.Subject+" "+en.Content))
	rec := recencyDecay(en.CreatedAt, now)
	imp := float64(en.Importance) / 10

	return e.weights.Vector*cos + e.weights.Keyword*kw + e.weights.Recency*rec + e.weights.Importance*imp
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		af, bf := float64(a[i]), float64(b[i])
		dot += af * bf
		magA += af * af
		magB += bf * bf
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

func tokenSet(s string) map[string]bool {
	tokens := tokenRe.FindAllString(strings.ToLower(s), -1)
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

// jaccard computes the token-set Jaccard similarity |a ∩ b| / |a ∪ b|.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// recencyDecay halves an entry's recency contribution every 14 days.
const recencyHalfLife = 14 * 24 * time.Hour

func recencyDecay(createdAt, now time.Time) float64 {
	age := now.Sub(createdAt)
	if age < 0 {
		age = 0
	}
	return math.Exp(-math.Ln2 * float64(age) / float64(recencyHalfLife))
}

func (e *Engine) bumpRecallStats(ctx context.Context, items []Item) error {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.Entry.ID
	}
	return e.store.UpdateRecallStats(ctx, ids)
}
