// Package entrystore implements CRUD over knowledge entries, relations,
// sources, the review queue and retirements. The recall, signal and
// consolidation engines go through it for their writes to the entries
// table, except consolidation's expiry pruning, which retires expired
// entries with a direct UPDATE.
package entrystore

import "time"

// Valid entry types.
const (
	TypeFact         = "fact"
	TypeDecision     = "decision"
	TypePreference   = "preference"
	TypeTodo         = "todo"
	TypeRelationship = "relationship"
	TypeEvent        = "event"
	TypeLesson       = "lesson"
)

// Expiry tiers.
const (
	ExpiryPermanent = "permanent"
	ExpiryTemporary = "temporary"
	ExpiryCore      = "core"
)

// Visibility scopes.
const (
	ScopePrivate  = "private"
	ScopePersonal = "personal"
	ScopePublic   = "public"
)

// Relation types.
const (
	RelationElaborates  = "elaborates"
	RelationContradicts = "contradicts"
	RelationSupersedes  = "supersedes"
	RelationCoexists    = "coexists"
	RelationRelated     = "related"
)

// Review reasons and actions.
const (
	ReasonManual     = "manual"
	ReasonStale      = "stale"
	ReasonLowQuality = "low_quality"

	ActionReview = "review"
	ActionRetire = "retire"

	StatusPending   = "pending"
	StatusResolved  = "resolved"
	StatusDismissed = "dismissed"
)

// Entry is the unit of stored knowledge.
type Entry struct {
	ID             string
	RowID          int64
	Type           string
	Subject        string
	Content        string
	CanonicalKey   string
	Importance     int
	Expiry         string
	Scope          string
	Project        string
	SourceFile     string
	SourceContext  string
	Platform       string
	Tags           []string
	Embedding      []float32
	Fingerprint    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	RecallCount    int
	LastRecalledAt *time.Time
	Confirmations  int
	QualityScore   float64
	MergedFrom     int
	ConsolidatedAt *time.Time
	Retired        bool
}

// NewEntry is the shape an adapter or extractor hands to StoreEntries: an
// entry that has not yet been assigned an id, fingerprint or embedding.
type NewEntry struct {
	Type          string
	Subject       string
	Content       string
	CanonicalKey  string
	Importance    int
	Expiry        string
	Scope         string
	Project       string
	SourceContext string
	Platform      string
	Tags          []string
}

// Relation is a directed typed edge between two entries.
type Relation struct {
	SourceID     string
	TargetID     string
	RelationType string
	CreatedAt    time.Time
}

// ReviewItem is a pending/resolved/dismissed human-review row.
type ReviewItem struct {
	ID              int64
	EntryID         string
	Reason          string
	Detail          string
	SuggestedAction string
	Status          string
	CreatedAt       time.Time
	ResolvedAt      *time.Time
}

// EmbedFunc computes dense vectors for a batch of texts. It is an injected
// capability: the store never talks to an embedding provider
// itself.
type EmbedFunc func(texts []string) ([][]float32, error)

// StoreOptions configures StoreEntries.
type StoreOptions struct {
	SourceFile        string
	IngestContentHash string
	Embed             EmbedFunc
	Force             bool
}

// StoreResult reports what StoreEntries did with each candidate.
type StoreResult struct {
	Inserted  int
	Confirmed int
	Skipped   int
	IDs       []string
}

// RetireFilter selects entries to retire by criteria rather than a single id.
type RetireFilter struct {
	Type    string
	Project string
	Before  *time.Time
}

// RetireOptions configures RetireEntries.
type RetireOptions struct {
	EntryID    string
	Filter     *RetireFilter
	Reason     string
	WriteLedger bool
}
