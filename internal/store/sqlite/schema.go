package sqlite

// schema is applied once, inside migration 1, against a brand-new database.
// Later structural changes live under migrations/ as small, idempotent
// ALTER/CREATE steps so existing databases upgrade in place.
const schema = `
CREATE TABLE IF NOT EXISTS entries (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    subject TEXT NOT NULL,
    content TEXT NOT NULL,
    canonical_key TEXT,
    importance INTEGER NOT NULL DEFAULT 5,
    expiry TEXT NOT NULL DEFAULT 'permanent',
    scope TEXT NOT NULL DEFAULT 'private',
    project TEXT,
    source_file TEXT DEFAULT '',
    source_context TEXT DEFAULT '',
    platform TEXT DEFAULT '',
    tags TEXT NOT NULL DEFAULT '[]',
    embedding BLOB,
    fingerprint TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    recall_count INTEGER NOT NULL DEFAULT 0,
    last_recalled_at DATETIME,
    confirmations INTEGER NOT NULL DEFAULT 0,
    quality_score REAL NOT NULL DEFAULT 1.0,
    retired INTEGER NOT NULL DEFAULT 0,
    CHECK (length(content) >= 20),
    CHECK (length(subject) >= 1),
    CHECK (importance >= 1 AND importance <= 10),
    CHECK (quality_score >= 0 AND quality_score <= 1),
    CHECK (expiry IN ('permanent', 'temporary', 'core')),
    CHECK (scope IN ('private', 'personal', 'public'))
);

CREATE INDEX IF NOT EXISTS idx_entries_fingerprint ON entries(fingerprint);
CREATE INDEX IF NOT EXISTS idx_entries_retired ON entries(retired);
CREATE INDEX IF NOT EXISTS idx_entries_expiry ON entries(expiry);
CREATE INDEX IF NOT EXISTS idx_entries_project ON entries(project);
CREATE INDEX IF NOT EXISTS idx_entries_importance ON entries(importance);

CREATE TABLE IF NOT EXISTS entry_relations (
    source_id TEXT NOT NULL,
    target_id TEXT NOT NULL,
    relation_type TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (source_id, target_id, relation_type),
    CHECK (relation_type IN ('elaborates', 'contradicts', 'supersedes', 'coexists', 'related'))
);

CREATE INDEX IF NOT EXISTS idx_relations_source ON entry_relations(source_id);
CREATE INDEX IF NOT EXISTS idx_relations_target ON entry_relations(target_id);

CREATE TABLE IF NOT EXISTS review_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entry_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    suggested_action TEXT NOT NULL DEFAULT 'review',
    status TEXT NOT NULL DEFAULT 'pending',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    resolved_at DATETIME,
    CHECK (status IN ('pending', 'resolved', 'dismissed'))
);

-- Partial unique index: at most one PENDING row per (entry_id, reason).
CREATE UNIQUE INDEX IF NOT EXISTS idx_review_pending_unique
    ON review_queue(entry_id, reason)
    WHERE status = 'pending';

CREATE INDEX IF NOT EXISTS idx_review_status ON review_queue(status);

CREATE TABLE IF NOT EXISTS signal_watermarks (
    consumer_id TEXT PRIMARY KEY,
    max_seq INTEGER NOT NULL DEFAULT 0
);
`
