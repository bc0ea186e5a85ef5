package sqlite

const schema = `
-- Canonical issues for one owner/name repository
CREATE TABLE IF NOT EXISTS issues (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL CHECK(length(title) <= 500),
    body TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'open',
    issue_type TEXT NOT NULL DEFAULT 'task',
    priority INTEGER NOT NULL DEFAULT 2 CHECK(priority >= 0 AND priority <= 4),
    assignees TEXT NOT NULL DEFAULT '[]',
    milestone_id TEXT,
    epic_id TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    closed_at DATETIME,
    close_reason TEXT NOT NULL DEFAULT '',
    -- closed_at is set if and only if the issue is closed
    CHECK (
        (status = 'closed' AND closed_at IS NOT NULL) OR
        (status != 'closed' AND closed_at IS NULL)
    )
);

CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
CREATE INDEX IF NOT EXISTS idx_issues_milestone ON issues(milestone_id);
CREATE INDEX IF NOT EXISTS idx_issues_epic ON issues(epic_id);

-- Labels (set semantics)
CREATE TABLE IF NOT EXISTS labels (
    issue_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
    label TEXT NOT NULL,
    PRIMARY KEY (issue_id, label)
);

CREATE INDEX IF NOT EXISTS idx_labels_label ON labels(label);

-- Dependency edges; for kind='blocks', from_id must close before to_id is ready
CREATE TABLE IF NOT EXISTS dep_edges (
    from_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
    to_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
    kind TEXT NOT NULL DEFAULT 'blocks',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (from_id, to_id, kind)
);

CREATE INDEX IF NOT EXISTS idx_dep_edges_to ON dep_edges(to_id, kind);

-- External refs: each (upstream, upstream_id) maps to at most one local issue
CREATE TABLE IF NOT EXISTS ext_ref (
    upstream TEXT NOT NULL,
    upstream_id TEXT NOT NULL,
    issue_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
    PRIMARY KEY (upstream, upstream_id)
);

CREATE INDEX IF NOT EXISTS idx_ext_ref_issue ON ext_ref(issue_id);

-- Milestones (external refs kept inline; they never need reverse lookup by ref)
CREATE TABLE IF NOT EXISTS milestones (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT 'open',
    due_on DATETIME,
    external_refs TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Mirrored-comment dedupe map
CREATE TABLE IF NOT EXISTS comment_map (
    issue_id TEXT NOT NULL REFERENCES issues(id) ON DELETE CASCADE,
    upstream TEXT NOT NULL,
    upstream_comment_id TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (issue_id, upstream, upstream_comment_id)
);

-- Append-only sync event ledger
CREATE TABLE IF NOT EXISTS sync_events (
    sequence INTEGER PRIMARY KEY AUTOINCREMENT,
    upstream TEXT NOT NULL,
    direction TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT '',
    delivery_id TEXT NOT NULL DEFAULT '',
    payload_hash TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    idem_key TEXT NOT NULL DEFAULT '',
    outcome TEXT NOT NULL DEFAULT 'pending',
    at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sync_events_key ON sync_events(upstream, idem_key);
CREATE INDEX IF NOT EXISTS idx_sync_events_outcome ON sync_events(outcome);

-- Repo-scoped configuration (context, conflict policy, sync caches)
CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL DEFAULT ''
);

-- Applied migration versions
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
