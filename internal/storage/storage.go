// Package storage provides shared types for the canonical issue store.
//
// The concrete implementation lives in the sqlite sub-package. This package
// holds the interface and value types referenced by both the implementation
// and its consumers (coordinator, syncer, httpapi, cmd/weft).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/weftlabs/weft/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleWrite is returned when an upsert guard's expected updated_at does
// not match the stored row.
var ErrStaleWrite = errors.New("stale write")

// ErrCycle is returned when adding a blocks edge would create a cycle.
var ErrCycle = errors.New("dependency cycle")

// ErrSelfLoop is returned when an edge's endpoints are the same issue.
var ErrSelfLoop = errors.New("self-referential dependency")

// ErrMissingEndpoint is returned when an edge references an unknown issue.
var ErrMissingEndpoint = errors.New("dependency endpoint not found")

// ErrDuplicateRef is returned when an external ref is already bound to a
// different local issue.
var ErrDuplicateRef = errors.New("external ref already mapped")

// Guard carries the caller's expected updated_at for optimistic concurrency.
// The zero Guard is unconditional.
type Guard struct {
	ExpectedUpdatedAt time.Time
}

// Unconditional reports whether the guard skips the stale-write check.
func (g Guard) Unconditional() bool {
	return g.ExpectedUpdatedAt.IsZero()
}

// Storage is the interface satisfied by *sqlite.Store.
//
// All operations observe snapshot isolation. Writes are serialized by the
// enclosing coordinator, so the store never sees concurrent writers.
type Storage interface {
	// Issues
	GetIssue(ctx context.Context, id string) (*types.Issue, error)
	GetIssueByExternalRef(ctx context.Context, upstream, upstreamID string) (*types.Issue, error)
	ListIssues(ctx context.Context, filter types.IssueFilter) ([]*types.Issue, error)
	UpsertIssue(ctx context.Context, issue *types.Issue, guard Guard) error
	CloseIssue(ctx context.Context, id, reason string) error
	DeleteIssue(ctx context.Context, id string) error

	// Dependency edges
	AddEdge(ctx context.Context, edge types.DepEdge) error
	DeleteEdge(ctx context.Context, from, to string, kind types.DepKind) error
	ListEdges(ctx context.Context) ([]types.DepEdge, error)

	// Milestones
	GetMilestone(ctx context.Context, id string) (*types.Milestone, error)
	ListMilestones(ctx context.Context) ([]*types.Milestone, error)
	UpsertMilestone(ctx context.Context, m *types.Milestone) error

	// Comment mappings
	HasCommentMapping(ctx context.Context, issueID, upstream, upstreamCommentID string) (bool, error)
	AddCommentMapping(ctx context.Context, m types.CommentMapping) error

	// Sync event ledger (append-only)
	AppendEvent(ctx context.Context, e *types.SyncEvent) (int64, error)
	ResolveEvent(ctx context.Context, sequence int64, outcome types.EventOutcome) error
	SeenEvent(ctx context.Context, upstream, key string) (bool, error)
	PendingEvents(ctx context.Context) ([]*types.SyncEvent, error)
	TrimEvents(ctx context.Context, olderThan time.Time) (int64, error)

	// Aggregates
	GetStatistics(ctx context.Context) (*types.Statistics, error)

	// Configuration (repo context, conflict policy, sync caches)
	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, error)

	// Transactions wrap any multi-row mutation.
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Close() error
}

// Transaction exposes the subset of storage operations that execute within a
// single database transaction. If the callback returns an error or panics,
// the transaction is rolled back; on nil return it is committed.
type Transaction interface {
	GetIssue(ctx context.Context, id string) (*types.Issue, error)
	GetIssueByExternalRef(ctx context.Context, upstream, upstreamID string) (*types.Issue, error)
	UpsertIssue(ctx context.Context, issue *types.Issue, guard Guard) error
	CloseIssue(ctx context.Context, id, reason string) error

	AddEdge(ctx context.Context, edge types.DepEdge) error
	DeleteEdge(ctx context.Context, from, to string, kind types.DepKind) error

	UpsertMilestone(ctx context.Context, m *types.Milestone) error

	HasCommentMapping(ctx context.Context, issueID, upstream, upstreamCommentID string) (bool, error)
	AddCommentMapping(ctx context.Context, m types.CommentMapping) error

	AppendEvent(ctx context.Context, e *types.SyncEvent) (int64, error)
	ResolveEvent(ctx context.Context, sequence int64, outcome types.EventOutcome) error

	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, error)
}
