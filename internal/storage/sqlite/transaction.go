package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/types"
)

// txView implements storage.Transaction over a live *sql.Tx by delegating to
// the same dbtx-based helpers the Store methods use.
type txView struct {
	tx *sql.Tx
}

// RunInTransaction runs fn within a single database transaction. The
// transaction is rolled back if fn returns an error or panics, committed
// otherwise.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&txView{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

func (t *txView) GetIssue(ctx context.Context, id string) (*types.Issue, error) {
	return getIssue(ctx, t.tx, id)
}

func (t *txView) GetIssueByExternalRef(ctx context.Context, upstream, upstreamID string) (*types.Issue, error) {
	return getIssueByExternalRef(ctx, t.tx, upstream, upstreamID)
}

func (t *txView) UpsertIssue(ctx context.Context, issue *types.Issue, guard storage.Guard) error {
	return upsertIssue(ctx, t.tx, issue, guard)
}

func (t *txView) CloseIssue(ctx context.Context, id, reason string) error {
	return closeIssue(ctx, t.tx, id, reason)
}

func (t *txView) AddEdge(ctx context.Context, edge types.DepEdge) error {
	return addEdge(ctx, t.tx, edge)
}

func (t *txView) DeleteEdge(ctx context.Context, from, to string, kind types.DepKind) error {
	return deleteEdge(ctx, t.tx, from, to, kind)
}

func (t *txView) UpsertMilestone(ctx context.Context, m *types.Milestone) error {
	return upsertMilestone(ctx, t.tx, m)
}

func (t *txView) HasCommentMapping(ctx context.Context, issueID, upstream, upstreamCommentID string) (bool, error) {
	return hasCommentMapping(ctx, t.tx, issueID, upstream, upstreamCommentID)
}

func (t *txView) AddCommentMapping(ctx context.Context, m types.CommentMapping) error {
	return addCommentMapping(ctx, t.tx, m)
}

func (t *txView) AppendEvent(ctx context.Context, e *types.SyncEvent) (int64, error) {
	return appendEvent(ctx, t.tx, e)
}

func (t *txView) ResolveEvent(ctx context.Context, sequence int64, outcome types.EventOutcome) error {
	return resolveEvent(ctx, t.tx, sequence, outcome)
}

func (t *txView) SetConfig(ctx context.Context, key, value string) error {
	return setConfig(ctx, t.tx, key, value)
}

func (t *txView) GetConfig(ctx context.Context, key string) (string, error) {
	return getConfig(ctx, t.tx, key)
}
