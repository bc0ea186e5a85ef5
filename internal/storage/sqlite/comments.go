package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/weftlabs/weft/internal/types"
)

func hasCommentMapping(ctx context.Context, q dbtx, issueID, upstream, upstreamCommentID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `
		SELECT 1 FROM comment_map
		WHERE issue_id = ? AND upstream = ? AND upstream_comment_id = ?`,
		issueID, upstream, upstreamCommentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func addCommentMapping(ctx context.Context, q dbtx, m types.CommentMapping) error {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO comment_map (issue_id, upstream, upstream_comment_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(issue_id, upstream, upstream_comment_id) DO NOTHING`,
		m.IssueID, m.Upstream, m.UpstreamCommentID, normTime(createdAt))
	return err
}

func (s *Store) HasCommentMapping(ctx context.Context, issueID, upstream, upstreamCommentID string) (bool, error) {
	return hasCommentMapping(ctx, s.db, issueID, upstream, upstreamCommentID)
}

func (s *Store) AddCommentMapping(ctx context.Context, m types.CommentMapping) error {
	return addCommentMapping(ctx, s.db, m)
}
