package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/types"
)

const issueColumns = `id, title, body, status, issue_type, priority, assignees,
	milestone_id, epic_id, created_at, updated_at, closed_at, close_reason`

// normTime converts timestamps to UTC at millisecond precision, matching
// what the driver round-trips. Guard comparisons rely on this.
func normTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func scanIssue(row interface{ Scan(dest ...any) error }) (*types.Issue, error) {
	var i types.Issue
	var assigneesJSON string
	var milestone, epic sql.NullString
	var closedAt sql.NullTime
	err := row.Scan(&i.ID, &i.Title, &i.Body, &i.Status, &i.IssueType, &i.Priority,
		&assigneesJSON, &milestone, &epic, &i.CreatedAt, &i.UpdatedAt, &closedAt, &i.CloseReason)
	if err != nil {
		return nil, err
	}
	if assigneesJSON != "" && assigneesJSON != "[]" {
		if err := json.Unmarshal([]byte(assigneesJSON), &i.Assignees); err != nil {
			return nil, fmt.Errorf("corrupt assignees for %s: %w", i.ID, err)
		}
	}
	i.MilestoneID = milestone.String
	i.EpicID = epic.String
	if closedAt.Valid {
		t := closedAt.Time
		i.ClosedAt = &t
	}
	i.CreatedAt = i.CreatedAt.UTC()
	i.UpdatedAt = i.UpdatedAt.UTC()
	i.ExternalRefs = map[string]string{}
	return &i, nil
}

func getIssue(ctx context.Context, q dbtx, id string) (*types.Issue, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
	issue, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := hydrateIssues(ctx, q, []*types.Issue{issue}); err != nil {
		return nil, err
	}
	return issue, nil
}

func getIssueByExternalRef(ctx context.Context, q dbtx, upstream, upstreamID string) (*types.Issue, error) {
	var id string
	err := q.QueryRowContext(ctx,
		`SELECT issue_id FROM ext_ref WHERE upstream = ? AND upstream_id = ?`,
		upstream, upstreamID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s:%s: %w", upstream, upstreamID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return getIssue(ctx, q, id)
}

// hydrateIssues fills labels and external refs with one query each.
func hydrateIssues(ctx context.Context, q dbtx, issues []*types.Issue) error {
	if len(issues) == 0 {
		return nil
	}
	byID := make(map[string]*types.Issue, len(issues))
	placeholders := make([]string, 0, len(issues))
	args := make([]any, 0, len(issues))
	for _, i := range issues {
		byID[i.ID] = i
		placeholders = append(placeholders, "?")
		args = append(args, i.ID)
	}
	in := strings.Join(placeholders, ",")

	rows, err := q.QueryContext(ctx,
		`SELECT issue_id, label FROM labels WHERE issue_id IN (`+in+`) ORDER BY label`, args...)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id, label string
		if err := rows.Scan(&id, &label); err != nil {
			_ = rows.Close()
			return err
		}
		byID[id].Labels = append(byID[id].Labels, label)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	rows, err = q.QueryContext(ctx,
		`SELECT issue_id, upstream, upstream_id FROM ext_ref WHERE issue_id IN (`+in+`)`, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id, upstream, upstreamID string
		if err := rows.Scan(&id, &upstream, &upstreamID); err != nil {
			return err
		}
		byID[id].ExternalRefs[upstream] = upstreamID
	}
	return rows.Err()
}

func listIssues(ctx context.Context, q dbtx, filter types.IssueFilter) ([]*types.Issue, error) {
	whereClauses := []string{"1=1"}
	args := []any{}

	if filter.Status != nil {
		whereClauses = append(whereClauses, "i.status = ?")
		args = append(args, *filter.Status)
	}
	if filter.IssueType != nil {
		whereClauses = append(whereClauses, "i.issue_type = ?")
		args = append(args, *filter.IssueType)
	}
	if filter.Priority != nil {
		whereClauses = append(whereClauses, "i.priority = ?")
		args = append(args, *filter.Priority)
	}
	if filter.Assignee != nil {
		// Matches any position in the ordered list, primary included.
		whereClauses = append(whereClauses, "EXISTS (SELECT 1 FROM json_each(i.assignees) WHERE json_each.value = ?)")
		args = append(args, *filter.Assignee)
	}
	if filter.Milestone != nil {
		whereClauses = append(whereClauses, "i.milestone_id = ?")
		args = append(args, *filter.Milestone)
	}
	if len(filter.LabelsAny) > 0 {
		placeholders := make([]string, len(filter.LabelsAny))
		for n := range filter.LabelsAny {
			placeholders[n] = "?"
			args = append(args, filter.LabelsAny[n])
		}
		whereClauses = append(whereClauses, fmt.Sprintf(
			`EXISTS (SELECT 1 FROM labels WHERE issue_id = i.id AND label IN (%s))`,
			strings.Join(placeholders, ",")))
	}

	query := `SELECT ` + issueColumns + ` FROM issues i WHERE ` +
		strings.Join(whereClauses, " AND ") +
		` ORDER BY i.priority ASC, i.created_at ASC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var issues []*types.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if err := hydrateIssues(ctx, q, issues); err != nil {
		return nil, err
	}
	return issues, nil
}

// upsertIssue inserts or updates one issue row plus its labels and external
// refs. Must run inside a transaction: it issues several statements that have
// to land atomically.
func upsertIssue(ctx context.Context, q dbtx, issue *types.Issue, guard storage.Guard) error {
	issue.SetDefaults()
	if err := issue.Validate(); err != nil {
		return err
	}

	now := normTime(time.Now())
	existing, err := getIssueRowTimes(ctx, q, issue.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if !guard.Unconditional() {
		if existing == nil {
			return fmt.Errorf("issue %s: %w", issue.ID, storage.ErrNotFound)
		}
		if existing.updatedAt.UnixMilli() != normTime(guard.ExpectedUpdatedAt).UnixMilli() {
			return fmt.Errorf("issue %s: %w", issue.ID, storage.ErrStaleWrite)
		}
	}

	createdAt := normTime(issue.CreatedAt)
	if createdAt.IsZero() || createdAt.Unix() <= 0 {
		createdAt = now
	}
	if existing != nil {
		createdAt = existing.createdAt
	}

	// updated_at is server-stamped and monotonic: it never decreases.
	updatedAt := normTime(issue.UpdatedAt)
	if updatedAt.IsZero() || updatedAt.Unix() <= 0 {
		updatedAt = now
	}
	if existing != nil && updatedAt.Before(existing.updatedAt) {
		updatedAt = existing.updatedAt
	}

	assigneesJSON, err := json.Marshal(issue.Assignees)
	if err != nil {
		return err
	}
	if issue.Assignees == nil {
		assigneesJSON = []byte("[]")
	}

	var closedAt any
	if issue.ClosedAt != nil {
		closedAt = normTime(*issue.ClosedAt)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO issues (id, title, body, status, issue_type, priority, assignees,
			milestone_id, epic_id, created_at, updated_at, closed_at, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			status = excluded.status,
			issue_type = excluded.issue_type,
			priority = excluded.priority,
			assignees = excluded.assignees,
			milestone_id = excluded.milestone_id,
			epic_id = excluded.epic_id,
			updated_at = excluded.updated_at,
			closed_at = excluded.closed_at,
			close_reason = excluded.close_reason`,
		issue.ID, issue.Title, issue.Body, issue.Status, issue.IssueType, issue.Priority,
		string(assigneesJSON), nullable(issue.MilestoneID), nullable(issue.EpicID),
		createdAt, updatedAt, closedAt, issue.CloseReason)
	if err != nil {
		return fmt.Errorf("failed to upsert issue %s: %w", issue.ID, err)
	}

	if err := replaceLabels(ctx, q, issue.ID, issue.Labels); err != nil {
		return err
	}
	if err := syncExternalRefs(ctx, q, issue.ID, issue.ExternalRefs); err != nil {
		return err
	}

	issue.CreatedAt = createdAt
	issue.UpdatedAt = updatedAt
	return nil
}

type rowTimes struct {
	createdAt time.Time
	updatedAt time.Time
}

func getIssueRowTimes(ctx context.Context, q dbtx, id string) (*rowTimes, error) {
	var rt rowTimes
	err := q.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM issues WHERE id = ?`, id).
		Scan(&rt.createdAt, &rt.updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("issue %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rt.createdAt = rt.createdAt.UTC()
	rt.updatedAt = rt.updatedAt.UTC()
	return &rt, nil
}

func replaceLabels(ctx context.Context, q dbtx, issueID string, labels []string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM labels WHERE issue_id = ?`, issueID); err != nil {
		return err
	}
	seen := make(map[string]bool, len(labels))
	sorted := make([]string, 0, len(labels))
	for _, l := range labels {
		if l != "" && !seen[l] {
			seen[l] = true
			sorted = append(sorted, l)
		}
	}
	sort.Strings(sorted)
	for _, l := range sorted {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO labels (issue_id, label) VALUES (?, ?)`, issueID, l); err != nil {
			return err
		}
	}
	return nil
}

// syncExternalRefs reconciles the ext_ref rows for one issue with the
// issue's ExternalRefs map, enforcing the one-issue-per-ref invariant.
func syncExternalRefs(ctx context.Context, q dbtx, issueID string, refs map[string]string) error {
	rows, err := q.QueryContext(ctx,
		`SELECT upstream, upstream_id FROM ext_ref WHERE issue_id = ?`, issueID)
	if err != nil {
		return err
	}
	current := map[string]string{}
	for rows.Next() {
		var upstream, upstreamID string
		if err := rows.Scan(&upstream, &upstreamID); err != nil {
			_ = rows.Close()
			return err
		}
		current[upstream] = upstreamID
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for upstream, upstreamID := range refs {
		if current[upstream] == upstreamID {
			continue
		}
		var owner string
		err := q.QueryRowContext(ctx,
			`SELECT issue_id FROM ext_ref WHERE upstream = ? AND upstream_id = ?`,
			upstream, upstreamID).Scan(&owner)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err == nil && owner != issueID {
			return fmt.Errorf("%s:%s already mapped to %s: %w",
				upstream, upstreamID, owner, storage.ErrDuplicateRef)
		}
		if _, err := q.ExecContext(ctx,
			`DELETE FROM ext_ref WHERE issue_id = ? AND upstream = ?`, issueID, upstream); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO ext_ref (upstream, upstream_id, issue_id) VALUES (?, ?, ?)`,
			upstream, upstreamID, issueID); err != nil {
			return err
		}
	}
	for upstream := range current {
		if _, ok := refs[upstream]; !ok {
			if _, err := q.ExecContext(ctx,
				`DELETE FROM ext_ref WHERE issue_id = ? AND upstream = ?`, issueID, upstream); err != nil {
				return err
			}
		}
	}
	return nil
}

// closeIssue is idempotent: closing an already-closed issue is a no-op.
func closeIssue(ctx context.Context, q dbtx, id, reason string) error {
	issue, err := getIssue(ctx, q, id)
	if err != nil {
		return err
	}
	if issue.Status == types.StatusClosed {
		return nil
	}
	now := normTime(time.Now())
	_, err = q.ExecContext(ctx, `
		UPDATE issues SET status = 'closed', closed_at = ?, close_reason = ?, updated_at = ?
		WHERE id = ?`, now, reason, now, id)
	if err != nil {
		return fmt.Errorf("failed to close issue %s: %w", id, err)
	}
	return nil
}

func deleteIssue(ctx context.Context, q dbtx, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM issues WHERE id = ?`, id)
	if err != nil {
		return err
	}
	// Labels, edges, ext refs, and comment mappings cascade.
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("issue %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Storage interface methods (non-transactional entry points).

func (s *Store) GetIssue(ctx context.Context, id string) (*types.Issue, error) {
	return getIssue(ctx, s.db, id)
}

func (s *Store) GetIssueByExternalRef(ctx context.Context, upstream, upstreamID string) (*types.Issue, error) {
	return getIssueByExternalRef(ctx, s.db, upstream, upstreamID)
}

func (s *Store) ListIssues(ctx context.Context, filter types.IssueFilter) ([]*types.Issue, error) {
	return listIssues(ctx, s.db, filter)
}

func (s *Store) UpsertIssue(ctx context.Context, issue *types.Issue, guard storage.Guard) error {
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.UpsertIssue(ctx, issue, guard)
	})
}

func (s *Store) CloseIssue(ctx context.Context, id, reason string) error {
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.CloseIssue(ctx, id, reason)
	})
}

func (s *Store) DeleteIssue(ctx context.Context, id string) error {
	return deleteIssue(ctx, s.db, id)
}
