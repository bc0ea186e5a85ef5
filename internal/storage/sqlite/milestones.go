package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/types"
)

const milestoneColumns = `id, title, description, state, due_on, external_refs, created_at, updated_at`

func scanMilestone(row interface{ Scan(dest ...any) error }) (*types.Milestone, error) {
	var m types.Milestone
	var dueOn sql.NullTime
	var refsJSON string
	err := row.Scan(&m.ID, &m.Title, &m.Description, &m.State, &dueOn, &refsJSON,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if dueOn.Valid {
		t := dueOn.Time.UTC()
		m.DueOn = &t
	}
	m.ExternalRefs = map[string]string{}
	if refsJSON != "" && refsJSON != "{}" {
		if err := json.Unmarshal([]byte(refsJSON), &m.ExternalRefs); err != nil {
			return nil, fmt.Errorf("corrupt external_refs for milestone %s: %w", m.ID, err)
		}
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

func getMilestone(ctx context.Context, q dbtx, id string) (*types.Milestone, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+milestoneColumns+` FROM milestones WHERE id = ?`, id)
	m, err := scanMilestone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("milestone %s: %w", id, storage.ErrNotFound)
	}
	return m, err
}

func upsertMilestone(ctx context.Context, q dbtx, m *types.Milestone) error {
	if m.ID == "" || m.Title == "" {
		return fmt.Errorf("milestone requires id and title")
	}
	if m.State == "" {
		m.State = types.MilestoneOpen
	}

	now := normTime(time.Now())
	createdAt := normTime(m.CreatedAt)
	if createdAt.IsZero() || createdAt.Unix() <= 0 {
		createdAt = now
	}
	updatedAt := normTime(m.UpdatedAt)
	if updatedAt.IsZero() || updatedAt.Unix() <= 0 {
		updatedAt = now
	}

	refs := m.ExternalRefs
	if refs == nil {
		refs = map[string]string{}
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return err
	}

	var dueOn any
	if m.DueOn != nil {
		dueOn = normTime(*m.DueOn)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO milestones (id, title, description, state, due_on, external_refs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			state = excluded.state,
			due_on = excluded.due_on,
			external_refs = excluded.external_refs,
			updated_at = excluded.updated_at`,
		m.ID, m.Title, m.Description, m.State, dueOn, string(refsJSON), createdAt, updatedAt)
	return err
}

func (s *Store) GetMilestone(ctx context.Context, id string) (*types.Milestone, error) {
	return getMilestone(ctx, s.db, id)
}

func (s *Store) ListMilestones(ctx context.Context) ([]*types.Milestone, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+milestoneColumns+` FROM milestones ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var milestones []*types.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		milestones = append(milestones, m)
	}
	return milestones, rows.Err()
}

func (s *Store) UpsertMilestone(ctx context.Context, m *types.Milestone) error {
	return upsertMilestone(ctx, s.db, m)
}
