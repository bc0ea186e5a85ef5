package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/weftlabs/weft/internal/storage"
	"github.com/weftlabs/weft/internal/types"
)

// addEdge inserts a dependency edge after checking the graph invariants:
// no self-loops, both endpoints present, and no cycle in the blocks subgraph.
func addEdge(ctx context.Context, q dbtx, edge types.DepEdge) error {
	if !edge.Kind.IsValid() {
		return fmt.Errorf("invalid dependency kind: %s", edge.Kind)
	}
	if edge.From == edge.To {
		return fmt.Errorf("%s -> %s: %w", edge.From, edge.To, storage.ErrSelfLoop)
	}
	for _, id := range []string{edge.From, edge.To} {
		var one int
		err := q.QueryRowContext(ctx, `SELECT 1 FROM issues WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("issue %s: %w", id, storage.ErrMissingEndpoint)
		}
		if err != nil {
			return err
		}
	}

	if edge.Kind.AffectsReady() {
		cyclic, err := wouldCycle(ctx, q, edge.From, edge.To)
		if err != nil {
			return err
		}
		if cyclic {
			return fmt.Errorf("%s -> %s: %w", edge.From, edge.To, storage.ErrCycle)
		}
	}

	createdAt := edge.CreatedAt
	if createdAt.IsZero() {
		createdAt = normTime(time.Now())
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO dep_edges (from_id, to_id, kind, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(from_id, to_id, kind) DO NOTHING`,
		edge.From, edge.To, edge.Kind, normTime(createdAt))
	return err
}

// wouldCycle reports whether inserting blocks(from, to) would close a cycle,
// i.e. whether from is already reachable from to along blocks edges.
func wouldCycle(ctx context.Context, q dbtx, from, to string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `
		WITH RECURSIVE reach(id) AS (
			SELECT ?
			UNION
			SELECT e.to_id FROM dep_edges e JOIN reach r ON e.from_id = r.id
			WHERE e.kind = 'blocks'
		)
		SELECT 1 FROM reach WHERE id = ?`, to, from).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// deleteEdge is idempotent.
func deleteEdge(ctx context.Context, q dbtx, from, to string, kind types.DepKind) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM dep_edges WHERE from_id = ? AND to_id = ? AND kind = ?`, from, to, kind)
	return err
}

func listEdges(ctx context.Context, q dbtx) ([]types.DepEdge, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT from_id, to_id, kind, created_at FROM dep_edges ORDER BY created_at, from_id, to_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var edges []types.DepEdge
	for rows.Next() {
		var e types.DepEdge
		if err := rows.Scan(&e.From, &e.To, &e.Kind, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *Store) AddEdge(ctx context.Context, edge types.DepEdge) error {
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.AddEdge(ctx, edge)
	})
}

func (s *Store) DeleteEdge(ctx context.Context, from, to string, kind types.DepKind) error {
	return deleteEdge(ctx, s.db, from, to, kind)
}

func (s *Store) ListEdges(ctx context.Context) ([]types.DepEdge, error) {
	return listEdges(ctx, s.db)
}
