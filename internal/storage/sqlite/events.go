package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/weftlabs/weft/internal/types"
)

const eventColumns = `sequence, upstream, direction, kind, delivery_id, payload_hash, payload, outcome, at`

func scanEvent(row interface{ Scan(dest ...any) error }) (*types.SyncEvent, error) {
	var e types.SyncEvent
	err := row.Scan(&e.Sequence, &e.Upstream, &e.Direction, &e.Kind,
		&e.DeliveryID, &e.PayloadHash, &e.Payload, &e.Outcome, &e.At)
	if err != nil {
		return nil, err
	}
	e.At = e.At.UTC()
	return &e, nil
}

// appendEvent appends one ledger entry and returns its sequence number.
// The ledger is append-only; only the outcome column is ever updated.
func appendEvent(ctx context.Context, q dbtx, e *types.SyncEvent) (int64, error) {
	if e.Outcome == "" {
		e.Outcome = types.OutcomePending
	}
	at := normTime(e.At)
	if at.IsZero() || at.Unix() <= 0 {
		at = normTime(time.Now())
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO sync_events (upstream, direction, kind, delivery_id, payload_hash, payload, idem_key, outcome, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Upstream, e.Direction, e.Kind, e.DeliveryID, e.PayloadHash, e.Payload,
		e.IdempotencyKey(), e.Outcome, at)
	if err != nil {
		return 0, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.Sequence = seq
	e.At = at
	return seq, nil
}

func resolveEvent(ctx context.Context, q dbtx, sequence int64, outcome types.EventOutcome) error {
	_, err := q.ExecContext(ctx,
		`UPDATE sync_events SET outcome = ? WHERE sequence = ?`, outcome, sequence)
	return err
}

// seenEvent reports whether an event with the given idempotency key has
// already been accepted. Entries recorded as duplicates of an earlier
// delivery do not count, and neither do failed applies: an upstream
// redelivery is the retry path for those.
func seenEvent(ctx context.Context, q dbtx, upstream, key string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `
		SELECT 1 FROM sync_events
		WHERE upstream = ? AND idem_key = ? AND outcome NOT IN ('duplicate', 'failed')
		LIMIT 1`, upstream, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *types.SyncEvent) (int64, error) {
	return appendEvent(ctx, s.db, e)
}

func (s *Store) ResolveEvent(ctx context.Context, sequence int64, outcome types.EventOutcome) error {
	return resolveEvent(ctx, s.db, sequence, outcome)
}

func (s *Store) SeenEvent(ctx context.Context, upstream, key string) (bool, error) {
	return seenEvent(ctx, s.db, upstream, key)
}

// PendingEvents returns ledger entries that were accepted but not resolved,
// oldest first. Coordinator attach replays these for crash recovery.
func (s *Store) PendingEvents(ctx context.Context) ([]*types.SyncEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM sync_events WHERE outcome = 'pending' ORDER BY sequence`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var events []*types.SyncEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// TrimEvents applies the ledger retention policy, deleting resolved entries
// older than the cutoff. Pending entries are never trimmed.
func (s *Store) TrimEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_events WHERE at < ? AND outcome != 'pending'`, normTime(olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
