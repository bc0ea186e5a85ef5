package sqlite

import (
	"context"
	"database/sql"
	"errors"
)

func setConfig(ctx context.Context, q dbtx, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// getConfig returns "" (not an error) for unset keys.
func getConfig(ctx context.Context, q dbtx, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	return setConfig(ctx, s.db, key, value)
}

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	return getConfig(ctx, s.db, key)
}
