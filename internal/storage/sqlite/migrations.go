package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// A migration upgrades a database created by an older schema. Migrations are
// keyed by integer version and applied in ascending order; each records its
// version in schema_version so it runs once. New databases get the full
// schema from schema.go and then record every version as applied.
type migration struct {
	Version int
	Name    string
	Func    func(ctx context.Context, db *sql.DB) error
}

var migrationsList = []migration{
	{1, "baseline", migrateBaseline},
	{2, "close_reason_column", migrateCloseReasonColumn},
	{3, "sync_event_payload", migrateSyncEventPayload},
	{4, "ext_ref_issue_index", migrateExtRefIssueIndex},
}

// RunMigrations applies all pending migrations in version order.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	applied := make(map[int]bool)
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return fmt.Errorf("failed to read schema_version: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return err
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, m := range migrationsList {
		if applied[m.Version] {
			continue
		}
		if err := m.Func(ctx, db); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO schema_version (version) VALUES (?)`, m.Version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// migrateBaseline is a no-op: the baseline schema ships in schema.go.
func migrateBaseline(ctx context.Context, db *sql.DB) error {
	return nil
}

func migrateCloseReasonColumn(ctx context.Context, db *sql.DB) error {
	return addColumnIfMissing(ctx, db, "issues", "close_reason", "TEXT NOT NULL DEFAULT ''")
}

func migrateSyncEventPayload(ctx context.Context, db *sql.DB) error {
	return addColumnIfMissing(ctx, db, "sync_events", "payload", "TEXT NOT NULL DEFAULT ''")
}

func migrateExtRefIssueIndex(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_ext_ref_issue ON ext_ref(issue_id)`)
	return err
}

// addColumnIfMissing tolerates databases created from a schema.go that
// already contains the column.
func addColumnIfMissing(ctx context.Context, db *sql.DB, table, column, definition string) error {
	_, err := db.ExecContext(ctx,
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil && strings.Contains(err.Error(), "duplicate column") {
		return nil
	}
	return err
}
