package sqlite

import (
	"context"

	"github.com/weftlabs/weft/internal/types"
)

// openBlockerExists matches issues with at least one non-closed blocker.
const openBlockerExists = `EXISTS (
	SELECT 1 FROM dep_edges e
	JOIN issues b ON b.id = e.from_id
	WHERE e.to_id = i.id AND e.kind = 'blocks' AND b.status != 'closed'
)`

// GetStatistics computes the aggregate counts in one pass so the stats
// projection is internally consistent.
func (s *Store) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	var stats types.Statistics
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN i.status = 'open' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN i.status = 'in_progress' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN i.status = 'closed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN i.status != 'closed' AND NOT `+openBlockerExists+` THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN i.status != 'closed' AND `+openBlockerExists+` THEN 1 ELSE 0 END), 0)
		FROM issues i`).
		Scan(&stats.TotalIssues, &stats.OpenIssues, &stats.InProgressIssues,
			&stats.ClosedIssues, &stats.ReadyIssues, &stats.BlockedIssues)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
