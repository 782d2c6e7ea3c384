package registry

import (
	"context"
	"fmt"

	"chamberkeep.ai/internal/chamber"
)

func (s *Store) RecordCycle(ctx context.Context, rec chamber.CycleRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO reset_history(
		cycle_id,region,started_at,finished_at,outcome,evicted,occupants,cleared,cells,written,skipped,cell_errors,error)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Region, formatTime(rec.StartedAt), formatTime(rec.FinishedAt), rec.Outcome,
		rec.Evicted, rec.Occupants, rec.Cleared, rec.Cells, rec.Written, rec.Skipped, rec.CellErrors, rec.Err)
	return err
}

// History returns the newest cycles first. An empty region lists every region.
func (s *Store) History(ctx context.Context, region string, limit int) ([]chamber.CycleRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT cycle_id,region,started_at,finished_at,outcome,
		evicted,occupants,cleared,cells,written,skipped,cell_errors,error
		FROM reset_history WHERE (?='' OR region=?) ORDER BY finished_at DESC, cycle_id LIMIT ?`,
		region, region, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chamber.CycleRecord
	for rows.Next() {
		var (
			rec                chamber.CycleRecord
			started, finished string
		)
		if err := rows.Scan(&rec.ID, &rec.Region, &started, &finished, &rec.Outcome,
			&rec.Evicted, &rec.Occupants, &rec.Cleared, &rec.Cells, &rec.Written, &rec.Skipped,
			&rec.CellErrors, &rec.Err); err != nil {
			return nil, err
		}
		if rec.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("cycle %s started_at: %w", rec.ID, err)
		}
		if rec.FinishedAt, err = parseTime(finished); err != nil {
			return nil, fmt.Errorf("cycle %s finished_at: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
