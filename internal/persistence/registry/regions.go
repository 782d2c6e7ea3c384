package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chamberkeep.ai/internal/chamber"
)

const regionCols = `name,space,min_x,min_y,min_z,max_x,max_y,max_z,interval_ms,last_reset,created_at,
	exit_x,exit_y,exit_z,exit_yaw,exit_pitch,snapshot_path`

type scanner interface {
	Scan(dest ...any) error
}

func scanRegion(row scanner) (chamber.Region, error) {
	var (
		r          chamber.Region
		intervalMS int64
		lastReset  sql.NullString
		createdAt  string
		ex, ey, ez sql.NullInt64
		yaw, pitch sql.NullFloat64
	)
	if err := row.Scan(&r.Name, &r.Space,
		&r.Min.X, &r.Min.Y, &r.Min.Z, &r.Max.X, &r.Max.Y, &r.Max.Z,
		&intervalMS, &lastReset, &createdAt,
		&ex, &ey, &ez, &yaw, &pitch, &r.SnapshotPath); err != nil {
		return r, err
	}
	r.Interval = time.Duration(intervalMS) * time.Millisecond
	ca, err := parseTime(createdAt)
	if err != nil {
		return r, fmt.Errorf("region %s created_at: %w", r.Name, err)
	}
	r.CreatedAt = ca
	if lastReset.Valid {
		lr, err := parseTime(lastReset.String)
		if err != nil {
			return r, fmt.Errorf("region %s last_reset: %w", r.Name, err)
		}
		r.LastReset = &lr
	}
	if ex.Valid && ey.Valid && ez.Valid {
		r.Exit = &chamber.ExitPoint{
			Pos:   chamber.Vec3i{X: int(ex.Int64), Y: int(ey.Int64), Z: int(ez.Int64)},
			Yaw:   yaw.Float64,
			Pitch: pitch.Float64,
		}
	}
	return r, nil
}

func (s *Store) Regions(ctx context.Context) ([]chamber.Region, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+regionCols+` FROM regions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chamber.Region
	for rows.Next() {
		r, err := scanRegion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Region(ctx context.Context, name string) (chamber.Region, error) {
	r, err := scanRegion(s.db.QueryRowContext(ctx, `SELECT `+regionCols+` FROM regions WHERE name=?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: %s", chamber.ErrUnknownRegion, name)
	}
	return r, err
}

// Upsert validates and stores r. An existing row keeps its last_reset and created_at
// unless r carries them.
func (s *Store) Upsert(ctx context.Context, r chamber.Region) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	var lastReset any
	if r.LastReset != nil {
		lastReset = formatTime(*r.LastReset)
	}
	var ex, ey, ez, yaw, pitch any
	if r.Exit != nil {
		ex, ey, ez = r.Exit.Pos.X, r.Exit.Pos.Y, r.Exit.Pos.Z
		yaw, pitch = r.Exit.Yaw, r.Exit.Pitch
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO regions(`+regionCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			space=excluded.space,
			min_x=excluded.min_x, min_y=excluded.min_y, min_z=excluded.min_z,
			max_x=excluded.max_x, max_y=excluded.max_y, max_z=excluded.max_z,
			interval_ms=excluded.interval_ms,
			last_reset=COALESCE(excluded.last_reset, regions.last_reset),
			exit_x=excluded.exit_x, exit_y=excluded.exit_y, exit_z=excluded.exit_z,
			exit_yaw=excluded.exit_yaw, exit_pitch=excluded.exit_pitch,
			snapshot_path=CASE WHEN excluded.snapshot_path='' THEN regions.snapshot_path ELSE excluded.snapshot_path END`,
		r.Name, r.Space, r.Min.X, r.Min.Y, r.Min.Z, r.Max.X, r.Max.Y, r.Max.Z,
		r.Interval.Milliseconds(), lastReset, formatTime(r.CreatedAt),
		ex, ey, ez, yaw, pitch, r.SnapshotPath)
	return err
}

// Seed inserts regions that are not registered yet; stored rows win.
func (s *Store) Seed(ctx context.Context, regions []chamber.Region) (int, error) {
	n := 0
	for _, r := range regions {
		if _, err := s.Region(ctx, r.Name); err == nil {
			continue
		} else if !errors.Is(err, chamber.ErrUnknownRegion) {
			return n, err
		}
		if err := s.Upsert(ctx, r); err != nil {
			return n, fmt.Errorf("seed %s: %w", r.Name, err)
		}
		n++
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM regions WHERE name=?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", chamber.ErrUnknownRegion, name)
	}
	return nil
}

func (s *Store) SetLastReset(ctx context.Context, name string, at time.Time) error {
	return s.updateOne(ctx, name, `UPDATE regions SET last_reset=? WHERE name=?`, formatTime(at), name)
}

func (s *Store) SetSnapshotPath(ctx context.Context, name, path string) error {
	return s.updateOne(ctx, name, `UPDATE regions SET snapshot_path=? WHERE name=?`, path, name)
}

func (s *Store) updateOne(ctx context.Context, name, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", chamber.ErrUnknownRegion, name)
	}
	return nil
}
