package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"chamberkeep.ai/internal/chamber"
)

// Cooldown blocks a player from looting the vault at Pos until Until.
type Cooldown struct {
	Region string
	Player string
	Pos    chamber.Vec3i
	Until  time.Time
}

func (s *Store) SetCooldown(ctx context.Context, c Cooldown) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO loot_cooldowns(region,player,x,y,z,until) VALUES(?,?,?,?,?,?)`,
		c.Region, c.Player, c.Pos.X, c.Pos.Y, c.Pos.Z, formatTime(c.Until))
	return err
}

// OnCooldown reports whether player is still locked out of the vault at pos.
func (s *Store) OnCooldown(ctx context.Context, region, player string, pos chamber.Vec3i) (bool, error) {
	var until string
	err := s.db.QueryRowContext(ctx, `SELECT until FROM loot_cooldowns WHERE region=? AND player=? AND x=? AND y=? AND z=?`,
		region, player, pos.X, pos.Y, pos.Z).Scan(&until)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	t, err := parseTime(until)
	if err != nil {
		return false, err
	}
	return s.now().Before(t), nil
}

// ResetCooldowns forgets every loot cooldown recorded inside region.
func (s *Store) ResetCooldowns(ctx context.Context, region string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM loot_cooldowns WHERE region=?`, region)
	return err
}
