package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chamberkeep.ai/internal/chamber"
	"chamberkeep.ai/internal/chamber/reset"
	"chamberkeep.ai/internal/chamber/restore"
	"chamberkeep.ai/internal/sim/host"
)

type Config struct {
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	WarningSeconds      []int  `yaml:"warning_seconds"`
	EvictTimeoutMS      int    `yaml:"evict_timeout_ms"`
	ClearTimeoutMS      int    `yaml:"clear_timeout_ms"`
	ClearHostiles       bool   `yaml:"clear_hostiles"`
	ResetCooldowns      bool   `yaml:"reset_cooldowns"`
	SnapshotDir         string `yaml:"snapshot_dir"`

	Restore RestoreSpec  `yaml:"restore"`
	Host    HostSpec     `yaml:"host"`
	Spaces  []SpaceSpec  `yaml:"spaces"`
	Regions []RegionSpec `yaml:"regions,omitempty"`
}

type RestoreSpec struct {
	BatchSize          int     `yaml:"batch_size"`
	Parallelism        int     `yaml:"parallelism"`
	ResidencyTimeoutMS int     `yaml:"residency_timeout_ms"`
	BatchesPerSecond   float64 `yaml:"batches_per_second"`
}

type HostSpec struct {
	Journal      bool `yaml:"journal"`
	TickRateHz   int  `yaml:"tick_rate_hz"`
	Owners       int  `yaml:"owners"`
	RegionChunks int  `yaml:"region_chunks"`
	LoadDelayMS  int  `yaml:"load_delay_ms"`
}

type SpaceSpec struct {
	ID       string    `yaml:"id"`
	Baseline string    `yaml:"baseline"`
	Spawn    PointSpec `yaml:"spawn"`
}

type PointSpec struct {
	X     int     `yaml:"x" json:"x"`
	Y     int     `yaml:"y" json:"y"`
	Z     int     `yaml:"z" json:"z"`
	Yaw   float64 `yaml:"yaw,omitempty" json:"yaw,omitempty"`
	Pitch float64 `yaml:"pitch,omitempty" json:"pitch,omitempty"`
}

// RegionSpec seeds the registry; regions already registered keep their stored state.
type RegionSpec struct {
	Name            string     `yaml:"name" json:"name"`
	Space           string     `yaml:"space" json:"space"`
	Min             [3]int     `yaml:"min" json:"min"`
	Max             [3]int     `yaml:"max" json:"max"`
	IntervalSeconds int        `yaml:"interval_seconds" json:"interval_seconds"`
	Exit            *PointSpec `yaml:"exit,omitempty" json:"exit,omitempty"`
	SnapshotPath    string     `yaml:"snapshot_path,omitempty" json:"snapshot_path,omitempty"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("chambers.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("chambers.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		PollIntervalSeconds: 60,
		WarningSeconds:      []int{300, 60, 10},
		EvictTimeoutMS:      5000,
		ClearTimeoutMS:      5000,
		ClearHostiles:       true,
		ResetCooldowns:      true,
		SnapshotDir:         "snapshots",
		Restore: RestoreSpec{
			BatchSize:          restore.DefaultBatchSize,
			Parallelism:        1,
			ResidencyTimeoutMS: 10000,
		},
		Host: HostSpec{
			Journal:      true,
			TickRateHz:   20,
			Owners:       4,
			RegionChunks: 2,
		},
		Spaces: []SpaceSpec{
			{ID: "overworld", Baseline: "minecraft:air", Spawn: PointSpec{X: 0, Y: 80, Z: 0}},
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	if c.Restore.BatchSize <= 0 {
		c.Restore.BatchSize = restore.DefaultBatchSize
	}
	if c.Restore.Parallelism <= 0 {
		c.Restore.Parallelism = 1
	}
	for i := range c.Spaces {
		c.Spaces[i].ID = strings.TrimSpace(c.Spaces[i].ID)
		if strings.TrimSpace(c.Spaces[i].Baseline) == "" {
			c.Spaces[i].Baseline = "minecraft:air"
		}
	}
	for i := range c.Regions {
		c.Regions[i].Name = strings.TrimSpace(c.Regions[i].Name)
		c.Regions[i].Space = strings.TrimSpace(c.Regions[i].Space)
		// Corners may be given in any order.
		for a := 0; a < 3; a++ {
			if c.Regions[i].Min[a] > c.Regions[i].Max[a] {
				c.Regions[i].Min[a], c.Regions[i].Max[a] = c.Regions[i].Max[a], c.Regions[i].Min[a]
			}
		}
	}
	// Largest lead first; duplicates collapse.
	seen := map[int]bool{}
	ws := c.WarningSeconds[:0]
	for _, w := range c.WarningSeconds {
		if !seen[w] {
			seen[w] = true
			ws = append(ws, w)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ws)))
	c.WarningSeconds = ws
}

func (c Config) Validate() error {
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll_interval_seconds must be > 0")
	}
	for _, w := range c.WarningSeconds {
		if w <= 0 {
			return fmt.Errorf("warning_seconds entries must be > 0")
		}
	}
	if c.EvictTimeoutMS <= 0 {
		return fmt.Errorf("evict_timeout_ms must be > 0")
	}
	if c.ClearTimeoutMS <= 0 {
		return fmt.Errorf("clear_timeout_ms must be > 0")
	}
	if strings.TrimSpace(c.SnapshotDir) == "" {
		return fmt.Errorf("snapshot_dir must not be empty")
	}
	if c.Restore.BatchSize < 1 || c.Restore.BatchSize > 100000 {
		return fmt.Errorf("restore.batch_size must be in [1, 100000]")
	}
	if c.Restore.ResidencyTimeoutMS <= 0 {
		return fmt.Errorf("restore.residency_timeout_ms must be > 0")
	}
	if c.Restore.BatchesPerSecond < 0 {
		return fmt.Errorf("restore.batches_per_second must be >= 0")
	}
	if c.Host.TickRateHz <= 0 || c.Host.TickRateHz > 1000 {
		return fmt.Errorf("host.tick_rate_hz must be in [1, 1000]")
	}
	if c.Host.LoadDelayMS < 0 {
		return fmt.Errorf("host.load_delay_ms must be >= 0")
	}
	if len(c.Spaces) == 0 {
		return fmt.Errorf("spaces must not be empty")
	}
	spaces := map[string]bool{}
	for _, s := range c.Spaces {
		if s.ID == "" {
			return fmt.Errorf("space id must not be empty")
		}
		if spaces[s.ID] {
			return fmt.Errorf("duplicate space id: %s", s.ID)
		}
		spaces[s.ID] = true
	}
	names := map[string]bool{}
	for i, r := range c.Regions {
		if r.Name == "" {
			return fmt.Errorf("regions[%d] name must not be empty", i)
		}
		if names[r.Name] {
			return fmt.Errorf("duplicate region name: %s", r.Name)
		}
		names[r.Name] = true
		if !spaces[r.Space] {
			return fmt.Errorf("region %s space %q not found in spaces", r.Name, r.Space)
		}
		if r.IntervalSeconds <= 0 {
			return fmt.Errorf("region %s interval_seconds must be > 0", r.Name)
		}
		if err := CheckExtent(r.Region(time.Time{})); err != nil {
			return err
		}
	}
	return nil
}

// CheckExtent rejects regions smaller than the minimum chamber footprint.
func CheckExtent(r chamber.Region) error {
	s := r.Size()
	if s.X < chamber.MinExtent.X || s.Y < chamber.MinExtent.Y || s.Z < chamber.MinExtent.Z {
		return fmt.Errorf("%w: region %s is %dx%dx%d, minimum is %dx%dx%d", chamber.ErrConfiguration,
			r.Name, s.X, s.Y, s.Z, chamber.MinExtent.X, chamber.MinExtent.Y, chamber.MinExtent.Z)
	}
	return nil
}

func (p PointSpec) ExitPoint() chamber.ExitPoint {
	return chamber.ExitPoint{Pos: chamber.Vec3i{X: p.X, Y: p.Y, Z: p.Z}, Yaw: p.Yaw, Pitch: p.Pitch}
}

// Region converts the yaml entry to a registry region created at createdAt.
func (r RegionSpec) Region(createdAt time.Time) chamber.Region {
	out := chamber.Region{
		Name:         r.Name,
		Space:        r.Space,
		Min:          chamber.Vec3i{X: r.Min[0], Y: r.Min[1], Z: r.Min[2]},
		Max:          chamber.Vec3i{X: r.Max[0], Y: r.Max[1], Z: r.Max[2]},
		Interval:     time.Duration(r.IntervalSeconds) * time.Second,
		CreatedAt:    createdAt,
		SnapshotPath: r.SnapshotPath,
	}
	if r.Exit != nil {
		e := r.Exit.ExitPoint()
		out.Exit = &e
	}
	return out
}

func (c Config) ResetConfig() reset.Config {
	ws := make([]time.Duration, 0, len(c.WarningSeconds))
	for _, s := range c.WarningSeconds {
		ws = append(ws, time.Duration(s)*time.Second)
	}
	return reset.Config{
		PollInterval:   time.Duration(c.PollIntervalSeconds) * time.Second,
		Warnings:       ws,
		EvictTimeout:   time.Duration(c.EvictTimeoutMS) * time.Millisecond,
		ClearTimeout:   time.Duration(c.ClearTimeoutMS) * time.Millisecond,
		ClearHostiles:  c.ClearHostiles,
		ResetCooldowns: c.ResetCooldowns,
		SnapshotDir:    c.SnapshotDir,
	}
}

func (c Config) RestoreConfig() restore.Config {
	return restore.Config{
		BatchSize:        c.Restore.BatchSize,
		Parallelism:      c.Restore.Parallelism,
		ResidencyTimeout: time.Duration(c.Restore.ResidencyTimeoutMS) * time.Millisecond,
		BatchesPerSecond: c.Restore.BatchesPerSecond,
	}
}

func (c Config) HostOptions() host.Options {
	return host.Options{Journal: c.Host.Journal}
}

func (c Config) SpaceConfigs() []host.SpaceConfig {
	out := make([]host.SpaceConfig, 0, len(c.Spaces))
	for _, s := range c.Spaces {
		out = append(out, host.SpaceConfig{
			ID:           s.ID,
			Baseline:     s.Baseline,
			Spawn:        s.Spawn.ExitPoint(),
			TickRateHz:   c.Host.TickRateHz,
			Owners:       c.Host.Owners,
			RegionChunks: c.Host.RegionChunks,
			LoadDelay:    time.Duration(c.Host.LoadDelayMS) * time.Millisecond,
		})
	}
	return out
}
