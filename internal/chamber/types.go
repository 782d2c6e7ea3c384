package chamber

import (
	"fmt"
	"strings"
	"time"
)

// MinExtent is the smallest chamber footprint the registry accepts.
var MinExtent = Vec3i{X: 31, Y: 15, Z: 31}

type Vec3i struct {
	X int
	Y int
	Z int
}

func (v Vec3i) Add(o Vec3i) Vec3i { return Vec3i{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z} }
func (v Vec3i) Sub(o Vec3i) Vec3i { return Vec3i{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z} }

func (v Vec3i) String() string { return fmt.Sprintf("%d,%d,%d", v.X, v.Y, v.Z) }

// ChunkPos addresses a 16x16 column, the unit the host loads and unloads.
type ChunkPos struct {
	X int
	Z int
}

const ChunkSize = 16

func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func ChunkOf(p Vec3i) ChunkPos {
	return ChunkPos{X: FloorDiv(p.X, ChunkSize), Z: FloorDiv(p.Z, ChunkSize)}
}

// ExitPoint is where occupants are sent when the chamber is reset.
type ExitPoint struct {
	Pos   Vec3i
	Yaw   float64
	Pitch float64
}

type Region struct {
	Name  string
	Space string
	Min   Vec3i
	Max   Vec3i

	Interval  time.Duration
	LastReset *time.Time
	CreatedAt time.Time

	Exit         *ExitPoint
	SnapshotPath string
}

func (r Region) Size() Vec3i {
	return Vec3i{X: r.Max.X - r.Min.X + 1, Y: r.Max.Y - r.Min.Y + 1, Z: r.Max.Z - r.Min.Z + 1}
}

func (r Region) Volume() int64 {
	s := r.Size()
	return int64(s.X) * int64(s.Y) * int64(s.Z)
}

func (r Region) Contains(p Vec3i) bool {
	return p.X >= r.Min.X && p.X <= r.Max.X &&
		p.Y >= r.Min.Y && p.Y <= r.Max.Y &&
		p.Z >= r.Min.Z && p.Z <= r.Max.Z
}

func (r Region) Center() Vec3i {
	return Vec3i{
		X: r.Min.X + (r.Max.X-r.Min.X)/2,
		Y: r.Min.Y + (r.Max.Y-r.Min.Y)/2,
		Z: r.Min.Z + (r.Max.Z-r.Min.Z)/2,
	}
}

// NextDue is the instant the next reset is owed. A region never reset counts from creation.
func (r Region) NextDue() time.Time {
	base := r.CreatedAt
	if r.LastReset != nil {
		base = *r.LastReset
	}
	return base.Add(r.Interval)
}

func (r Region) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: region name must not be empty", ErrConfiguration)
	}
	if strings.TrimSpace(r.Space) == "" {
		return fmt.Errorf("%w: region %s has no space", ErrConfiguration, r.Name)
	}
	if r.Min.X > r.Max.X || r.Min.Y > r.Max.Y || r.Min.Z > r.Max.Z {
		return fmt.Errorf("%w: region %s bounds inverted: min=%s max=%s", ErrConfiguration, r.Name, r.Min, r.Max)
	}
	if r.Interval <= 0 {
		return fmt.Errorf("%w: region %s reset interval must be > 0", ErrConfiguration, r.Name)
	}
	return nil
}

// Cell is one captured or live voxel: a block descriptor plus metadata for structured kinds.
type Cell struct {
	Type     string
	Metadata map[string]string
}

type EntityKind int

const (
	EntityItem EntityKind = iota + 1
	EntityHostile
	EntityPassive
)

func (k EntityKind) String() string {
	switch k {
	case EntityItem:
		return "ITEM"
	case EntityHostile:
		return "HOSTILE"
	case EntityPassive:
		return "PASSIVE"
	default:
		return "UNKNOWN"
	}
}

type Occupant struct {
	ID   string
	Name string
	Pos  Vec3i
}

type Entity struct {
	ID   string
	Kind EntityKind
	Pos  Vec3i
}
