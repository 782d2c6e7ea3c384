package chamber

import (
	"context"
	"time"

	"chamberkeep.ai/internal/protocol"
)

// Task runs on the execution context that owns the position it was submitted for.
type Task func(tx Tx) error

// Tx is the view a task gets of the cells and actors owned by its context.
// Touching a position owned by another context yields ErrNotOwner.
type Tx interface {
	Block(p Vec3i) (Cell, error)
	SetBlock(p Vec3i, c Cell) error
	Teleport(occupantID string, to ExitPoint) error
	RemoveEntity(id string) error
}

// Space is one simulated dimension. Submit routes a task to the owner of at; the returned
// channel yields the task result exactly once. Yield returns after at least one host
// scheduling quantum has elapsed.
type Space interface {
	ID() string
	Baseline() string
	Spawn() ExitPoint

	Submit(at Vec3i, task Task) <-chan error
	Yield(ctx context.Context) error
	EnsureResident(ctx context.Context, c ChunkPos) error

	Occupants(min, max Vec3i) []Occupant
	Entities(min, max Vec3i) []Entity
}

// OwnerIndexer is implemented by spaces that expose their owner layout. Positions with
// the same index are executed by the same context.
type OwnerIndexer interface {
	OwnerIndex(p Vec3i) int
}

// Capabilities is negotiated once at startup; callers branch on the flags, never probe per call.
type Capabilities struct {
	Journal bool
}

type World interface {
	// Space returns ErrWorldUnavailable when id is unknown or not loaded.
	Space(id string) (Space, error)
	Capabilities() Capabilities
}

// Journal records every write it performs so the change set can be undone later.
type Journal interface {
	SetBlock(tx Tx, p Vec3i, c Cell) error
	Close() error
}

type JournalOpener interface {
	OpenJournal(space, label string) (Journal, error)
}

type Registry interface {
	Regions(ctx context.Context) ([]Region, error)
	// Region returns ErrUnknownRegion when name is not registered.
	Region(ctx context.Context, name string) (Region, error)
	SetLastReset(ctx context.Context, name string, at time.Time) error
	SetSnapshotPath(ctx context.Context, name, path string) error
}

type Messenger interface {
	Broadcast(ctx context.Context, to []Occupant, n protocol.Notice)
}

type CooldownResetter interface {
	ResetCooldowns(ctx context.Context, region string) error
}

// Messengers fans a broadcast out to every member.
type Messengers []Messenger

func (ms Messengers) Broadcast(ctx context.Context, to []Occupant, n protocol.Notice) {
	for _, m := range ms {
		if m != nil {
			m.Broadcast(ctx, to, n)
		}
	}
}
