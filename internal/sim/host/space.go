package host

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"chamberkeep.ai/internal/chamber"
	"chamberkeep.ai/internal/protocol"
	"chamberkeep.ai/internal/sim/blocks"
)

type SpaceConfig struct {
	ID       string
	Baseline string
	Spawn    chamber.ExitPoint

	TickRateHz int
	// Owners is the number of execution contexts; RegionChunks is the edge, in chunks,
	// of the square area each owner is handed at a time.
	Owners       int
	RegionChunks int
	// LoadDelay is how long a non-resident chunk takes to become resident.
	LoadDelay time.Duration

	// Generate returns the type of a position never written. Nil means baseline everywhere.
	Generate func(p chamber.Vec3i) string
}

func (c *SpaceConfig) normalize() {
	if c.Baseline == "" {
		c.Baseline = blocks.Air
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = 20
	}
	if c.Owners <= 0 {
		c.Owners = 4
	}
	if c.RegionChunks <= 0 {
		c.RegionChunks = 2
	}
}

type occupant struct {
	chamber.Occupant
	Yaw, Pitch float64
	inbox      []protocol.Notice
}

// Space is an in-process dimension whose chunks are partitioned across owner goroutines.
type Space struct {
	cfg    SpaceConfig
	owners []*owner

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	tick   atomic.Uint64
	tickMu sync.Mutex
	tickCh chan struct{}

	writes atomic.Int64

	mu        sync.Mutex
	resident  map[chamber.ChunkPos]bool
	stalled   map[chamber.ChunkPos]bool
	occupants map[string]*occupant
	entities  map[string]chamber.Entity
	hook      func(p chamber.Vec3i, c chamber.Cell) error
}

func newSpace(cfg SpaceConfig) *Space {
	cfg.normalize()
	s := &Space{
		cfg:       cfg,
		stop:      make(chan struct{}),
		tickCh:    make(chan struct{}),
		resident:  map[chamber.ChunkPos]bool{},
		stalled:   map[chamber.ChunkPos]bool{},
		occupants: map[string]*occupant{},
		entities:  map[string]chamber.Entity{},
	}
	for i := 0; i < cfg.Owners; i++ {
		s.owners = append(s.owners, &owner{
			id:      i,
			space:   s,
			in:      make(chan job, 1024),
			columns: map[chamber.ChunkPos]*column{},
		})
	}
	s.wg.Add(1)
	go s.clock()
	for _, o := range s.owners {
		o := o
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			o.run()
		}()
	}
	return s
}

func (s *Space) clock() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.TickRateHz))
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick.Add(1)
			s.tickMu.Lock()
			close(s.tickCh)
			s.tickCh = make(chan struct{})
			s.tickMu.Unlock()
		}
	}
}

func (s *Space) tickSignal() <-chan struct{} {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	return s.tickCh
}

func (s *Space) close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Space) ID() string       { return s.cfg.ID }
func (s *Space) Baseline() string { return s.cfg.Baseline }

func (s *Space) Spawn() chamber.ExitPoint { return s.cfg.Spawn }

// Tick is the number of quanta elapsed since the space started.
func (s *Space) Tick() uint64 { return s.tick.Load() }

// Writes is the number of cell writes performed since the space started.
func (s *Space) Writes() int64 { return s.writes.Load() }

func (s *Space) generate(p chamber.Vec3i) string {
	if s.cfg.Generate == nil {
		return s.cfg.Baseline
	}
	if t := s.cfg.Generate(p); t != "" {
		return t
	}
	return s.cfg.Baseline
}

func (s *Space) ownerOf(cp chamber.ChunkPos) *owner {
	rx := chamber.FloorDiv(cp.X, s.cfg.RegionChunks)
	rz := chamber.FloorDiv(cp.Z, s.cfg.RegionChunks)
	h := uint64(int64(rx)*73856093) ^ uint64(int64(rz)*19349663)
	return s.owners[h%uint64(len(s.owners))]
}

// OwnerIndex reports which execution context owns p.
func (s *Space) OwnerIndex(p chamber.Vec3i) int {
	return s.ownerOf(chamber.ChunkOf(p)).id
}

// Submit queues task on the owner of at. The task runs on the next tick.
func (s *Space) Submit(at chamber.Vec3i, task chamber.Task) <-chan error {
	resp := make(chan error, 1)
	o := s.ownerOf(chamber.ChunkOf(at))
	select {
	case <-s.stop:
		resp <- chamber.ErrWorldUnavailable
	case o.in <- job{task: task, resp: resp}:
	}
	return resp
}

// Yield returns once the next tick has started.
func (s *Space) Yield(ctx context.Context) error {
	ch := s.tickSignal()
	select {
	case <-ch:
		return nil
	case <-s.stop:
		return chamber.ErrWorldUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Space) EnsureResident(ctx context.Context, cp chamber.ChunkPos) error {
	s.mu.Lock()
	if s.resident[cp] {
		s.mu.Unlock()
		return nil
	}
	stalled := s.stalled[cp]
	s.mu.Unlock()

	var loaded <-chan time.Time
	if !stalled {
		t := time.NewTimer(s.cfg.LoadDelay)
		defer t.Stop()
		loaded = t.C
	}
	select {
	case <-loaded:
		s.markResident(cp)
		return nil
	case <-s.stop:
		return chamber.ErrWorldUnavailable
	case <-ctx.Done():
		return fmt.Errorf("%w: chunk %d,%d not resident: %w", chamber.ErrTimeout, cp.X, cp.Z, ctx.Err())
	}
}

func (s *Space) markResident(cp chamber.ChunkPos) {
	s.mu.Lock()
	if !s.stalled[cp] {
		s.resident[cp] = true
	}
	s.mu.Unlock()
}

// Stall makes cp unloadable until Unstall; EnsureResident blocks until its context ends.
func (s *Space) Stall(cp chamber.ChunkPos) {
	s.mu.Lock()
	s.stalled[cp] = true
	delete(s.resident, cp)
	s.mu.Unlock()
}

func (s *Space) Unstall(cp chamber.ChunkPos) {
	s.mu.Lock()
	delete(s.stalled, cp)
	s.mu.Unlock()
}

// UnloadAll forgets residency; stored cells are kept.
func (s *Space) UnloadAll() {
	s.mu.Lock()
	s.resident = map[chamber.ChunkPos]bool{}
	s.mu.Unlock()
}

func (s *Space) Resident(cp chamber.ChunkPos) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resident[cp]
}

// SetWriteHook installs fn in front of every SetBlock; a non-nil error aborts that write.
func (s *Space) SetWriteHook(fn func(p chamber.Vec3i, c chamber.Cell) error) {
	s.mu.Lock()
	s.hook = fn
	s.mu.Unlock()
}

func (s *Space) writeHook() func(p chamber.Vec3i, c chamber.Cell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hook
}

// Get reads p on its owner and waits for the result.
func (s *Space) Get(ctx context.Context, p chamber.Vec3i) (chamber.Cell, error) {
	var out chamber.Cell
	err := s.wait(ctx, p, func(tx chamber.Tx) error {
		c, err := tx.Block(p)
		out = c
		return err
	})
	return out, err
}

// Put writes c at p on its owner and waits for the result.
func (s *Space) Put(ctx context.Context, p chamber.Vec3i, c chamber.Cell) error {
	return s.wait(ctx, p, func(tx chamber.Tx) error { return tx.SetBlock(p, c) })
}

// Fill writes t into every cell of the box, one task per chunk column.
func (s *Space) Fill(ctx context.Context, min, max chamber.Vec3i, t string) error {
	for cx := chamber.FloorDiv(min.X, chamber.ChunkSize); cx <= chamber.FloorDiv(max.X, chamber.ChunkSize); cx++ {
		for cz := chamber.FloorDiv(min.Z, chamber.ChunkSize); cz <= chamber.FloorDiv(max.Z, chamber.ChunkSize); cz++ {
			x0, x1 := clampSpan(cx, min.X, max.X)
			z0, z1 := clampSpan(cz, min.Z, max.Z)
			err := s.wait(ctx, chamber.Vec3i{X: x0, Y: min.Y, Z: z0}, func(tx chamber.Tx) error {
				for x := x0; x <= x1; x++ {
					for z := z0; z <= z1; z++ {
						for y := min.Y; y <= max.Y; y++ {
							if err := tx.SetBlock(chamber.Vec3i{X: x, Y: y, Z: z}, chamber.Cell{Type: t}); err != nil {
								return err
							}
						}
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func clampSpan(chunk, lo, hi int) (int, int) {
	a := chunk * chamber.ChunkSize
	b := a + chamber.ChunkSize - 1
	if a < lo {
		a = lo
	}
	if b > hi {
		b = hi
	}
	return a, b
}

func (s *Space) wait(ctx context.Context, at chamber.Vec3i, task chamber.Task) error {
	select {
	case err := <-s.Submit(at, task):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Space) AddOccupant(o chamber.Occupant) {
	s.mu.Lock()
	s.occupants[o.ID] = &occupant{Occupant: o}
	s.mu.Unlock()
}

func (s *Space) MoveOccupant(id string, p chamber.Vec3i) {
	s.mu.Lock()
	if oc := s.occupants[id]; oc != nil {
		oc.Pos = p
	}
	s.mu.Unlock()
}

func (s *Space) RemoveOccupant(id string) {
	s.mu.Lock()
	delete(s.occupants, id)
	s.mu.Unlock()
}

func (s *Space) Occupant(id string) (chamber.Occupant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oc, ok := s.occupants[id]
	if !ok {
		return chamber.Occupant{}, false
	}
	return oc.Occupant, true
}

// Inbox returns the notices delivered to occupant id so far.
func (s *Space) Inbox(id string) []protocol.Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	oc, ok := s.occupants[id]
	if !ok {
		return nil
	}
	return append([]protocol.Notice(nil), oc.inbox...)
}

func (s *Space) deliver(id string, n protocol.Notice) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	oc, ok := s.occupants[id]
	if !ok {
		return false
	}
	oc.inbox = append(oc.inbox, n)
	return true
}

func (s *Space) Occupants(min, max chamber.Vec3i) []chamber.Occupant {
	box := chamber.Region{Min: min, Max: max}
	s.mu.Lock()
	out := make([]chamber.Occupant, 0, len(s.occupants))
	for _, oc := range s.occupants {
		if box.Contains(oc.Pos) {
			out = append(out, oc.Occupant)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Space) AddEntity(e chamber.Entity) {
	s.mu.Lock()
	s.entities[e.ID] = e
	s.mu.Unlock()
}

func (s *Space) Entities(min, max chamber.Vec3i) []chamber.Entity {
	box := chamber.Region{Min: min, Max: max}
	s.mu.Lock()
	out := make([]chamber.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if box.Contains(e.Pos) {
			out = append(out, e)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
