package host

import (
	"fmt"

	"chamberkeep.ai/internal/chamber"
)

type job struct {
	task chamber.Task
	resp chan error
}

// owner is one execution context. It holds the columns of its chunk regions and runs
// queued tasks once per tick, in submission order.
type owner struct {
	id    int
	space *Space
	in    chan job

	columns map[chamber.ChunkPos]*column
}

func (o *owner) run() {
	s := o.space
	var pending []job
	for {
		select {
		case <-s.stop:
			for _, j := range pending {
				j.resp <- chamber.ErrWorldUnavailable
			}
			for {
				select {
				case j := <-o.in:
					j.resp <- chamber.ErrWorldUnavailable
				default:
					return
				}
			}
		case j := <-o.in:
			pending = append(pending, j)
		case <-s.tickSignal():
			for _, j := range pending {
				j.resp <- o.exec(j.task)
			}
			pending = pending[:0]
		}
	}
}

func (o *owner) exec(task chamber.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("host: task panic: %v", r)
		}
	}()
	return task(&tx{o: o})
}

func (o *owner) column(cp chamber.ChunkPos) *column {
	c := o.columns[cp]
	if c == nil {
		c = newColumn(cp)
		o.columns[cp] = c
	}
	return c
}

// tx is only valid inside the task it was handed to.
type tx struct {
	o *owner
}

func (t *tx) owns(p chamber.Vec3i) error {
	if t.o.space.ownerOf(chamber.ChunkOf(p)) != t.o {
		return fmt.Errorf("%w: %s", chamber.ErrNotOwner, p)
	}
	return nil
}

func (t *tx) Block(p chamber.Vec3i) (chamber.Cell, error) {
	if err := t.owns(p); err != nil {
		return chamber.Cell{}, err
	}
	s := t.o.space
	s.markResident(chamber.ChunkOf(p))
	if c, ok := t.o.column(chamber.ChunkOf(p)).get(p); ok {
		return c, nil
	}
	return chamber.Cell{Type: s.generate(p)}, nil
}

func (t *tx) SetBlock(p chamber.Vec3i, c chamber.Cell) error {
	if err := t.owns(p); err != nil {
		return err
	}
	if c.Type == "" {
		return fmt.Errorf("%w: blank type at %s", chamber.ErrCellWrite, p)
	}
	s := t.o.space
	if hook := s.writeHook(); hook != nil {
		if err := hook(p, c); err != nil {
			return err
		}
	}
	s.markResident(chamber.ChunkOf(p))
	t.o.column(chamber.ChunkOf(p)).set(p, c)
	s.writes.Add(1)
	return nil
}

func (t *tx) Teleport(occupantID string, to chamber.ExitPoint) error {
	s := t.o.space
	s.mu.Lock()
	defer s.mu.Unlock()
	oc, ok := s.occupants[occupantID]
	if !ok {
		return fmt.Errorf("host: unknown occupant %q", occupantID)
	}
	if s.ownerOf(chamber.ChunkOf(oc.Pos)) != t.o {
		return fmt.Errorf("%w: occupant %s at %s", chamber.ErrNotOwner, occupantID, oc.Pos)
	}
	oc.Pos = to.Pos
	oc.Yaw, oc.Pitch = to.Yaw, to.Pitch
	return nil
}

func (t *tx) RemoveEntity(id string) error {
	s := t.o.space
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil
	}
	if s.ownerOf(chamber.ChunkOf(e.Pos)) != t.o {
		return fmt.Errorf("%w: entity %s at %s", chamber.ErrNotOwner, id, e.Pos)
	}
	delete(s.entities, id)
	return nil
}
