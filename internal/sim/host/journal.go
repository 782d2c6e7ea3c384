package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"chamberkeep.ai/internal/chamber"
)

var ErrJournalClosed = errors.New("host: journal closed")

// Journal records the prior state of every cell it writes so the change set can be undone.
type Journal struct {
	label string
	space *Space
	hook  func(p chamber.Vec3i) error

	mu     sync.Mutex
	closed bool
	prior  map[chamber.Vec3i]chamber.Cell
	order  []chamber.Vec3i
}

func (h *Host) OpenJournal(spaceID, label string) (chamber.Journal, error) {
	if !h.opts.Journal {
		return nil, errors.New("host: journals not enabled")
	}
	s, err := h.Lookup(spaceID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	j := &Journal{
		label: label,
		space: s,
		hook:  h.jhook,
		prior: map[chamber.Vec3i]chamber.Cell{},
	}
	h.journals[label] = j
	return j, nil
}

// SetJournalHook installs fn in front of every journaled write of journals opened later.
func (h *Host) SetJournalHook(fn func(p chamber.Vec3i) error) {
	h.mu.Lock()
	h.jhook = fn
	h.mu.Unlock()
}

// Journal returns the last journal opened under label.
func (h *Host) Journal(label string) (*Journal, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	j, ok := h.journals[label]
	return j, ok
}

func (j *Journal) Label() string { return j.label }

func (j *Journal) SetBlock(tx chamber.Tx, p chamber.Vec3i, c chamber.Cell) error {
	if j.hook != nil {
		if err := j.hook(p); err != nil {
			return err
		}
	}
	j.mu.Lock()
	closed := j.closed
	_, seen := j.prior[p]
	j.mu.Unlock()
	if closed {
		return ErrJournalClosed
	}
	if !seen {
		prev, err := tx.Block(p)
		if err != nil {
			return err
		}
		j.mu.Lock()
		if _, ok := j.prior[p]; !ok {
			j.prior[p] = prev
			j.order = append(j.order, p)
		}
		j.mu.Unlock()
	}
	return tx.SetBlock(p, c)
}

func (j *Journal) Close() error {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
	return nil
}

// Len is the number of distinct cells recorded.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.order)
}

// Undo writes every recorded cell back to its prior state, one task per chunk column.
func (j *Journal) Undo(ctx context.Context) error {
	j.mu.Lock()
	byColumn := map[chamber.ChunkPos][]chamber.Vec3i{}
	var cols []chamber.ChunkPos
	for _, p := range j.order {
		cp := chamber.ChunkOf(p)
		if _, ok := byColumn[cp]; !ok {
			cols = append(cols, cp)
		}
		byColumn[cp] = append(byColumn[cp], p)
	}
	prior := make(map[chamber.Vec3i]chamber.Cell, len(j.prior))
	for p, c := range j.prior {
		prior[p] = c
	}
	j.mu.Unlock()

	for _, cp := range cols {
		ps := byColumn[cp]
		err := j.space.wait(ctx, ps[0], func(tx chamber.Tx) error {
			for _, p := range ps {
				if err := tx.SetBlock(p, prior[p]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("undo %s: %w", j.label, err)
		}
	}
	return nil
}
