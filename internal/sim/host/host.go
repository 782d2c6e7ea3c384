// Package host is an in-process world host: spaces whose chunk columns are partitioned
// across owner goroutines, each running submitted tasks once per tick.
package host

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chamberkeep.ai/internal/chamber"
	"chamberkeep.ai/internal/protocol"
)

type Options struct {
	// Journal enables undo journals for writes.
	Journal bool
}

type Host struct {
	opts Options

	mu       sync.Mutex
	spaces   map[string]*Space
	journals map[string]*Journal
	jhook    func(p chamber.Vec3i) error
}

func New(opts Options) *Host {
	return &Host{
		opts:     opts,
		spaces:   map[string]*Space{},
		journals: map[string]*Journal{},
	}
}

// AddSpace starts a space. An existing space with the same id is stopped and replaced.
func (h *Host) AddSpace(cfg SpaceConfig) *Space {
	s := newSpace(cfg)
	h.mu.Lock()
	prev := h.spaces[s.ID()]
	h.spaces[s.ID()] = s
	h.mu.Unlock()
	if prev != nil {
		prev.close()
	}
	return s
}

// UnloadSpace stops a space; later lookups report it unavailable.
func (h *Host) UnloadSpace(id string) {
	h.mu.Lock()
	s := h.spaces[id]
	delete(h.spaces, id)
	h.mu.Unlock()
	if s != nil {
		s.close()
	}
}

func (h *Host) Space(id string) (chamber.Space, error) {
	s, err := h.Lookup(id)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (h *Host) Lookup(id string) (*Space, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.spaces[id]
	if !ok {
		return nil, fmt.Errorf("%w: space %q", chamber.ErrWorldUnavailable, id)
	}
	return s, nil
}

func (h *Host) SpaceIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.spaces))
	for id := range h.spaces {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Host) Capabilities() chamber.Capabilities {
	return chamber.Capabilities{Journal: h.opts.Journal}
}

func (h *Host) Close() {
	h.mu.Lock()
	spaces := h.spaces
	h.spaces = map[string]*Space{}
	h.mu.Unlock()
	for _, s := range spaces {
		s.close()
	}
}

// Broadcast delivers n to the inbox of every listed occupant still present in a space.
func (h *Host) Broadcast(_ context.Context, to []chamber.Occupant, n protocol.Notice) {
	h.mu.Lock()
	spaces := make([]*Space, 0, len(h.spaces))
	for _, s := range h.spaces {
		spaces = append(spaces, s)
	}
	h.mu.Unlock()
	for _, oc := range to {
		for _, s := range spaces {
			if s.deliver(oc.ID, n) {
				break
			}
		}
	}
}
