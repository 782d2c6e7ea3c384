package host

import (
	"chamberkeep.ai/internal/chamber"
)

type localPos struct {
	X, Y, Z int
}

// column is one 16-wide chunk column. Block ids index the palette; positions never written
// fall through to the generator. Accessed only from the owning goroutine.
type column struct {
	pos chamber.ChunkPos

	palette []string
	index   map[string]uint16
	blocks  map[localPos]uint16
	meta    map[localPos]map[string]string
}

func newColumn(pos chamber.ChunkPos) *column {
	return &column{
		pos:    pos,
		index:  map[string]uint16{},
		blocks: map[localPos]uint16{},
		meta:   map[localPos]map[string]string{},
	}
}

func (c *column) local(p chamber.Vec3i) localPos {
	return localPos{
		X: p.X - c.pos.X*chamber.ChunkSize,
		Y: p.Y,
		Z: p.Z - c.pos.Z*chamber.ChunkSize,
	}
}

func (c *column) paletteID(t string) uint16 {
	if id, ok := c.index[t]; ok {
		return id
	}
	id := uint16(len(c.palette))
	c.palette = append(c.palette, t)
	c.index[t] = id
	return id
}

func (c *column) get(p chamber.Vec3i) (chamber.Cell, bool) {
	lp := c.local(p)
	id, ok := c.blocks[lp]
	if !ok {
		return chamber.Cell{}, false
	}
	return chamber.Cell{Type: c.palette[id], Metadata: copyMeta(c.meta[lp])}, true
}

func (c *column) set(p chamber.Vec3i, cell chamber.Cell) {
	lp := c.local(p)
	c.blocks[lp] = c.paletteID(cell.Type)
	if len(cell.Metadata) == 0 {
		delete(c.meta, lp)
		return
	}
	c.meta[lp] = copyMeta(cell.Metadata)
}

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
