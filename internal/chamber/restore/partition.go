package restore

import (
	"sort"

	"chamberkeep.ai/internal/chamber"
)

// PartitionSize is the edge of a restore partition; it matches the host chunk width so a
// partition never spans two chunk columns.
const PartitionSize = chamber.ChunkSize

type cubePos struct {
	X, Y, Z int
}

type target struct {
	abs  chamber.Vec3i
	cell chamber.Cell
}

type partition struct {
	pos   cubePos
	cells []target
}

func (p partition) chunk() chamber.ChunkPos {
	return chamber.ChunkPos{X: p.pos.X, Z: p.pos.Z}
}

// partitionCells groups cells by the cube their absolute position falls into. Partitions
// are ordered x, z, y and cells inside a partition y, z, x.
func partitionCells(origin chamber.Vec3i, cells map[chamber.Vec3i]chamber.Cell) []partition {
	byCube := map[cubePos]*partition{}
	for rel, c := range cells {
		abs := origin.Add(rel)
		key := cubePos{
			X: chamber.FloorDiv(abs.X, PartitionSize),
			Y: chamber.FloorDiv(abs.Y, PartitionSize),
			Z: chamber.FloorDiv(abs.Z, PartitionSize),
		}
		p := byCube[key]
		if p == nil {
			p = &partition{pos: key}
			byCube[key] = p
		}
		p.cells = append(p.cells, target{abs: abs, cell: c})
	}

	out := make([]partition, 0, len(byCube))
	for _, p := range byCube {
		sort.Slice(p.cells, func(i, j int) bool {
			a, b := p.cells[i].abs, p.cells[j].abs
			if a.Y != b.Y {
				return a.Y < b.Y
			}
			if a.Z != b.Z {
				return a.Z < b.Z
			}
			return a.X < b.X
		})
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].pos, out[j].pos
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		return a.Y < b.Y
	})
	return out
}

func batches(cells []target, size int) [][]target {
	var out [][]target
	for len(cells) > 0 {
		n := size
		if n > len(cells) {
			n = len(cells)
		}
		out = append(out, cells[:n])
		cells = cells[n:]
	}
	return out
}

// lanes groups partitions by the context that executes them, keeping partition order.
// Spaces that do not expose their owner layout get a single lane.
func lanes(sp chamber.Space, parts []partition) [][]partition {
	oi, ok := sp.(chamber.OwnerIndexer)
	if !ok {
		if len(parts) == 0 {
			return nil
		}
		return [][]partition{parts}
	}
	var out [][]partition
	index := map[int]int{}
	for _, p := range parts {
		owner := oi.OwnerIndex(p.cells[0].abs)
		i, seen := index[owner]
		if !seen {
			i = len(out)
			index[owner] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], p)
	}
	return out
}
