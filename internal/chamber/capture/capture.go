// Package capture scans a chamber region into a sparse reference snapshot.
package capture

import (
	"context"
	"fmt"
	"log"
	"time"

	"chamberkeep.ai/internal/chamber"
	"chamberkeep.ai/internal/persistence/snapshot"
	"chamberkeep.ai/internal/sim/blocks"
)

const DefaultResidencyTimeout = 10 * time.Second

type Capturer struct {
	World  chamber.World
	Logger *log.Logger

	ResidencyTimeout time.Duration
	Now              func() time.Time

	// Progress, when set, is called after every scanned chunk column.
	Progress func(scanned, volume int64)
}

type column struct {
	pos    chamber.ChunkPos
	x0, x1 int
	z0, z1 int
}

type found struct {
	rel  chamber.Vec3i
	cell chamber.Cell
}

// Capture reads every non-baseline cell of r. Each chunk column is read by a task running
// on the column's owner; nothing is returned unless the whole region was scanned.
func (c *Capturer) Capture(ctx context.Context, r chamber.Region) (*snapshot.Document, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if c.World == nil {
		return nil, fmt.Errorf("%w: no world", chamber.ErrWorldUnavailable)
	}
	sp, err := c.World.Space(r.Space)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", r.Name, err)
	}
	baseline := sp.Baseline()
	volume := r.Volume()
	timeout := c.ResidencyTimeout
	if timeout <= 0 {
		timeout = DefaultResidencyTimeout
	}

	doc := &snapshot.Document{
		WorldID:    sp.ID(),
		Region:     r.Name,
		Origin:     r.Min,
		Size:       r.Size(),
		CapturedAt: c.now(),
		Cells:      map[chamber.Vec3i]chamber.Cell{},
	}

	var scanned int64
	for _, col := range columns(r) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rctx, cancel := context.WithTimeout(ctx, timeout)
		err := sp.EnsureResident(rctx, col.pos)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("capture %s: column %d,%d: %w", r.Name, col.pos.X, col.pos.Z, err)
		}

		var cells []found
		task := func(tx chamber.Tx) error {
			cells = cells[:0]
			for x := col.x0; x <= col.x1; x++ {
				for z := col.z0; z <= col.z1; z++ {
					for y := r.Min.Y; y <= r.Max.Y; y++ {
						p := chamber.Vec3i{X: x, Y: y, Z: z}
						cell, err := tx.Block(p)
						if err != nil {
							return err
						}
						if isBaseline(cell.Type, baseline) {
							continue
						}
						out := chamber.Cell{Type: cell.Type}
						if blocks.IsStructured(blocks.KindOf(cell.Type)) && len(cell.Metadata) > 0 {
							out.Metadata = cell.Metadata
						}
						cells = append(cells, found{rel: p.Sub(r.Min), cell: out})
					}
				}
			}
			return nil
		}
		select {
		case err := <-sp.Submit(chamber.Vec3i{X: col.x0, Y: r.Min.Y, Z: col.z0}, task):
			if err != nil {
				return nil, fmt.Errorf("capture %s: column %d,%d: %w", r.Name, col.pos.X, col.pos.Z, err)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		for _, f := range cells {
			doc.Cells[f.rel] = f.cell
		}

		scanned += int64(col.x1-col.x0+1) * int64(col.z1-col.z0+1) * int64(r.Max.Y-r.Min.Y+1)
		if c.Progress != nil {
			c.Progress(scanned, volume)
		}
	}

	if len(doc.Cells) == 0 {
		return nil, fmt.Errorf("capture %s: %w", r.Name, snapshot.ErrEmptySnapshot)
	}
	c.logf("capture region=%s space=%s volume=%d cells=%d", r.Name, sp.ID(), volume, len(doc.Cells))
	return doc, nil
}

// columns splits r into chunk-column slices, x-major.
func columns(r chamber.Region) []column {
	var out []column
	for cx := chamber.FloorDiv(r.Min.X, chamber.ChunkSize); cx <= chamber.FloorDiv(r.Max.X, chamber.ChunkSize); cx++ {
		for cz := chamber.FloorDiv(r.Min.Z, chamber.ChunkSize); cz <= chamber.FloorDiv(r.Max.Z, chamber.ChunkSize); cz++ {
			col := column{
				pos: chamber.ChunkPos{X: cx, Z: cz},
				x0:  max(cx*chamber.ChunkSize, r.Min.X),
				x1:  min(cx*chamber.ChunkSize+chamber.ChunkSize-1, r.Max.X),
				z0:  max(cz*chamber.ChunkSize, r.Min.Z),
				z1:  min(cz*chamber.ChunkSize+chamber.ChunkSize-1, r.Max.Z),
			}
			out = append(out, col)
		}
	}
	return out
}

func isBaseline(t, baseline string) bool {
	return t == "" || t == baseline || blocks.KindOf(t) == baseline
}

func (c *Capturer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Capturer) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}
