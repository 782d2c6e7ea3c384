package snapshot

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"chamberkeep.ai/internal/chamber"
)

const Version = 1

// ErrEmptySnapshot is returned for a capture or file without any non-baseline cell.
var ErrEmptySnapshot = fmt.Errorf("%w: snapshot has no cells", chamber.ErrValidation)

type Header struct {
	Version    int      `json:"version"`
	WorldID    string   `json:"world_id"`
	Region     string   `json:"region,omitempty"`
	Origin     [3]int32 `json:"origin"`
	Size       [3]int32 `json:"size,omitempty"`
	Cells      int      `json:"cells"`
	CapturedAt string   `json:"captured_at,omitempty"`
}

// Document is the in-memory reference capture of one region.
type Document struct {
	WorldID    string
	Region     string
	Origin     chamber.Vec3i
	Size       chamber.Vec3i
	CapturedAt time.Time

	// Cells maps origin-relative coordinates to captured cells.
	Cells map[chamber.Vec3i]chamber.Cell

	// Dropped counts entries discarded on read because their type was blank.
	Dropped int
}

func (d *Document) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil document", chamber.ErrValidation)
	}
	if strings.TrimSpace(d.WorldID) == "" {
		return fmt.Errorf("%w: blank world id", chamber.ErrValidation)
	}
	if len(d.Cells) == 0 {
		return ErrEmptySnapshot
	}
	return nil
}

// Offsets returns the relative coordinates in y, z, x order.
func (d *Document) Offsets() []chamber.Vec3i {
	out := make([]chamber.Vec3i, 0, len(d.Cells))
	for p := range d.Cells {
		out = append(out, p)
	}
	SortOffsets(out)
	return out
}

func SortOffsets(ps []chamber.Vec3i) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Y != ps[j].Y {
			return ps[i].Y < ps[j].Y
		}
		if ps[i].Z != ps[j].Z {
			return ps[i].Z < ps[j].Z
		}
		return ps[i].X < ps[j].X
	})
}

type documentV1 struct {
	WorldID string   `cbor:"world_id"`
	Origin  [3]int32 `cbor:"origin"`
	Cells   []cellV1 `cbor:"cells"`
}

type cellV1 struct {
	_    struct{}          `cbor:",toarray"`
	D    [3]int32          `cbor:"d"`
	Type string            `cbor:"t"`
	Meta map[string]string `cbor:"m"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: math.MaxInt32,
		MaxMapPairs:      math.MaxInt32,
	}.DecMode()
	if err != nil {
		panic("snapshot: CBOR decoder initialization failed: " + err.Error())
	}
}

func toInt32(v chamber.Vec3i) ([3]int32, error) {
	for _, c := range [3]int{v.X, v.Y, v.Z} {
		if c < math.MinInt32 || c > math.MaxInt32 {
			return [3]int32{}, fmt.Errorf("%w: coordinate %s out of int32 range", chamber.ErrValidation, v)
		}
	}
	return [3]int32{int32(v.X), int32(v.Y), int32(v.Z)}, nil
}

func fromInt32(v [3]int32) chamber.Vec3i {
	return chamber.Vec3i{X: int(v[0]), Y: int(v[1]), Z: int(v[2])}
}

func encodeDocument(d *Document) (Header, documentV1, error) {
	origin, err := toInt32(d.Origin)
	if err != nil {
		return Header{}, documentV1{}, err
	}
	size, err := toInt32(d.Size)
	if err != nil {
		return Header{}, documentV1{}, err
	}
	body := documentV1{
		WorldID: d.WorldID,
		Origin:  origin,
		Cells:   make([]cellV1, 0, len(d.Cells)),
	}
	for _, p := range d.Offsets() {
		c := d.Cells[p]
		rel, err := toInt32(p)
		if err != nil {
			return Header{}, documentV1{}, err
		}
		var meta map[string]string
		if len(c.Metadata) > 0 {
			meta = c.Metadata
		}
		body.Cells = append(body.Cells, cellV1{D: rel, Type: c.Type, Meta: meta})
	}
	h := Header{
		Version: Version,
		WorldID: d.WorldID,
		Region:  d.Region,
		Origin:  origin,
		Size:    size,
		Cells:   len(body.Cells),
	}
	if !d.CapturedAt.IsZero() {
		h.CapturedAt = d.CapturedAt.UTC().Format(time.RFC3339Nano)
	}
	return h, body, nil
}
