package snapshot

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"chamberkeep.ai/internal/chamber"
)

// Write persists doc at path. The previous file at path stays intact until the new one
// is fully written and synced.
func Write(path string, doc *Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	h, body, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	return writeFile(path, h, body)
}

func writeFile(path string, h Header, body documentV1) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %w", chamber.ErrIO, dir, err)
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp: %w", chamber.ErrIO, err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if err := writeStream(f, h, body); err != nil {
		return fmt.Errorf("%w: write %s: %w", chamber.ErrIO, tmp, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %w", chamber.ErrIO, tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", chamber.ErrIO, tmp, err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		return fmt.Errorf("%w: chmod %s: %w", chamber.ErrIO, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename %s: %w", chamber.ErrIO, path, err)
	}
	return nil
}

func writeStream(w io.Writer, h Header, body documentV1) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, err := json.Marshal(h)
	if err != nil {
		_ = enc.Close()
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := encMode.NewEncoder(bw).Encode(&body); err != nil {
		_ = enc.Close()
		return fmt.Errorf("cbor encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// ReadOptions tunes Read. Logf receives soft validation findings.
type ReadOptions struct {
	Logf func(format string, args ...any)
}

// Read loads and validates the document at path.
func Read(path string) (*Document, error) {
	return ReadWith(path, ReadOptions{})
}

func ReadWith(path string, opts ReadOptions) (*Document, error) {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", chamber.ErrIO, path, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd %s: %w", chamber.ErrIO, path, err)
	}
	defer dec.Close()
	br := bufio.NewReaderSize(dec, 256*1024)

	h, err := readHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var body documentV1
	if err := decMode.NewDecoder(br).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %s: cbor decode: %w", chamber.ErrValidation, path, err)
	}

	doc := &Document{
		WorldID: body.WorldID,
		Region:  h.Region,
		Origin:  fromInt32(body.Origin),
		Size:    fromInt32(h.Size),
		Cells:   make(map[chamber.Vec3i]chamber.Cell, len(body.Cells)),
	}
	if h.CapturedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, h.CapturedAt); err == nil {
			doc.CapturedAt = t
		}
	}
	for _, c := range body.Cells {
		rel := fromInt32(c.D)
		if strings.TrimSpace(c.Type) == "" {
			doc.Dropped++
			logf("snapshot %s: blank type at %s; entry dropped", filepath.Base(path), rel)
			continue
		}
		doc.Cells[rel] = chamber.Cell{Type: c.Type, Metadata: c.Meta}
	}
	if h.Cells != len(body.Cells) {
		logf("snapshot %s: header cells=%d body cells=%d", filepath.Base(path), h.Cells, len(body.Cells))
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// ReadHeader returns only the header line of the snapshot at path.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("%w: open %s: %w", chamber.ErrIO, path, err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return Header{}, fmt.Errorf("%w: zstd %s: %w", chamber.ErrIO, path, err)
	}
	defer dec.Close()
	return readHeader(bufio.NewReader(dec))
}

func readHeader(br *bufio.Reader) (Header, error) {
	var h Header
	line, err := br.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return h, fmt.Errorf("%w: truncated header", chamber.ErrValidation)
		}
		return h, fmt.Errorf("%w: read header: %w", chamber.ErrValidation, err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("%w: header: %w", chamber.ErrValidation, err)
	}
	if h.Version != Version {
		return h, fmt.Errorf("%w: unsupported snapshot version %d", chamber.ErrValidation, h.Version)
	}
	return h, nil
}
