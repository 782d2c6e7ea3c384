package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"chamberkeep.ai/internal/chamber"
)

// ReadAudit decodes every audit file under dataDir/audit in hour order. A truncated tail,
// as left by a crash mid-write, ends that file without an error.
func ReadAudit(dataDir string, keep func(chamber.AuditEntry) bool) ([]chamber.AuditEntry, error) {
	files, err := filepath.Glob(filepath.Join(dataDir, "audit", "audit-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	var out []chamber.AuditEntry
	for _, path := range files {
		if err := readAuditFile(path, func(e chamber.AuditEntry) {
			if keep == nil || keep(e) {
				out = append(out, e)
			}
		}); err != nil {
			return out, err
		}
	}
	return out, nil
}

func readAuditFile(path string, fn func(chamber.AuditEntry)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e chamber.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fn(e)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
