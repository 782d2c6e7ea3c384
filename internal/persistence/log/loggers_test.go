package log

import (
	"path/filepath"
	"testing"
	"time"

	"chamberkeep.ai/internal/chamber"
)

func TestAuditRoundTripAcrossHours(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir)
	now := time.Date(2026, 5, 1, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return now }

	write := func(region, event string) {
		t.Helper()
		if err := l.WriteAudit(chamber.AuditEntry{At: now.Format(time.RFC3339), Region: region, Event: event}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("vault_a", chamber.AuditState)
	write("vault_b", chamber.AuditState)
	now = now.Add(2 * time.Minute)
	write("vault_a", chamber.AuditCycleDone)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "audit", "*.jsonl.zst"))
	if len(files) != 2 {
		t.Fatalf("files=%v", files)
	}

	all, err := ReadAudit(dir, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(all) != 3 || all[2].Event != chamber.AuditCycleDone {
		t.Fatalf("entries=%+v", all)
	}
	onlyA, err := ReadAudit(dir, func(e chamber.AuditEntry) bool { return e.Region == "vault_a" })
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(onlyA) != 2 {
		t.Fatalf("filtered=%+v", onlyA)
	}
}

func TestAuditReopenAppends(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		l := NewAuditLogger(dir)
		l.w.now = func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) }
		if err := l.WriteAudit(chamber.AuditEntry{Region: "vault", Event: chamber.AuditCapture}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := l.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	all, err := ReadAudit(dir, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("entries=%d want 2", len(all))
	}
}

func TestReadAuditEmptyDir(t *testing.T) {
	all, err := ReadAudit(t.TempDir(), nil)
	if err != nil || len(all) != 0 {
		t.Fatalf("all=%v err=%v", all, err)
	}
}
