package mirror

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakePutter struct {
	mu    sync.Mutex
	fails int
	calls int
	keys  []string
}

func (f *fakePutter) PutFile(_ context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return errors.New("503 slow down")
	}
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	f.keys = append(f.keys, key)
	return nil
}

func writeFile(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("snap"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestMirror_UploadsUnderRegionKey(t *testing.T) {
	p := &fakePutter{fails: 2}
	m := New(p, Options{Prefix: "/chambers/", Backoff: time.Millisecond}, prometheus.NewRegistry(), nil)
	m.Enqueue("copper_vault", writeFile(t, "anything.snap.zst"))
	m.Close()

	if p.calls != 3 || len(p.keys) != 1 || p.keys[0] != "chambers/copper_vault.snap.zst" {
		t.Fatalf("calls=%d keys=%v", p.calls, p.keys)
	}
	if got := testutil.ToFloat64(m.uploads.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok uploads=%v", got)
	}
}

func TestMirror_GivesUpAfterRetries(t *testing.T) {
	p := &fakePutter{fails: maxAttempts}
	m := New(p, Options{Backoff: time.Millisecond}, nil, nil)
	m.Enqueue("a", writeFile(t, "a.snap.zst"))
	m.Close()
	if p.calls != maxAttempts || len(p.keys) != 0 {
		t.Fatalf("calls=%d keys=%v", p.calls, p.keys)
	}
	if got := testutil.ToFloat64(m.uploads.WithLabelValues("error")); got != 1 {
		t.Fatalf("error uploads=%v", got)
	}
}

func TestMirror_SkipsMissingFile(t *testing.T) {
	p := &fakePutter{}
	m := New(p, Options{}, nil, nil)
	m.Enqueue("a", filepath.Join(t.TempDir(), "gone.snap.zst"))
	m.Close()
	if p.calls != 0 {
		t.Fatalf("calls=%d", p.calls)
	}
	if got := testutil.ToFloat64(m.uploads.WithLabelValues("skipped")); got != 1 {
		t.Fatalf("skipped=%v", got)
	}
}

func TestMirror_Key(t *testing.T) {
	m := &Mirror{opts: Options{Prefix: "p"}}
	if got := m.Key("vault", "/x/y.snap.zst"); got != "p/vault.snap.zst" {
		t.Fatalf("key=%s", got)
	}
	if got := m.Key("", "/x/y.snap.zst"); got != "p/y.snap.zst" {
		t.Fatalf("key=%s", got)
	}
}

func TestNewS3_RequiresBucket(t *testing.T) {
	if _, err := NewS3(S3Config{Endpoint: "s3.example.com"}); err == nil {
		t.Fatalf("expected error without bucket")
	}
	if _, err := NewS3(S3Config{Endpoint: "s3.example.com", Bucket: "b", AccessKeyID: "k"}); err == nil {
		t.Fatalf("expected error with half static keys")
	}
	if _, err := NewS3(S3Config{Endpoint: "https://s3.example.com", Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s", UseSSL: true}); err != nil {
		t.Fatalf("NewS3: %v", err)
	}
}
