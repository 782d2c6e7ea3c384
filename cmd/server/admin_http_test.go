package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"chamberkeep.ai/internal/chamber"
	"chamberkeep.ai/internal/chamber/capture"
	"chamberkeep.ai/internal/chamber/reset"
	"chamberkeep.ai/internal/chamber/restore"
	"chamberkeep.ai/internal/persistence/registry"
	"chamberkeep.ai/internal/protocol"
	"chamberkeep.ai/internal/sim/host"
)

type adminFixture struct {
	mux   *http.ServeMux
	space *host.Space
	store *registry.Store
	orch  *reset.Orchestrator
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	h := host.New(host.Options{Journal: true})
	t.Cleanup(h.Close)
	sp := h.AddSpace(host.SpaceConfig{ID: "overworld", TickRateHz: 1000})

	store, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	orch := reset.New(reset.Config{SnapshotDir: t.TempDir()}, reset.Deps{
		Registry:  store,
		World:     h,
		Messenger: h,
		Cooldowns: store,
		Journals:  h,
		History:   store,
		Audit:     store,
		Restorer:  restore.New(restore.Config{}, nil, nil),
		Capturer:  &capture.Capturer{World: h},
	})
	t.Cleanup(orch.Close)

	mux := http.NewServeMux()
	(&adminAPI{orch: orch, store: store, log: log.New(io.Discard, "", 0)}).register(mux)
	return &adminFixture{mux: mux, space: sp, store: store, orch: orch}
}

func (f *adminFixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "127.0.0.1:40000"
	rw := httptest.NewRecorder()
	f.mux.ServeHTTP(rw, req)
	var out map[string]any
	_ = json.Unmarshal(rw.Body.Bytes(), &out)
	return rw.Code, out
}

func TestAdmin_RejectsNonLoopback(t *testing.T) {
	f := newAdminFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/regions", nil)
	rw := httptest.NewRecorder()
	f.mux.ServeHTTP(rw, req)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("code=%d", rw.Code)
	}
}

func TestAdmin_RegionLifecycle(t *testing.T) {
	f := newAdminFixture(t)
	ctx := context.Background()

	code, body := f.do(t, http.MethodPut, "/admin/v1/regions/vault",
		`{"space":"overworld","min":[0,64,0],"max":[30,78,30],"interval_seconds":3600}`)
	if code != http.StatusOK || body["name"] != "vault" {
		t.Fatalf("put code=%d body=%v", code, body)
	}
	if _, ok := f.orch.Status("vault"); !ok {
		t.Fatalf("region not tracked after put")
	}

	stone := chamber.Vec3i{X: 5, Y: 65, Z: 5}
	if err := f.space.Put(ctx, stone, chamber.Cell{Type: "minecraft:stone"}); err != nil {
		t.Fatalf("put block: %v", err)
	}
	code, body = f.do(t, http.MethodPost, "/admin/v1/regions/vault/capture", "")
	if code != http.StatusOK || body["cells"] != float64(1) {
		t.Fatalf("capture code=%d body=%v", code, body)
	}

	if err := f.space.Put(ctx, stone, chamber.Cell{Type: "minecraft:air"}); err != nil {
		t.Fatalf("break block: %v", err)
	}
	code, _ = f.do(t, http.MethodPost, "/admin/v1/regions/vault/reset", "")
	if code != http.StatusAccepted {
		t.Fatalf("reset code=%d", code)
	}
	f.orch.Wait()
	got, err := f.space.Get(ctx, stone)
	if err != nil || got.Type != "minecraft:stone" {
		t.Fatalf("after reset cell=%+v err=%v", got, err)
	}

	code, body = f.do(t, http.MethodGet, "/admin/v1/regions/vault/history", "")
	hist, _ := body["history"].([]any)
	if code != http.StatusOK || len(hist) != 1 {
		t.Fatalf("history code=%d body=%v", code, body)
	}

	code, _ = f.do(t, http.MethodDelete, "/admin/v1/regions/vault", "")
	if code != http.StatusOK {
		t.Fatalf("delete code=%d", code)
	}
	code, _ = f.do(t, http.MethodGet, "/admin/v1/regions/vault", "")
	if code != http.StatusNotFound {
		t.Fatalf("get after delete code=%d", code)
	}
}

func TestAdmin_ErrorMapping(t *testing.T) {
	f := newAdminFixture(t)
	if code, body := f.do(t, http.MethodPost, "/admin/v1/regions/nope/capture", ""); code != http.StatusNotFound || body["code"] != protocol.ErrRegionNotFound {
		t.Fatalf("capture unknown code=%d body=%v", code, body)
	}
	if code, _ := f.do(t, http.MethodPost, "/admin/v1/regions/nope/reset", ""); code != http.StatusNotFound {
		t.Fatalf("reset unknown code=%d", code)
	}
	code, body := f.do(t, http.MethodPut, "/admin/v1/regions/tiny",
		`{"space":"overworld","min":[0,0,0],"max":[10,10,10],"interval_seconds":60}`)
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("tiny region code=%d body=%v", code, body)
	}
	if code, _ := f.do(t, http.MethodPut, "/admin/v1/regions/bad", `{`); code != http.StatusBadRequest {
		t.Fatalf("bad json code=%d", code)
	}
	// Empty layout: nothing to capture.
	f.do(t, http.MethodPut, "/admin/v1/regions/hall",
		`{"space":"overworld","min":[100,64,100],"max":[130,78,130],"interval_seconds":60}`)
	if code, body := f.do(t, http.MethodPost, "/admin/v1/regions/hall/capture", ""); code != http.StatusUnprocessableEntity || body["code"] != protocol.ErrNoSnapshot {
		t.Fatalf("empty capture code=%d body=%v", code, body)
	}
}
