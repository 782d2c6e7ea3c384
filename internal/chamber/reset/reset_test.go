package reset

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"chamberkeep.ai/internal/chamber"
	"chamberkeep.ai/internal/chamber/capture"
	"chamberkeep.ai/internal/chamber/restore"
	"chamberkeep.ai/internal/persistence/snapshot"
	"chamberkeep.ai/internal/protocol"
	"chamberkeep.ai/internal/sim/host"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

var exit = chamber.ExitPoint{Pos: chamber.Vec3i{X: 100, Y: 70, Z: 100}}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	clock   *fakeClock
	host    *host.Host
	space   *host.Space
	reg     *memRegistry
	msgs    *recordingMessenger
	history *memHistory
	audit   *memAudit
	cool    *cooldowns
	logs    *syncBuffer
	mirror  *memMirror
	o       *Orchestrator
}

func vaultRegion() chamber.Region {
	e := exit
	return chamber.Region{
		Name:      "vault",
		Space:     "overworld",
		Min:       chamber.Vec3i{X: 0, Y: 64, Z: 0},
		Max:       chamber.Vec3i{X: 30, Y: 78, Z: 30},
		Interval:  time.Hour,
		CreatedAt: t0,
		Exit:      &e,
	}
}

func newFixture(t *testing.T, cfg Config, opts host.Options, regions ...chamber.Region) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		clock:   &fakeClock{now: t0},
		host:    host.New(opts),
		reg:     newMemRegistry(regions...),
		msgs:    &recordingMessenger{},
		history: &memHistory{},
		audit:   &memAudit{},
		cool:    &cooldowns{},
		logs:    &syncBuffer{},
		mirror:  &memMirror{},
	}
	f.space = f.host.AddSpace(host.SpaceConfig{
		ID:         "overworld",
		TickRateHz: 1000,
		Spawn:      chamber.ExitPoint{Pos: chamber.Vec3i{X: 0, Y: 100, Z: 0}},
	})
	if cfg.SnapshotDir == "" {
		cfg.SnapshotDir = t.TempDir()
	}
	logger := log.New(f.logs, "[chamber] ", 0)
	deps := Deps{
		Registry:  f.reg,
		World:     f.host,
		Messenger: f.msgs,
		Cooldowns: f.cool,
		History:   f.history,
		Audit:     f.audit,
		Mirror:    f.mirror,
		Restorer:  restore.New(restore.Config{}, logger, restore.NewMetrics(prometheus.NewRegistry())),
		Capturer:  &capture.Capturer{World: f.host},
		Clock:     f.clock,
		Logger:    logger,
		Metrics:   NewMetrics(prometheus.NewRegistry()),
	}
	if opts.Journal {
		deps.Journals = f.host
	}
	f.o = New(cfg, deps)
	t.Cleanup(func() {
		f.o.Close()
		f.host.Close()
	})
	return f
}

func (f *fixture) occupy(ids ...string) {
	for i, id := range ids {
		f.space.AddOccupant(chamber.Occupant{ID: id, Name: id, Pos: chamber.Vec3i{X: 5 + 10*i, Y: 65, Z: 5 + 10*i}})
	}
}

func (f *fixture) at(id string) chamber.Vec3i {
	oc, ok := f.space.Occupant(id)
	if !ok {
		f.t.Fatalf("occupant %s missing", id)
	}
	return oc.Pos
}

func (f *fixture) cell(p chamber.Vec3i) string {
	c, err := f.space.Get(f.ctx, p)
	if err != nil {
		f.t.Fatalf("get %s: %v", p, err)
	}
	return c.Type
}

func TestWarningsThenEviction(t *testing.T) {
	f := newFixture(t, Config{Warnings: []time.Duration{60 * time.Second, 10 * time.Second}}, host.Options{}, vaultRegion())
	f.occupy("p1", "p2")

	f.o.Poll(f.ctx)
	if st, _ := f.o.Status("vault"); st.State != StateArmed || !st.NextDue.Equal(t0.Add(time.Hour)) {
		t.Fatalf("status after poll: %+v", st)
	}

	f.clock.Advance(3539 * time.Second)
	if n := len(f.msgs.ofType(protocol.TypeResetNotice)); n != 0 {
		t.Fatalf("broadcasts before remaining<=60s: %d", n)
	}
	f.clock.Advance(time.Second)
	notices := f.msgs.ofType(protocol.TypeResetNotice)
	if len(notices) != 1 || notices[0].notice.InSeconds != 60 || len(notices[0].to) != 2 {
		t.Fatalf("first warning: %+v", notices)
	}
	f.clock.Advance(49 * time.Second)
	if n := len(f.msgs.ofType(protocol.TypeResetNotice)); n != 1 {
		t.Fatalf("broadcasts before remaining<=10s: %d", n)
	}
	f.clock.Advance(time.Second)
	notices = f.msgs.ofType(protocol.TypeResetNotice)
	if len(notices) != 2 || notices[1].notice.InSeconds != 10 {
		t.Fatalf("second warning: %+v", notices)
	}
	if f.at("p1") == exit.Pos {
		t.Fatalf("evicted before due")
	}

	f.clock.Advance(10 * time.Second)
	f.o.Wait()
	if f.at("p1") != exit.Pos || f.at("p2") != exit.Pos {
		t.Fatalf("occupants not at exit: %s %s", f.at("p1"), f.at("p2"))
	}
	resets := f.reg.resets()
	if len(resets) != 1 || !resets[0].Equal(t0.Add(time.Hour)) {
		t.Fatalf("last resets=%v", resets)
	}
	done := f.msgs.ofType(protocol.TypeResetDone)
	if len(done) != 1 || len(done[0].to) != 2 {
		t.Fatalf("done broadcasts=%+v", done)
	}
}

func TestNoSnapshotStillEvictsClearsAndFinalizes(t *testing.T) {
	f := newFixture(t, Config{ClearHostiles: true, ResetCooldowns: true}, host.Options{}, vaultRegion())
	f.occupy("p1")
	gold := chamber.Vec3i{X: 10, Y: 65, Z: 10}
	if err := f.space.Put(f.ctx, gold, chamber.Cell{Type: "minecraft:gold_block"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	f.space.AddEntity(chamber.Entity{ID: "item1", Kind: chamber.EntityItem, Pos: chamber.Vec3i{X: 3, Y: 65, Z: 3}})
	f.space.AddEntity(chamber.Entity{ID: "breeze", Kind: chamber.EntityHostile, Pos: chamber.Vec3i{X: 20, Y: 66, Z: 3}})
	f.space.AddEntity(chamber.Entity{ID: "cat", Kind: chamber.EntityPassive, Pos: chamber.Vec3i{X: 21, Y: 66, Z: 3}})
	f.space.AddEntity(chamber.Entity{ID: "far_item", Kind: chamber.EntityItem, Pos: chamber.Vec3i{X: 300, Y: 65, Z: 3}})

	if err := f.o.ForceReset(f.ctx, "vault"); err != nil {
		t.Fatalf("force: %v", err)
	}
	f.o.Wait()

	if f.at("p1") != exit.Pos {
		t.Fatalf("occupant not evicted")
	}
	left := f.space.Entities(chamber.Vec3i{X: -1000, Y: -1000, Z: -1000}, chamber.Vec3i{X: 1000, Y: 1000, Z: 1000})
	if len(left) != 2 || left[0].ID != "cat" || left[1].ID != "far_item" {
		t.Fatalf("entities left: %+v", left)
	}
	if got := f.cell(gold); got != "minecraft:gold_block" {
		t.Fatalf("cell changed to %q", got)
	}
	if len(f.reg.resets()) != 1 {
		t.Fatalf("last reset not written")
	}
	if !strings.Contains(f.logs.String(), "no snapshot") {
		t.Fatalf("missing no-snapshot warning in logs:\n%s", f.logs.String())
	}
	st, _ := f.o.Status("vault")
	if st.State != StateIdle || st.LastOutcome != chamber.OutcomeUnchanged || st.LastReset == nil {
		t.Fatalf("status: %+v", st)
	}
	recs := f.history.all()
	if len(recs) != 1 || recs[0].Evicted != 1 || recs[0].Cleared != 2 || recs[0].Outcome != chamber.OutcomeUnchanged {
		t.Fatalf("history: %+v", recs)
	}
	if len(f.cool.calls) != 1 || f.cool.calls[0] != "vault" {
		t.Fatalf("cooldown calls: %v", f.cool.calls)
	}
	done := f.msgs.ofType(protocol.TypeResetDone)
	if len(done) != 1 || done[0].notice.Restored {
		t.Fatalf("done: %+v", done)
	}
	want := []string{string(StateEvicting), string(StateClearing), string(StateRestoring), string(StateFinalizing)}
	if got := f.audit.states(recs[0].ID); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("state order %v want %v", got, want)
	}
}

func TestForceResetWhileArmedCancelsWarnings(t *testing.T) {
	f := newFixture(t, Config{Warnings: []time.Duration{60 * time.Second, 10 * time.Second}}, host.Options{}, vaultRegion())
	f.occupy("p1")
	f.o.Poll(f.ctx)
	if f.clock.pending() != 3 {
		t.Fatalf("pending timers=%d want 3", f.clock.pending())
	}

	f.clock.Advance(30 * time.Minute)
	if err := f.o.ForceReset(f.ctx, "vault"); err != nil {
		t.Fatalf("force: %v", err)
	}
	f.o.Wait()
	if f.clock.pending() != 0 {
		t.Fatalf("timers still pending: %d", f.clock.pending())
	}
	f.clock.Advance(2 * time.Hour)

	if n := len(f.msgs.ofType(protocol.TypeResetNotice)); n != 0 {
		t.Fatalf("warnings broadcast after force reset: %d", n)
	}
	if f.at("p1") != exit.Pos {
		t.Fatalf("occupant not evicted")
	}
	if n := len(f.reg.resets()); n != 1 {
		t.Fatalf("cycles run=%d want 1", n)
	}
}

func TestOverdueRegionSkipsWarnings(t *testing.T) {
	r := vaultRegion()
	last := t0.Add(-2 * time.Hour)
	r.LastReset = &last
	f := newFixture(t, Config{Warnings: []time.Duration{60 * time.Second}}, host.Options{}, r)
	f.occupy("p1")

	f.o.Poll(f.ctx)
	f.o.Wait()
	if n := len(f.msgs.ofType(protocol.TypeResetNotice)); n != 0 {
		t.Fatalf("overdue region warned %d times", n)
	}
	resets := f.reg.resets()
	if len(resets) != 1 || !resets[0].Equal(t0) {
		t.Fatalf("resets=%v", resets)
	}
	if f.at("p1") != exit.Pos {
		t.Fatalf("occupant not evicted")
	}
}

func TestWarningsLongerThanRemainingAreSkipped(t *testing.T) {
	r := vaultRegion()
	last := t0.Add(-time.Hour + 30*time.Second)
	r.LastReset = &last
	f := newFixture(t, Config{Warnings: []time.Duration{60 * time.Second, 10 * time.Second}}, host.Options{}, r)
	f.occupy("p1")

	f.o.Poll(f.ctx)
	f.clock.Advance(20 * time.Second)
	notices := f.msgs.ofType(protocol.TypeResetNotice)
	if len(notices) != 1 || notices[0].notice.InSeconds != 10 {
		t.Fatalf("notices=%+v", notices)
	}
	f.clock.Advance(10 * time.Second)
	f.o.Wait()
	if len(f.reg.resets()) != 1 {
		t.Fatalf("cycle did not run")
	}
}

func TestRemoveCancelsArmedCycle(t *testing.T) {
	f := newFixture(t, Config{Warnings: []time.Duration{60 * time.Second}}, host.Options{}, vaultRegion())
	f.occupy("p1")
	f.o.Poll(f.ctx)
	if !f.o.Remove("vault") {
		t.Fatalf("remove reported nothing tracked")
	}
	f.clock.Advance(2 * time.Hour)
	f.o.Wait()
	if len(f.msgs.sent) != 0 || len(f.reg.resets()) != 0 {
		t.Fatalf("removed region still ran: msgs=%d resets=%d", len(f.msgs.sent), len(f.reg.resets()))
	}
	if _, ok := f.o.Status("vault"); ok {
		t.Fatalf("status still present")
	}
	if f.o.Remove("vault") {
		t.Fatalf("second remove should report nothing tracked")
	}
}

func TestRegistryDeletionCancelsCycle(t *testing.T) {
	f := newFixture(t, Config{}, host.Options{}, vaultRegion())
	f.o.Poll(f.ctx)
	f.reg.remove("vault")
	f.o.Poll(f.ctx)
	f.clock.Advance(2 * time.Hour)
	f.o.Wait()
	if len(f.reg.resets()) != 0 {
		t.Fatalf("deleted region was reset")
	}
	if len(f.o.Statuses()) != 0 {
		t.Fatalf("statuses=%+v", f.o.Statuses())
	}
}

func TestForceResetIsSingleFlight(t *testing.T) {
	f := newFixture(t, Config{}, host.Options{}, vaultRegion())
	gate := make(chan struct{})
	f.reg.gate = gate

	if err := f.o.ForceReset(f.ctx, "vault"); err != nil {
		t.Fatalf("force: %v", err)
	}
	if err := f.o.ForceReset(f.ctx, "vault"); err != nil {
		t.Fatalf("second force: %v", err)
	}
	if _, err := f.o.Capture(f.ctx, "vault"); !errors.Is(err, ErrRegionBusy) {
		t.Fatalf("capture during cycle: %v", err)
	}
	close(gate)
	f.o.Wait()
	if n := len(f.reg.resets()); n != 1 {
		t.Fatalf("cycles=%d want 1", n)
	}
}

func TestForceResetUnknownRegion(t *testing.T) {
	f := newFixture(t, Config{}, host.Options{})
	if err := f.o.ForceReset(f.ctx, "nope"); !errors.Is(err, chamber.ErrUnknownRegion) {
		t.Fatalf("err=%v", err)
	}
}

func TestMissingSpaceFailsAndRetries(t *testing.T) {
	r := vaultRegion()
	r.Space = "nether"
	last := t0.Add(-2 * time.Hour)
	r.LastReset = &last
	f := newFixture(t, Config{}, host.Options{}, r)

	f.o.Poll(f.ctx)
	f.o.Wait()
	st, _ := f.o.Status("vault")
	if st.State != StateFailed || !strings.Contains(st.LastError, "configuration") {
		t.Fatalf("status: %+v", st)
	}
	f.o.Poll(f.ctx)
	f.o.Wait()
	recs := f.history.all()
	if len(recs) != 2 || recs[1].Outcome != chamber.OutcomeFailed {
		t.Fatalf("history: %+v", recs)
	}
	if len(f.reg.resets()) != 0 {
		t.Fatalf("failed cycle wrote last reset")
	}
}

func TestInvalidRegionReportedOnPoll(t *testing.T) {
	r := vaultRegion()
	r.Interval = 0
	f := newFixture(t, Config{}, host.Options{}, r)
	f.o.Poll(f.ctx)
	st, ok := f.o.Status("vault")
	if !ok || st.State != StateFailed || st.LastError == "" {
		t.Fatalf("status: %+v", st)
	}
	if f.clock.pending() != 0 {
		t.Fatalf("invalid region was armed")
	}
}

func TestCaptureThenRestoreCycle(t *testing.T) {
	f := newFixture(t, Config{}, host.Options{Journal: true}, vaultRegion())
	if !f.o.Journaled() {
		t.Fatalf("journal capability not negotiated")
	}
	f.occupy("p1")
	layout := map[chamber.Vec3i]string{
		{X: 0, Y: 64, Z: 0}:   "minecraft:tuff_bricks",
		{X: 15, Y: 65, Z: 15}: "minecraft:trial_spawner[trial_spawner_state=active]",
		{X: 30, Y: 78, Z: 30}: "minecraft:copper_grate",
	}
	for p, typ := range layout {
		if err := f.space.Put(f.ctx, p, chamber.Cell{Type: typ}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	res, err := f.o.Capture(f.ctx, "vault")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if res.Cells != 3 || res.Path != filepath.Join(f.o.cfg.SnapshotDir, "vault.snap.zst") {
		t.Fatalf("capture result: %+v", res)
	}
	if r, _ := f.reg.Region(f.ctx, "vault"); r.SnapshotPath != res.Path {
		t.Fatalf("snapshot path not recorded: %q", r.SnapshotPath)
	}
	if got := f.mirror.list(); len(got) != 1 || got[0] != "vault="+res.Path {
		t.Fatalf("mirrored=%v", got)
	}

	// Grief the chamber.
	_ = f.space.Put(f.ctx, chamber.Vec3i{X: 0, Y: 64, Z: 0}, chamber.Cell{Type: "minecraft:air"})
	_ = f.space.Put(f.ctx, chamber.Vec3i{X: 30, Y: 78, Z: 30}, chamber.Cell{Type: "minecraft:dirt"})

	f.o.Poll(f.ctx)
	if err := f.o.ForceReset(f.ctx, "vault"); err != nil {
		t.Fatalf("force: %v", err)
	}
	f.o.Wait()

	if got := f.cell(chamber.Vec3i{X: 0, Y: 64, Z: 0}); got != "minecraft:tuff_bricks" {
		t.Fatalf("floor=%q", got)
	}
	if got := f.cell(chamber.Vec3i{X: 30, Y: 78, Z: 30}); got != "minecraft:copper_grate" {
		t.Fatalf("corner=%q", got)
	}
	if got := f.cell(chamber.Vec3i{X: 15, Y: 65, Z: 15}); got != "minecraft:trial_spawner[trial_spawner_state=waiting_for_players]" {
		t.Fatalf("spawner=%q", got)
	}

	st, _ := f.o.Status("vault")
	if st.LastOutcome != chamber.OutcomeRestored || st.LastResult == nil || st.LastResult.Written != 3 {
		t.Fatalf("status: %+v", st)
	}
	if st.Processed != 3 || st.Total != 3 {
		t.Fatalf("progress %d/%d", st.Processed, st.Total)
	}
	done := f.msgs.ofType(protocol.TypeResetDone)
	if len(done) != 1 || !done[0].notice.Restored || done[0].to[0] != "p1" {
		t.Fatalf("done: %+v", done)
	}
	j, ok := f.host.Journal("chamber-vault-" + st.CycleID)
	if !ok || j.Len() != 3 {
		t.Fatalf("journal missing or wrong size")
	}
}

func TestUnusableSnapshotLeavesLayout(t *testing.T) {
	r := vaultRegion()
	r.SnapshotPath = filepath.Join(t.TempDir(), "broken.snap.zst")
	if err := os.WriteFile(r.SnapshotPath, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := newFixture(t, Config{}, host.Options{}, r)
	if err := f.o.ForceReset(f.ctx, "vault"); err != nil {
		t.Fatalf("force: %v", err)
	}
	f.o.Wait()
	st, _ := f.o.Status("vault")
	if st.LastOutcome != chamber.OutcomeUnchanged || st.State != StateIdle {
		t.Fatalf("status: %+v", st)
	}
	if !strings.Contains(f.logs.String(), "snapshot unusable") {
		t.Fatalf("logs:\n%s", f.logs.String())
	}
}

func TestExitFallbacks(t *testing.T) {
	r := vaultRegion()
	r.Exit = nil
	f := newFixture(t, Config{}, host.Options{}, r)
	sp := f.space

	// Open chamber: no standable cell on the centre column, so the spawn is used.
	if got := f.o.exitPoint(f.ctx, sp, r); got.Pos != sp.Spawn().Pos {
		t.Fatalf("open chamber exit=%s", got.Pos)
	}

	// A solid floor with open air above it is inside the region and never an exit.
	if err := sp.Fill(f.ctx, chamber.Vec3i{X: 0, Y: 64, Z: 0}, chamber.Vec3i{X: 30, Y: 64, Z: 30}, "minecraft:tuff_bricks"); err != nil {
		t.Fatalf("fill: %v", err)
	}
	got := f.o.exitPoint(f.ctx, sp, r)
	if r.Contains(got.Pos) || got.Pos != sp.Spawn().Pos {
		t.Fatalf("floored chamber exit=%s", got.Pos)
	}

	// Ground around the chamber: the exit is beside the first face scanned.
	if err := sp.Fill(f.ctx, chamber.Vec3i{X: -4, Y: 63, Z: -4}, chamber.Vec3i{X: 34, Y: 63, Z: 34}, "minecraft:grass_block"); err != nil {
		t.Fatalf("fill: %v", err)
	}
	got = f.o.exitPoint(f.ctx, sp, r)
	if got.Pos != (chamber.Vec3i{X: 31, Y: 64, Z: 15}) {
		t.Fatalf("ground exit=%s", got.Pos)
	}

	// With a roof, the first standable cell is on top of it.
	if err := sp.Fill(f.ctx, chamber.Vec3i{X: 0, Y: 78, Z: 0}, chamber.Vec3i{X: 30, Y: 78, Z: 30}, "minecraft:deepslate_tiles"); err != nil {
		t.Fatalf("fill: %v", err)
	}
	got = f.o.exitPoint(f.ctx, sp, r)
	if got.Pos != (chamber.Vec3i{X: 15, Y: 79, Z: 15}) {
		t.Fatalf("roof exit=%s", got.Pos)
	}
}

// stuckSpace accepts tasks but never runs them.
type stuckSpace struct {
	chamber.Space
}

func (stuckSpace) Submit(chamber.Vec3i, chamber.Task) <-chan error { return make(chan error) }

func TestEvictionSharesOneDeadline(t *testing.T) {
	r := vaultRegion()
	r.Exit = nil
	const timeout = 200 * time.Millisecond
	f := newFixture(t, Config{EvictTimeout: timeout}, host.Options{}, r)
	occupants := []chamber.Occupant{{ID: "p1", Pos: chamber.Vec3i{X: 5, Y: 65, Z: 5}}}

	start := time.Now()
	moved := f.o.evict(f.ctx, stuckSpace{Space: f.space}, r, occupants)
	elapsed := time.Since(start)
	if moved != 0 {
		t.Fatalf("moved=%d", moved)
	}
	if elapsed >= timeout+timeout*3/4 {
		t.Fatalf("eviction took %s with a %s budget", elapsed, timeout)
	}
	if !strings.Contains(f.logs.String(), "evicted 0 of 1") {
		t.Fatalf("logs:\n%s", f.logs.String())
	}
}

func TestCaptureEmptyRegionKeepsPath(t *testing.T) {
	f := newFixture(t, Config{}, host.Options{}, vaultRegion())
	_, err := f.o.Capture(f.ctx, "vault")
	if !errors.Is(err, snapshot.ErrEmptySnapshot) {
		t.Fatalf("err=%v", err)
	}
	if r, _ := f.reg.Region(f.ctx, "vault"); r.SnapshotPath != "" {
		t.Fatalf("path set after failed capture: %q", r.SnapshotPath)
	}
	if got := f.mirror.list(); len(got) != 0 {
		t.Fatalf("failed capture mirrored: %v", got)
	}
}

func TestRegionRefreshedBeforeExecution(t *testing.T) {
	f := newFixture(t, Config{}, host.Options{}, vaultRegion())
	f.occupy("p1")
	f.o.Poll(f.ctx)
	moved := chamber.ExitPoint{Pos: chamber.Vec3i{X: -50, Y: 80, Z: -50}}
	f.reg.update("vault", func(r *chamber.Region) { r.Exit = &moved })
	f.clock.Advance(time.Hour)
	f.o.Wait()
	if f.at("p1") != moved.Pos {
		t.Fatalf("occupant at %s, want refreshed exit %s", f.at("p1"), moved.Pos)
	}
}
