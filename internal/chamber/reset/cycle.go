package reset

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"chamberkeep.ai/internal/chamber"
	"chamberkeep.ai/internal/chamber/restore"
	"chamberkeep.ai/internal/persistence/snapshot"
	"chamberkeep.ai/internal/protocol"
	"chamberkeep.ai/internal/sim/blocks"
)

// execute runs Evicting, Clearing, Restoring and Finalizing in order. A cancelled cycle
// stops at the next step boundary and never reaches Finalizing.
func (o *Orchestrator) execute(c *cycle) {
	r := c.region
	rec := chamber.CycleRecord{ID: c.id, Region: r.Name, StartedAt: o.clock.Now()}

	// The registry copy may have changed since arming (new snapshot path, moved exit).
	fresh, err := o.d.Registry.Region(c.ctx, r.Name)
	switch {
	case err == nil:
		r = fresh
	case errors.Is(err, chamber.ErrUnknownRegion):
		o.mu.Lock()
		if o.cycles[r.Name] == c {
			o.dropLocked(r.Name)
		}
		o.mu.Unlock()
		o.abandoned(c)
		return
	default:
		o.logf("region=%s registry refresh: %v; using armed copy", r.Name, err)
	}
	if err := r.Validate(); err != nil {
		o.fail(c, rec, err)
		return
	}

	sp, err := o.d.World.Space(r.Space)
	if err != nil {
		o.fail(c, rec, wrapConfig(err))
		return
	}

	o.setState(c, StateEvicting)
	occupants := sp.Occupants(r.Min, r.Max)
	rec.Occupants = len(occupants)
	rec.Evicted = o.evict(c.ctx, sp, r, occupants)
	if o.abandoned(c) {
		return
	}

	o.setState(c, StateClearing)
	rec.Cleared = o.clear(c.ctx, sp, r)
	if o.abandoned(c) {
		return
	}

	o.setState(c, StateRestoring)
	res, restored := o.restoreRegion(c, sp, r)
	if o.abandoned(c) {
		return
	}
	if res != nil {
		rec.Cells = res.Total
		rec.Written = res.Written
		rec.Skipped = res.Skipped
		rec.CellErrors = res.CellErrors
	}

	o.setState(c, StateFinalizing)
	now := o.clock.Now()
	if err := o.d.Registry.SetLastReset(c.ctx, r.Name, now); err != nil {
		o.fail(c, rec, fmt.Errorf("set last reset: %w", err))
		return
	}
	if o.cfg.ResetCooldowns && o.d.Cooldowns != nil {
		if err := o.d.Cooldowns.ResetCooldowns(c.ctx, r.Name); err != nil {
			o.logf("region=%s cooldown reset: %v", r.Name, err)
		}
	}
	if o.d.Messenger != nil && len(occupants) > 0 {
		o.d.Messenger.Broadcast(c.ctx, occupants, protocol.ResetDone(r.Name, c.id, restored, now))
	}

	rec.FinishedAt = now
	rec.Outcome = chamber.OutcomeUnchanged
	if restored {
		rec.Outcome = chamber.OutcomeRestored
	}
	o.record(c, rec)
	o.d.Metrics.cycle(rec.Outcome)

	o.mu.Lock()
	if o.cycles[r.Name] == c {
		delete(o.cycles, r.Name)
	}
	if st := o.status[r.Name]; st != nil && st.CycleID == c.id {
		st.State = StateIdle
		t := now
		st.LastReset = &t
		st.NextDue = now.Add(r.Interval)
		st.LastOutcome = rec.Outcome
		st.LastError = ""
		st.LastResult = res
		st.Processed, st.Total = c.processed.Load(), c.total.Load()
	}
	o.mu.Unlock()
	c.cancel()
	o.logf("region=%s cycle=%s done outcome=%s evicted=%d/%d cleared=%d written=%d",
		r.Name, c.id, rec.Outcome, rec.Evicted, rec.Occupants, rec.Cleared, rec.Written)
}

// abandoned reports whether the cycle was cancelled; the cycle is then dropped silently.
func (o *Orchestrator) abandoned(c *cycle) bool {
	if c.ctx.Err() == nil {
		return false
	}
	o.logf("region=%s cycle=%s abandoned", c.region.Name, c.id)
	o.d.Metrics.cycle("cancelled")
	return true
}

func (o *Orchestrator) fail(c *cycle, rec chamber.CycleRecord, err error) {
	rec.FinishedAt = o.clock.Now()
	rec.Outcome = chamber.OutcomeFailed
	rec.Err = err.Error()
	o.logf("region=%s cycle=%s failed: %v", c.region.Name, c.id, err)

	o.mu.Lock()
	c.state = StateFailed
	if o.cycles[c.region.Name] == c {
		delete(o.cycles, c.region.Name)
	}
	if st := o.status[c.region.Name]; st != nil && st.CycleID == c.id {
		st.State = StateFailed
		st.LastOutcome = chamber.OutcomeFailed
		st.LastError = err.Error()
	}
	o.mu.Unlock()
	c.cancel()

	o.record(c, rec)
	o.d.Metrics.cycle(chamber.OutcomeFailed)
}

func (o *Orchestrator) record(c *cycle, rec chamber.CycleRecord) {
	event := chamber.AuditCycleDone
	if rec.Outcome == chamber.OutcomeFailed {
		event = chamber.AuditCycleFailed
	}
	o.audit(c, event, "", map[string]any{
		"outcome":     rec.Outcome,
		"occupants":   rec.Occupants,
		"evicted":     rec.Evicted,
		"cleared":     rec.Cleared,
		"cells":       rec.Cells,
		"written":     rec.Written,
		"skipped":     rec.Skipped,
		"cell_errors": rec.CellErrors,
		"error":       rec.Err,
	})
	if o.d.History == nil {
		return
	}
	// The cycle context may already be cancelled; history is written regardless.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.d.History.RecordCycle(ctx, rec); err != nil {
		o.logf("region=%s history: %v", c.region.Name, err)
	}
}

// exitColumn is a vertical run of candidate body positions, scanned top down.
type exitColumn struct {
	x, z        int
	top, bottom int
}

// exitColumns lists where an exit may be searched: the roof above the centre, then the
// ground beside each face of the region. None of the candidates lie inside the region.
func exitColumns(r chamber.Region) []exitColumn {
	c := r.Center()
	above := r.Max.Y + 1
	return []exitColumn{
		{x: c.X, z: c.Z, top: above, bottom: above},
		{x: r.Max.X + 1, z: c.Z, top: above, bottom: r.Min.Y},
		{x: r.Min.X - 1, z: c.Z, top: above, bottom: r.Min.Y},
		{x: c.X, z: r.Max.Z + 1, top: above, bottom: r.Min.Y},
		{x: c.X, z: r.Min.Z - 1, top: above, bottom: r.Min.Y},
	}
}

// exitPoint returns the configured exit, else the first standable cell outside the region
// found by exitColumns, else the space spawn. ctx bounds the whole search.
func (o *Orchestrator) exitPoint(ctx context.Context, sp chamber.Space, r chamber.Region) chamber.ExitPoint {
	if r.Exit != nil {
		return *r.Exit
	}
	for _, col := range exitColumns(r) {
		p, err := o.scanColumn(ctx, sp, r, col)
		if err != nil {
			o.logf("region=%s exit scan at %d,%d: %v", r.Name, col.x, col.z, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if p != nil {
			return chamber.ExitPoint{Pos: *p}
		}
	}
	return sp.Spawn()
}

func (o *Orchestrator) scanColumn(ctx context.Context, sp chamber.Space, r chamber.Region, col exitColumn) (*chamber.Vec3i, error) {
	var found *chamber.Vec3i
	task := func(tx chamber.Tx) error {
		kind := func(y int) (string, error) {
			c, err := tx.Block(chamber.Vec3i{X: col.x, Y: y, Z: col.z})
			return blocks.KindOf(c.Type), err
		}
		for y := col.top; y >= col.bottom; y-- {
			body := chamber.Vec3i{X: col.x, Y: y, Z: col.z}
			if r.Contains(body) || r.Contains(body.Add(chamber.Vec3i{Y: 1})) {
				continue
			}
			floor, err := kind(y - 1)
			if err != nil {
				return err
			}
			feet, err := kind(y)
			if err != nil {
				return err
			}
			head, err := kind(y + 1)
			if err != nil {
				return err
			}
			if blocks.SafeFloor(floor) && blocks.SafeBody(feet) && blocks.SafeBody(head) {
				found = &body
				return nil
			}
		}
		return nil
	}
	select {
	case err := <-sp.Submit(chamber.Vec3i{X: col.x, Y: col.top, Z: col.z}, task):
		return found, err
	case <-ctx.Done():
		return nil, chamber.ErrTimeout
	}
}

// evict finds the destination and teleports every occupant on its owning context. Both
// share one EvictTimeout deadline. Occupants that could not be moved in time stay inside
// while the region is restored.
func (o *Orchestrator) evict(ctx context.Context, sp chamber.Space, r chamber.Region, occupants []chamber.Occupant) int {
	if len(occupants) == 0 {
		return 0
	}
	ectx, cancel := context.WithTimeout(ctx, o.cfg.EvictTimeout)
	defer cancel()

	dest := o.exitPoint(ectx, sp, r)
	moved := o.fanOut(ectx, sp, o.cfg.EvictTimeout, len(occupants), func(i int) (chamber.Vec3i, chamber.Task) {
		oc := occupants[i]
		return oc.Pos, func(tx chamber.Tx) error { return tx.Teleport(oc.ID, dest) }
	}, func(i int, err error) {
		o.logf("region=%s evict %s: %v", r.Name, occupants[i].ID, err)
	})
	o.d.Metrics.evictions(moved, len(occupants)-moved)
	if moved < len(occupants) {
		o.logf("region=%s evicted %d of %d occupants before %s; restoring with occupants inside",
			r.Name, moved, len(occupants), o.cfg.EvictTimeout)
	}
	return moved
}

// clear removes dropped items, and hostile mobs when configured, bounded by ClearTimeout.
func (o *Orchestrator) clear(ctx context.Context, sp chamber.Space, r chamber.Region) int {
	var doomed []chamber.Entity
	for _, e := range sp.Entities(r.Min, r.Max) {
		switch {
		case e.Kind == chamber.EntityItem:
			doomed = append(doomed, e)
		case e.Kind == chamber.EntityHostile && o.cfg.ClearHostiles:
			doomed = append(doomed, e)
		}
	}
	if len(doomed) == 0 {
		return 0
	}
	removed := o.fanOut(ctx, sp, o.cfg.ClearTimeout, len(doomed), func(i int) (chamber.Vec3i, chamber.Task) {
		e := doomed[i]
		return e.Pos, func(tx chamber.Tx) error { return tx.RemoveEntity(e.ID) }
	}, func(i int, err error) {
		o.logf("region=%s clear %s %s: %v", r.Name, doomed[i].Kind, doomed[i].ID, err)
	})
	o.d.Metrics.clearedEntities(removed)
	if removed < len(doomed) {
		o.logf("region=%s cleared %d of %d entities before %s", r.Name, removed, len(doomed), o.cfg.ClearTimeout)
	}
	return removed
}

// fanOut submits n tasks to their owners and waits for them up to timeout. It returns how
// many completed without error.
func (o *Orchestrator) fanOut(ctx context.Context, sp chamber.Space, timeout time.Duration, n int, task func(i int) (chamber.Vec3i, chamber.Task), onErr func(i int, err error)) int {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var ok atomic.Int64
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		at, t := task(i)
		ch := sp.Submit(at, t)
		g.Go(func() error {
			select {
			case err := <-ch:
				if err != nil {
					onErr(i, err)
					return nil
				}
				ok.Add(1)
			case <-tctx.Done():
				onErr(i, chamber.ErrTimeout)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load())
}

func (o *Orchestrator) restoreRegion(c *cycle, sp chamber.Space, r chamber.Region) (*restore.Result, bool) {
	if r.SnapshotPath == "" {
		o.logf("region=%s no snapshot; layout left unchanged", r.Name)
		return nil, false
	}
	doc, err := snapshot.ReadWith(r.SnapshotPath, snapshot.ReadOptions{Logf: o.logf})
	if err != nil {
		o.logf("region=%s snapshot unusable, layout left unchanged: %v", r.Name, err)
		return nil, false
	}
	if doc.WorldID != sp.ID() {
		o.logf("region=%s snapshot was captured in %q, region lives in %q; layout left unchanged", r.Name, doc.WorldID, sp.ID())
		return nil, false
	}

	var j chamber.Journal
	if o.journaled {
		label := fmt.Sprintf("chamber-%s-%s", r.Name, c.id)
		if j, err = o.d.Journals.OpenJournal(sp.ID(), label); err != nil {
			o.logf("region=%s journal: %v; writing directly", r.Name, err)
			j = nil
		}
	}
	c.total.Store(int64(len(doc.Cells)))
	res := o.d.Restorer.Apply(c.ctx, restore.Job{Region: r, Space: sp, Doc: doc, Journal: j}, restore.Hooks{
		OnProgress: func(processed, total int64) {
			c.processed.Store(processed)
			c.total.Store(total)
		},
	})
	if j != nil {
		if err := j.Close(); err != nil {
			o.logf("region=%s journal close: %v", r.Name, err)
		}
	}
	return &res, res.Err == nil
}
