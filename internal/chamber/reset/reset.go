// Package reset drives the per-region reset lifecycle: warnings, eviction, clearing,
// restoration from the reference snapshot, and last-reset bookkeeping.
package reset

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chamberkeep.ai/internal/chamber"
	"chamberkeep.ai/internal/chamber/capture"
	"chamberkeep.ai/internal/chamber/restore"
	"chamberkeep.ai/internal/protocol"
)

type State string

const (
	StateIdle       State = "IDLE"
	StateArmed      State = "ARMED"
	StateEvicting   State = "EVICTING"
	StateClearing   State = "CLEARING"
	StateRestoring  State = "RESTORING"
	StateFinalizing State = "FINALIZING"
	StateFailed     State = "FAILED"
)

var ErrRegionBusy = errors.New("reset: region is resetting")

const (
	DefaultPollInterval = 60 * time.Second
	DefaultEvictTimeout = 5 * time.Second
	DefaultClearTimeout = 5 * time.Second
)

type Config struct {
	PollInterval time.Duration
	// Warnings are lead times before the due instant at which occupants are notified.
	Warnings     []time.Duration
	EvictTimeout time.Duration
	ClearTimeout time.Duration

	ClearHostiles  bool
	ResetCooldowns bool

	// SnapshotDir holds captures of regions that have no snapshot path yet.
	SnapshotDir string
}

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.EvictTimeout <= 0 {
		c.EvictTimeout = DefaultEvictTimeout
	}
	if c.ClearTimeout <= 0 {
		c.ClearTimeout = DefaultClearTimeout
	}
	ws := make([]time.Duration, 0, len(c.Warnings))
	seen := map[time.Duration]bool{}
	for _, w := range c.Warnings {
		if w > 0 && !seen[w] {
			seen[w] = true
			ws = append(ws, w)
		}
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i] > ws[j] })
	c.Warnings = ws
	return c
}

// Deps are the collaborators of an Orchestrator. Registry, World, Restorer and Capturer are
// required; the rest may be nil.
type SnapshotMirror interface {
	Enqueue(region, localPath string)
}

type Deps struct {
	Registry  chamber.Registry
	World     chamber.World
	Messenger chamber.Messenger
	Cooldowns chamber.CooldownResetter
	Journals  chamber.JournalOpener
	History   chamber.HistoryRecorder
	Audit     chamber.Auditor

	// Mirror, when set, receives every newly written reference snapshot.
	Mirror SnapshotMirror

	Restorer *restore.Scheduler
	Capturer *capture.Capturer

	Clock   Clock
	Logger  *log.Logger
	Metrics *Metrics
}

type cycle struct {
	id     string
	region chamber.Region
	due    time.Time

	ctx    context.Context
	cancel context.CancelFunc
	timers []Timer

	// Guarded by Orchestrator.mu.
	started bool
	state   State

	processed atomic.Int64
	total     atomic.Int64
}

type Orchestrator struct {
	cfg       Config
	d         Deps
	clock     Clock
	journaled bool

	base     context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	mu     sync.Mutex
	cycles map[string]*cycle
	status map[string]*Status
}

func New(cfg Config, d Deps) *Orchestrator {
	if d.Clock == nil {
		d.Clock = SystemClock
	}
	base, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg.normalized(),
		d:        d,
		clock:    d.Clock,
		base:     base,
		shutdown: cancel,
		cycles:   map[string]*cycle{},
		status:   map[string]*Status{},
	}
	caps := d.World.Capabilities()
	o.journaled = caps.Journal && d.Journals != nil
	o.logf("capabilities journal=%t", o.journaled)
	return o
}

// Journaled reports whether restorations write through undo journals.
func (o *Orchestrator) Journaled() bool { return o.journaled }

// Run polls until ctx ends, then cancels every cycle and waits for them to unwind.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.Poll(ctx)
	t := time.NewTicker(o.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			o.Close()
			return ctx.Err()
		case <-t.C:
			o.Poll(ctx)
		}
	}
}

func (o *Orchestrator) Close() {
	o.mu.Lock()
	for name, c := range o.cycles {
		stopTimers(c)
		c.cancel()
		delete(o.cycles, name)
	}
	o.mu.Unlock()
	o.shutdown()
	o.wg.Wait()
}

// Wait blocks until every started cycle has returned.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Poll runs one due check over the registry.
func (o *Orchestrator) Poll(ctx context.Context) {
	regions, err := o.d.Registry.Regions(ctx)
	if err != nil {
		o.logf("poll: registry: %v", err)
		return
	}
	present := make(map[string]bool, len(regions))
	for _, r := range regions {
		present[r.Name] = true
	}

	o.mu.Lock()
	for name := range o.cycles {
		if !present[name] {
			o.dropLocked(name)
			o.logf("region=%s gone from registry; cycle cancelled", name)
		}
	}
	for name := range o.status {
		if !present[name] {
			delete(o.status, name)
		}
	}
	o.mu.Unlock()

	now := o.clock.Now()
	for _, r := range regions {
		if err := r.Validate(); err != nil {
			o.mu.Lock()
			st := o.statusLocked(r)
			st.State = StateFailed
			st.LastError = err.Error()
			o.mu.Unlock()
			o.logf("region=%s skipped: %v", r.Name, err)
			continue
		}

		o.mu.Lock()
		if o.cycles[r.Name] != nil {
			o.mu.Unlock()
			continue
		}
		remaining := r.NextDue().Sub(now)
		c := o.newCycleLocked(r)
		if remaining <= 0 {
			o.mu.Unlock()
			o.logf("region=%s overdue by %s; resetting now", r.Name, (-remaining).Round(time.Second))
			o.begin(c, "overdue")
			continue
		}
		o.armLocked(c, remaining)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) newCycleLocked(r chamber.Region) *cycle {
	ctx, cancel := context.WithCancel(o.base)
	c := &cycle{
		id:     uuid.NewString(),
		region: r,
		due:    r.NextDue(),
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
	}
	o.cycles[r.Name] = c
	st := o.statusLocked(r)
	st.CycleID = c.id
	st.NextDue = c.due
	st.Processed, st.Total = 0, 0
	return c
}

// armLocked schedules one timer per warning not longer than remaining, plus the due timer.
func (o *Orchestrator) armLocked(c *cycle, remaining time.Duration) {
	c.state = StateArmed
	o.status[c.region.Name].State = StateArmed
	for _, w := range o.cfg.Warnings {
		if w > remaining {
			continue
		}
		w := w
		c.timers = append(c.timers, o.clock.AfterFunc(remaining-w, func() { o.warn(c, w) }))
	}
	c.timers = append(c.timers, o.clock.AfterFunc(remaining, func() { o.begin(c, "due") }))
	o.audit(c, chamber.AuditState, StateArmed, map[string]any{"due": c.due.UTC().Format(time.RFC3339)})
}

func (o *Orchestrator) warn(c *cycle, lead time.Duration) {
	o.mu.Lock()
	live := o.cycles[c.region.Name] == c && !c.started && c.ctx.Err() == nil
	o.mu.Unlock()
	if !live {
		return
	}
	sp, err := o.d.World.Space(c.region.Space)
	if err != nil {
		o.logf("region=%s warning %s: %v", c.region.Name, lead, err)
		return
	}
	occupants := sp.Occupants(c.region.Min, c.region.Max)
	o.d.Metrics.warning()
	if len(occupants) == 0 || o.d.Messenger == nil {
		return
	}
	o.d.Messenger.Broadcast(c.ctx, occupants, protocol.ResetNotice(c.region.Name, lead, o.clock.Now()))
}

// begin moves an Armed or fresh cycle into execution. Later calls for the same cycle are no-ops.
func (o *Orchestrator) begin(c *cycle, reason string) {
	o.mu.Lock()
	if o.cycles[c.region.Name] != c || c.started || c.ctx.Err() != nil {
		o.mu.Unlock()
		return
	}
	c.started = true
	stopTimers(c)
	o.wg.Add(1)
	o.mu.Unlock()

	o.logf("region=%s cycle=%s starting (%s)", c.region.Name, c.id, reason)
	o.d.Metrics.running(1)
	go func() {
		defer o.wg.Done()
		defer o.d.Metrics.running(-1)
		o.execute(c)
	}()
}

// ForceReset skips any remaining warnings and starts the execution sequence now. It only
// fails for regions the registry does not know.
func (o *Orchestrator) ForceReset(ctx context.Context, name string) error {
	o.mu.Lock()
	c := o.cycles[name]
	o.mu.Unlock()
	if c == nil {
		r, err := o.d.Registry.Region(ctx, name)
		if err != nil {
			return err
		}
		if err := r.Validate(); err != nil {
			return err
		}
		o.mu.Lock()
		if c = o.cycles[name]; c == nil {
			c = o.newCycleLocked(r)
		}
		o.mu.Unlock()
	}
	o.mu.Lock()
	running := c.started
	o.mu.Unlock()
	if running {
		o.logf("region=%s force reset ignored; cycle %s already running", name, c.id)
		return nil
	}
	o.begin(c, "forced")
	return nil
}

// Remove stops tracking name: timers are cancelled and an in-flight cycle is abandoned
// before it reaches Restoring. It reports whether anything was being tracked.
func (o *Orchestrator) Remove(name string) bool {
	o.mu.Lock()
	_, tracked := o.status[name]
	c := o.cycles[name]
	o.dropLocked(name)
	delete(o.status, name)
	o.mu.Unlock()
	if c != nil {
		o.audit(c, chamber.AuditRemoved, "", nil)
	}
	return tracked || c != nil
}

func (o *Orchestrator) dropLocked(name string) {
	c := o.cycles[name]
	if c == nil {
		return
	}
	stopTimers(c)
	c.cancel()
	delete(o.cycles, name)
}

func stopTimers(c *cycle) {
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
}

func (o *Orchestrator) setState(c *cycle, s State) {
	o.mu.Lock()
	c.state = s
	if o.cycles[c.region.Name] == c {
		if st := o.status[c.region.Name]; st != nil {
			st.State = s
		}
	}
	o.mu.Unlock()
	o.logf("region=%s cycle=%s state=%s", c.region.Name, c.id, s)
	o.audit(c, chamber.AuditState, s, nil)
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.d.Logger != nil {
		o.d.Logger.Printf(format, args...)
	}
}

func (o *Orchestrator) audit(c *cycle, event string, s State, details map[string]any) {
	if o.d.Audit == nil {
		return
	}
	e := chamber.AuditEntry{
		At:      o.clock.Now().UTC().Format(time.RFC3339),
		Region:  c.region.Name,
		CycleID: c.id,
		Event:   event,
		State:   string(s),
		Details: details,
	}
	if err := o.d.Audit.WriteAudit(e); err != nil {
		o.logf("audit region=%s: %v", c.region.Name, err)
	}
}

func wrapConfig(err error) error {
	if errors.Is(err, chamber.ErrConfiguration) {
		return err
	}
	return fmt.Errorf("%w: %w", chamber.ErrConfiguration, err)
}
