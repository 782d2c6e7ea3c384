package reset

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"chamberkeep.ai/internal/chamber"
	"chamberkeep.ai/internal/protocol"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c    *fakeClock
	at   time.Time
	f    func()
	done bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.done
	t.done = true
	return was
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward, firing due timers in order on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.done || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.done = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

type memRegistry struct {
	mu         sync.Mutex
	regions    map[string]chamber.Region
	lastResets []time.Time
	gate       chan struct{}
}

func newMemRegistry(rs ...chamber.Region) *memRegistry {
	m := &memRegistry{regions: map[string]chamber.Region{}}
	for _, r := range rs {
		m.regions[r.Name] = r
	}
	return m
}

func (m *memRegistry) Regions(context.Context) ([]chamber.Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]chamber.Region, 0, len(m.regions))
	for _, r := range m.regions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memRegistry) Region(_ context.Context, name string) (chamber.Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[name]
	if !ok {
		return chamber.Region{}, chamber.ErrUnknownRegion
	}
	return r, nil
}

func (m *memRegistry) SetLastReset(_ context.Context, name string, at time.Time) error {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[name]
	if !ok {
		return chamber.ErrUnknownRegion
	}
	r.LastReset = &at
	m.regions[name] = r
	m.lastResets = append(m.lastResets, at)
	return nil
}

func (m *memRegistry) SetSnapshotPath(_ context.Context, name, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[name]
	if !ok {
		return chamber.ErrUnknownRegion
	}
	r.SnapshotPath = path
	m.regions[name] = r
	return nil
}

func (m *memRegistry) update(name string, fn func(r *chamber.Region)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.regions[name]
	fn(&r)
	m.regions[name] = r
}

func (m *memRegistry) remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regions, name)
}

func (m *memRegistry) resets() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.lastResets...)
}

type sent struct {
	to     []string
	notice protocol.Notice
}

type recordingMessenger struct {
	mu   sync.Mutex
	sent []sent
}

func (m *recordingMessenger) Broadcast(_ context.Context, to []chamber.Occupant, n protocol.Notice) {
	ids := make([]string, 0, len(to))
	for _, o := range to {
		ids = append(ids, o.ID)
	}
	m.mu.Lock()
	m.sent = append(m.sent, sent{to: ids, notice: n})
	m.mu.Unlock()
}

func (m *recordingMessenger) ofType(typ string) []sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sent
	for _, s := range m.sent {
		if s.notice.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

type memHistory struct {
	mu   sync.Mutex
	recs []chamber.CycleRecord
}

func (h *memHistory) RecordCycle(_ context.Context, rec chamber.CycleRecord) error {
	h.mu.Lock()
	h.recs = append(h.recs, rec)
	h.mu.Unlock()
	return nil
}

func (h *memHistory) all() []chamber.CycleRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]chamber.CycleRecord(nil), h.recs...)
}

type memAudit struct {
	mu      sync.Mutex
	entries []chamber.AuditEntry
}

func (a *memAudit) WriteAudit(e chamber.AuditEntry) error {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
	return nil
}

func (a *memAudit) states(cycleID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		if e.CycleID == cycleID && e.Event == chamber.AuditState {
			out = append(out, e.State)
		}
	}
	return out
}

type cooldowns struct {
	mu    sync.Mutex
	calls []string
}

func (c *cooldowns) ResetCooldowns(_ context.Context, region string) error {
	c.mu.Lock()
	c.calls = append(c.calls, region)
	c.mu.Unlock()
	return nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type memMirror struct {
	mu   sync.Mutex
	sent []string
}

func (m *memMirror) Enqueue(region, localPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, region+"="+localPath)
}

func (m *memMirror) list() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}
