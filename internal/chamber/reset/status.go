package reset

import (
	"sort"
	"time"

	"chamberkeep.ai/internal/chamber"
	"chamberkeep.ai/internal/chamber/restore"
)

// Status is the externally visible state of one region. Errors raised inside a cycle only
// surface here and in the logs.
type Status struct {
	Region  string    `json:"region"`
	State   State     `json:"state"`
	CycleID string    `json:"cycle_id,omitempty"`
	NextDue time.Time `json:"next_due"`

	LastReset   *time.Time      `json:"last_reset,omitempty"`
	LastOutcome string          `json:"last_outcome,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	LastResult  *restore.Result `json:"last_result,omitempty"`

	Processed int64 `json:"processed"`
	Total     int64 `json:"total"`
}

func (o *Orchestrator) statusLocked(r chamber.Region) *Status {
	st := o.status[r.Name]
	if st == nil {
		st = &Status{Region: r.Name, State: StateIdle, NextDue: r.NextDue(), LastReset: r.LastReset}
		o.status[r.Name] = st
	}
	return st
}

func (o *Orchestrator) Status(name string) (Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.status[name]
	if !ok {
		return Status{}, false
	}
	return o.snapshotLocked(st), true
}

func (o *Orchestrator) Statuses() []Status {
	o.mu.Lock()
	out := make([]Status, 0, len(o.status))
	for _, st := range o.status {
		out = append(out, o.snapshotLocked(st))
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Region < out[j].Region })
	return out
}

func (o *Orchestrator) snapshotLocked(st *Status) Status {
	out := *st
	if c := o.cycles[st.Region]; c != nil && c.id == st.CycleID {
		out.Processed = c.processed.Load()
		out.Total = c.total.Load()
	}
	if st.LastReset != nil {
		t := *st.LastReset
		out.LastReset = &t
	}
	if st.LastResult != nil {
		r := *st.LastResult
		out.LastResult = &r
	}
	return out
}
