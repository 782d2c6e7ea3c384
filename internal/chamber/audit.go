package chamber

import (
	"context"
	"time"
)

// Audit events.
const (
	AuditState       = "STATE"
	AuditCapture     = "CAPTURE"
	AuditCycleDone   = "CYCLE_DONE"
	AuditCycleFailed = "CYCLE_FAILED"
	AuditRemoved     = "REMOVED"
)

// AuditEntry is one durable record of the reset lifecycle.
type AuditEntry struct {
	At      string         `json:"at"`
	Region  string         `json:"region"`
	CycleID string         `json:"cycle_id,omitempty"`
	Event   string         `json:"event"`
	State   string         `json:"state,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type Auditor interface {
	WriteAudit(e AuditEntry) error
}

// Cycle outcomes.
const (
	OutcomeRestored  = "RESTORED"
	OutcomeUnchanged = "UNCHANGED"
	OutcomeFailed    = "FAILED"
)

// CycleRecord is the durable summary of one finished or failed reset cycle.
type CycleRecord struct {
	ID         string
	Region     string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    string

	Evicted    int
	Occupants  int
	Cleared    int
	Cells      int64
	Written    int64
	Skipped    int64
	CellErrors int64

	Err string
}

type HistoryRecorder interface {
	RecordCycle(ctx context.Context, rec CycleRecord) error
}
