package reset

import (
	"context"
	"path/filepath"
	"time"

	"chamberkeep.ai/internal/chamber"
	"chamberkeep.ai/internal/persistence/snapshot"
)

type CaptureResult struct {
	Region     string    `json:"region"`
	Path       string    `json:"path"`
	Cells      int       `json:"cells"`
	CapturedAt time.Time `json:"captured_at"`
}

// Capture records the current layout of name as its reference snapshot. The previous
// reference is only replaced once the new one is fully written.
func (o *Orchestrator) Capture(ctx context.Context, name string) (CaptureResult, error) {
	r, err := o.d.Registry.Region(ctx, name)
	if err != nil {
		return CaptureResult{}, err
	}
	o.mu.Lock()
	c := o.cycles[name]
	busy := c != nil && c.started
	o.mu.Unlock()
	if busy {
		return CaptureResult{}, ErrRegionBusy
	}

	doc, err := o.d.Capturer.Capture(ctx, r)
	if err != nil {
		o.d.Metrics.capture("error")
		return CaptureResult{}, err
	}
	path := r.SnapshotPath
	if path == "" {
		path = filepath.Join(o.cfg.SnapshotDir, name+".snap.zst")
	}
	if err := snapshot.Write(path, doc); err != nil {
		o.d.Metrics.capture("error")
		return CaptureResult{}, err
	}
	if path != r.SnapshotPath {
		if err := o.d.Registry.SetSnapshotPath(ctx, name, path); err != nil {
			o.d.Metrics.capture("error")
			return CaptureResult{}, err
		}
	}
	o.d.Metrics.capture("ok")

	res := CaptureResult{Region: name, Path: path, Cells: len(doc.Cells), CapturedAt: doc.CapturedAt}
	o.logf("region=%s captured cells=%d path=%s", name, res.Cells, path)
	if o.d.Mirror != nil {
		o.d.Mirror.Enqueue(name, path)
	}
	if o.d.Audit != nil {
		e := chamber.AuditEntry{
			At:     o.clock.Now().UTC().Format(time.RFC3339),
			Region: name,
			Event:  chamber.AuditCapture,
			Details: map[string]any{
				"path":  path,
				"cells": res.Cells,
			},
		}
		if err := o.d.Audit.WriteAudit(e); err != nil {
			o.logf("audit region=%s: %v", name, err)
		}
	}
	return res, nil
}
