// Package restore replays a reference snapshot onto a live region in owner-routed batches.
package restore

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chamberkeep.ai/internal/chamber"
	"chamberkeep.ai/internal/persistence/snapshot"
	"chamberkeep.ai/internal/sim/blocks"
)

const (
	DefaultBatchSize        = 500
	DefaultResidencyTimeout = 10 * time.Second
)

type Config struct {
	BatchSize        int
	Parallelism      int
	ResidencyTimeout time.Duration
	// BatchesPerSecond caps submissions across the whole job. Zero means unlimited.
	BatchesPerSecond float64
}

func (c Config) normalized() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	if c.ResidencyTimeout <= 0 {
		c.ResidencyTimeout = DefaultResidencyTimeout
	}
	return c
}

type Job struct {
	Region chamber.Region
	Space  chamber.Space
	Doc    *snapshot.Document
	// Journal is optional. Writes that it rejects fall back to direct writes.
	Journal chamber.Journal
}

type Hooks struct {
	// OnProgress calls are serialized and never report a smaller count than before.
	OnProgress func(processed, total int64)
	OnComplete func(Result)
}

type Result struct {
	Total            int64 `json:"total"`
	Written          int64 `json:"written"`
	Skipped          int64 `json:"skipped"`
	CellErrors       int64 `json:"cell_errors"`
	JournalFallbacks int64 `json:"journal_fallbacks"`

	Partitions        int           `json:"partitions"`
	SkippedPartitions int           `json:"skipped_partitions"`
	Batches           int           `json:"batches"`
	Duration          time.Duration `json:"duration_ns"`

	// Err is set when the job stopped early because its context ended.
	Err error `json:"-"`
}

type Scheduler struct {
	cfg     Config
	logger  *log.Logger
	metrics *Metrics
}

func New(cfg Config, logger *log.Logger, metrics *Metrics) *Scheduler {
	return &Scheduler{cfg: cfg.normalized(), logger: logger, metrics: metrics}
}

func (s *Scheduler) Config() Config { return s.cfg }

// run is the shared state of one Apply call.
type run struct {
	s     *Scheduler
	job   Job
	hooks Hooks
	total int64

	limiter *rate.Limiter

	processed atomic.Int64
	written   atomic.Int64
	skipped   atomic.Int64
	cellErrs  atomic.Int64
	fallbacks atomic.Int64
	batches   atomic.Int64
	skippedP  atomic.Int64

	progressMu sync.Mutex
	reported   int64
}

// Apply writes every cell of job.Doc at region.Min + offset. It returns after every cell
// was attempted or skipped; Hooks.OnComplete fires exactly once with the same Result.
func (s *Scheduler) Apply(ctx context.Context, job Job, hooks Hooks) Result {
	start := time.Now()
	r := &run{s: s, job: job, hooks: hooks}
	var res Result

	if err := job.Doc.Validate(); err != nil {
		res.Err = err
		return r.finish(res, start)
	}
	if job.Space == nil {
		res.Err = fmt.Errorf("%w: no space for %s", chamber.ErrWorldUnavailable, job.Region.Name)
		return r.finish(res, start)
	}
	r.total = int64(len(job.Doc.Cells))
	if s.cfg.BatchesPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(s.cfg.BatchesPerSecond), 1)
	}

	parts := partitionCells(job.Region.Min, job.Doc.Cells)
	res.Partitions = len(parts)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, l := range lanes(job.Space, parts) {
		l := l
		g.Go(func() error {
			r.applyLane(gctx, l)
			return nil
		})
	}
	_ = g.Wait()

	res.Err = ctx.Err()
	return r.finish(res, start)
}

func (r *run) finish(res Result, start time.Time) Result {
	res.Total = r.total
	res.Written = r.written.Load()
	res.Skipped = r.skipped.Load()
	res.CellErrors = r.cellErrs.Load()
	res.JournalFallbacks = r.fallbacks.Load()
	res.Batches = int(r.batches.Load())
	res.SkippedPartitions = int(r.skippedP.Load())
	res.Duration = time.Since(start)

	if r.total > 0 {
		r.report(r.total)
	}
	if res.SkippedPartitions > 0 || res.CellErrors > 0 || res.JournalFallbacks > 0 {
		r.s.logf("restore region=%s total=%d written=%d skipped=%d cell_errors=%d journal_fallbacks=%d skipped_partitions=%d",
			r.job.Region.Name, res.Total, res.Written, res.Skipped, res.CellErrors, res.JournalFallbacks, res.SkippedPartitions)
	}
	r.s.metrics.observe(res)
	if r.hooks.OnComplete != nil {
		r.hooks.OnComplete(res)
	}
	return res
}

// applyLane runs the partitions of one lane in order. Every batch after the first waits
// for a yield, so the lane's owner never runs two of its batches in one quantum.
func (r *run) applyLane(ctx context.Context, lane []partition) {
	submitted := false
	for _, p := range lane {
		submitted = r.applyPartition(ctx, p, submitted)
	}
}

// applyPartition reports whether a batch has been submitted on this lane so far.
func (r *run) applyPartition(ctx context.Context, p partition, submitted bool) bool {
	if ctx.Err() != nil {
		r.skip(len(p.cells))
		return submitted
	}
	sp := r.job.Space

	rctx, cancel := context.WithTimeout(ctx, r.s.cfg.ResidencyTimeout)
	err := sp.EnsureResident(rctx, p.chunk())
	cancel()
	if err != nil {
		r.skippedP.Add(1)
		r.s.logf("restore region=%s partition=%d,%d,%d skipped cells=%d: %v",
			r.job.Region.Name, p.pos.X, p.pos.Y, p.pos.Z, len(p.cells), err)
		r.skip(len(p.cells))
		return submitted
	}

	bs := batches(p.cells, r.s.cfg.BatchSize)
	for i, b := range bs {
		if submitted {
			if err := sp.Yield(ctx); err != nil {
				r.skipRest(bs[i:])
				return submitted
			}
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				r.skipRest(bs[i:])
				return submitted
			}
		}
		if ctx.Err() != nil {
			r.skipRest(bs[i:])
			return submitted
		}
		r.applyBatch(b)
		submitted = true
	}
	return submitted
}

func (r *run) applyBatch(b []target) {
	journal := r.job.Journal
	ran := false
	task := func(tx chamber.Tx) error {
		var written, errs, fallbacks int64
		for _, t := range b {
			fellBack, err := writeCell(tx, journal, t)
			if fellBack {
				fallbacks++
			}
			if err != nil {
				errs++
				continue
			}
			written++
		}
		r.written.Add(written)
		r.cellErrs.Add(errs)
		r.fallbacks.Add(fallbacks)
		r.processed.Add(int64(len(b)))
		ran = true
		return nil
	}
	r.batches.Add(1)
	err := <-r.job.Space.Submit(b[0].abs, task)
	if !ran {
		// The owner never ran the task; every cell of the batch is an error.
		r.s.logf("restore region=%s batch at %s not executed: %v", r.job.Region.Name, b[0].abs, err)
		r.cellErrs.Add(int64(len(b)))
		r.processed.Add(int64(len(b)))
	}
	r.report(r.processed.Load())
}

// writeCell normalizes and writes one cell. Panics inside the host write are recovered and
// reported as ErrCellWrite.
func writeCell(tx chamber.Tx, j chamber.Journal, t target) (fellBack bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %s: panic: %v", chamber.ErrCellWrite, t.abs, rec)
		}
	}()
	st, err := blocks.Parse(t.cell.Type)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", chamber.ErrCellWrite, t.abs, err)
	}
	out := chamber.Cell{Type: blocks.Normalize(st).String(), Metadata: t.cell.Metadata}
	if j != nil {
		if journalWrite(tx, j, t.abs, out) == nil {
			return false, nil
		}
		fellBack = true
	}
	if err := tx.SetBlock(t.abs, out); err != nil {
		return fellBack, fmt.Errorf("%w: %s: %w", chamber.ErrCellWrite, t.abs, err)
	}
	return fellBack, nil
}

func journalWrite(tx chamber.Tx, j chamber.Journal, p chamber.Vec3i, c chamber.Cell) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("journal panic: %v", rec)
		}
	}()
	return j.SetBlock(tx, p, c)
}

func (r *run) skip(n int) {
	r.skipped.Add(int64(n))
	r.report(r.processed.Add(int64(n)))
}

func (r *run) skipRest(rest [][]target) {
	n := 0
	for _, b := range rest {
		n += len(b)
	}
	r.skip(n)
}

func (r *run) report(n int64) {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	if n <= r.reported {
		return
	}
	r.reported = n
	if r.hooks.OnProgress != nil {
		r.hooks.OnProgress(n, r.total)
	}
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
