// Package mirror copies reference snapshots to object storage after each capture.
package mirror

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Putter stores the file at localPath under key.
type Putter interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type Options struct {
	Prefix        string
	Workers       int
	QueueCapacity int
	// EnqueueWait bounds how long Enqueue blocks on a full queue before dropping.
	EnqueueWait time.Duration
	// Backoff is the base retry delay; attempt n sleeps n*n*Backoff.
	Backoff time.Duration
}

type job struct {
	region string
	path   string
}

type Mirror struct {
	putter Putter
	opts   Options
	logger *log.Logger

	jobs chan job
	wg   sync.WaitGroup

	uploads  *prometheus.CounterVec
	dropped  prometheus.Counter
	lastSync prometheus.Gauge
}

const maxAttempts = 4

func New(p Putter, opts Options, reg prometheus.Registerer, logger *log.Logger) *Mirror {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 64
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 25 * time.Millisecond
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	opts.Prefix = strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/")
	m := &Mirror{
		putter: p,
		opts:   opts,
		logger: logger,
		jobs:   make(chan job, opts.QueueCapacity),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chamberkeep_mirror_uploads_total",
			Help: "Snapshot mirror uploads by result.",
		}, []string{"result"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chamberkeep_mirror_dropped_total",
			Help: "Snapshots not mirrored because the queue stayed full.",
		}),
		lastSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chamberkeep_mirror_last_success_unix",
			Help: "Unix time of the last successful upload.",
		}),
	}
	if reg != nil {
		depth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "chamberkeep_mirror_queue_depth",
			Help: "Snapshots waiting to be mirrored.",
		}, func() float64 { return float64(len(m.jobs)) })
		reg.MustRegister(m.uploads, m.dropped, m.lastSync, depth)
	}
	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for j := range m.jobs {
				m.upload(j)
			}
		}()
	}
	return m
}

// Key is the object key the reference snapshot of region is stored under. Each capture
// overwrites the previous object.
func (m *Mirror) Key(region, localPath string) string {
	name := region + ".snap.zst"
	if region == "" {
		name = path.Base(strings.ReplaceAll(localPath, "\\", "/"))
	}
	if m.opts.Prefix == "" {
		return name
	}
	return path.Join(m.opts.Prefix, name)
}

func (m *Mirror) Enqueue(region, localPath string) {
	if m == nil || m.putter == nil {
		return
	}
	j := job{region: region, path: localPath}
	select {
	case m.jobs <- j:
		return
	default:
	}
	timer := time.NewTimer(m.opts.EnqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- j:
	case <-timer.C:
		m.dropped.Inc()
		m.printf("mirror drop region=%s local=%s reason=queue_saturated", region, localPath)
	}
}

// Close waits for queued uploads to finish.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	close(m.jobs)
	m.wg.Wait()
}

func (m *Mirror) upload(j job) {
	if _, err := os.Stat(j.path); err != nil {
		m.uploads.WithLabelValues("skipped").Inc()
		m.printf("mirror skip region=%s local=%s err=%v", j.region, j.path, err)
		return
	}
	key := m.Key(j.region, j.path)
	if err := m.uploadWithRetry(key, j.path); err != nil {
		m.uploads.WithLabelValues("error").Inc()
		m.printf("mirror upload failed key=%s local=%s err=%v", key, j.path, err)
		return
	}
	m.uploads.WithLabelValues("ok").Inc()
	m.lastSync.SetToCurrentTime()
	m.printf("mirror uploaded key=%s local=%s", key, j.path)
}

func (m *Mirror) uploadWithRetry(key, localPath string) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := m.putter.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < maxAttempts {
			time.Sleep(time.Duration(attempt*attempt) * m.opts.Backoff)
		}
	}
	return fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

func (m *Mirror) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
