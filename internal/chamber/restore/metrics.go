package restore

import "github.com/prometheus/client_golang/prometheus"

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	cells             *prometheus.CounterVec
	batches           prometheus.Counter
	skippedPartitions prometheus.Counter
	duration          prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cells: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chamberkeep",
			Subsystem: "restore",
			Name:      "cells_total",
			Help:      "Restored cells by outcome.",
		}, []string{"outcome"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chamberkeep",
			Subsystem: "restore",
			Name:      "batches_total",
			Help:      "Batches submitted to owner contexts.",
		}),
		skippedPartitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chamberkeep",
			Subsystem: "restore",
			Name:      "skipped_partitions_total",
			Help:      "Partitions skipped because they could not be made resident.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chamberkeep",
			Subsystem: "restore",
			Name:      "duration_seconds",
			Help:      "Wall time of one restoration job.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cells, m.batches, m.skippedPartitions, m.duration)
	}
	return m
}

func (m *Metrics) observe(r Result) {
	if m == nil {
		return
	}
	m.cells.WithLabelValues("written").Add(float64(r.Written))
	m.cells.WithLabelValues("error").Add(float64(r.CellErrors))
	m.cells.WithLabelValues("skipped").Add(float64(r.Skipped))
	m.cells.WithLabelValues("journal_fallback").Add(float64(r.JournalFallbacks))
	m.batches.Add(float64(r.Batches))
	m.skippedPartitions.Add(float64(r.SkippedPartitions))
	m.duration.Observe(r.Duration.Seconds())
}
