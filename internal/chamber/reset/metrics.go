package reset

import "github.com/prometheus/client_golang/prometheus"

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	cycles   *prometheus.CounterVec
	warnings prometheus.Counter
	evicted  *prometheus.CounterVec
	cleared  prometheus.Counter
	inFlight prometheus.Gauge
	captures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chamberkeep",
			Subsystem: "reset",
			Name:      "cycles_total",
			Help:      "Reset cycles by outcome.",
		}, []string{"outcome"}),
		warnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chamberkeep",
			Subsystem: "reset",
			Name:      "warnings_total",
			Help:      "Reset warnings broadcast.",
		}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chamberkeep",
			Subsystem: "reset",
			Name:      "evictions_total",
			Help:      "Occupant evictions by result.",
		}, []string{"result"}),
		cleared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chamberkeep",
			Subsystem: "reset",
			Name:      "cleared_entities_total",
			Help:      "Entities removed while clearing.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chamberkeep",
			Subsystem: "reset",
			Name:      "in_flight",
			Help:      "Cycles currently past Armed.",
		}),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chamberkeep",
			Subsystem: "reset",
			Name:      "captures_total",
			Help:      "Explicit captures by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.cycles, m.warnings, m.evicted, m.cleared, m.inFlight, m.captures)
	}
	return m
}

func (m *Metrics) cycle(outcome string) {
	if m != nil {
		m.cycles.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) warning() {
	if m != nil {
		m.warnings.Inc()
	}
}

func (m *Metrics) evictions(moved, missed int) {
	if m == nil {
		return
	}
	m.evicted.WithLabelValues("moved").Add(float64(moved))
	m.evicted.WithLabelValues("missed").Add(float64(missed))
}

func (m *Metrics) clearedEntities(n int) {
	if m != nil {
		m.cleared.Add(float64(n))
	}
}

func (m *Metrics) running(delta float64) {
	if m != nil {
		m.inFlight.Add(delta)
	}
}

func (m *Metrics) capture(result string) {
	if m != nil {
		m.captures.WithLabelValues(result).Inc()
	}
}
