package tormgr

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus instrumentation for the Runtime/Action
// Scheduler: bootstrap progress, the depth of the pending action queue,
// command round-trip latency, and counts of events and errors observed
// on the control session. A Runtime with no Metrics configured uses
// NewMetrics(nil), which registers nothing and records into
// unregistered collectors.
type Metrics struct {
	bootstrapProgress prometheus.Gauge
	actionQueueDepth  prometheus.Gauge
	commandLatency    *prometheus.HistogramVec
	eventsTotal       *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
}

// NewMetrics constructs a Metrics instance and, if reg is non-nil,
// registers its collectors with reg. Passing nil is valid; the returned
// Metrics still records observations, they are just never scraped.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		bootstrapProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tormgr",
			Subsystem: "runtime",
			Name:      "bootstrap_progress_percent",
			Help:      "Most recently observed tor bootstrap percentage (0-100).",
		}),
		actionQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tormgr",
			Subsystem: "runtime",
			Name:      "action_queue_depth",
			Help:      "Number of actions currently pending in the Runtime's action queue.",
		}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tormgr",
			Subsystem: "session",
			Name:      "command_latency_seconds",
			Help:      "Round-trip latency of control commands, from submission to final reply.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tormgr",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Count of asynchronous control events received, by event kind.",
		}, []string{"kind"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tormgr",
			Subsystem: "runtime",
			Name:      "errors_total",
			Help:      "Count of errors observed, by ErrorKind.",
		}, []string{"kind"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.bootstrapProgress,
			m.actionQueueDepth,
			m.commandLatency,
			m.eventsTotal,
			m.errorsTotal,
		)
	}
	return m
}

// metricsOrNop returns m, or a freshly constructed unregistered Metrics
// if m is nil, so callers can record unconditionally.
func metricsOrNop(m *Metrics) *Metrics {
	if m == nil {
		return NewMetrics(nil)
	}
	return m
}

// observeBootstrap records the most recent bootstrap percentage.
func (m *Metrics) observeBootstrap(percent int) {
	if m == nil {
		return
	}
	m.bootstrapProgress.Set(float64(percent))
}

// setActionQueueDepth records the current depth of the Runtime's action
// queue.
func (m *Metrics) setActionQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.actionQueueDepth.Set(float64(depth))
}

// observeCommandLatency records the round-trip latency of a command,
// labeled by its keyword (e.g. "GETINFO", "SIGNAL").
func (m *Metrics) observeCommandLatency(command string, seconds float64) {
	if m == nil {
		return
	}
	m.commandLatency.WithLabelValues(command).Observe(seconds)
}

// incEvent increments the counter for an observed event kind.
func (m *Metrics) incEvent(kind string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(kind).Inc()
}

// incError increments the counter for an observed ErrorKind.
func (m *Metrics) incError(kind ErrorKind) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(string(kind)).Inc()
}
