// Package metrics holds the Prometheus collectors exported by the session
// orchestrator. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "zstudio"

// Metrics groups the orchestrator collectors.
type Metrics struct {
	transitions      *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	generations      *prometheus.CounterVec
	generateDuration prometheus.Histogram
	loadWait         prometheus.Histogram
	loadTriggers     prometheus.Counter
	inflight         prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "model",
				Name:      "transitions_total",
				Help:      "Model lifecycle transitions",
			},
			[]string{"from", "to"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "notifications_total",
				Help:      "Notifications delivered by the channel",
			},
			[]string{"kind"},
		),
		generations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generate",
				Name:      "requests_total",
				Help:      "Generation requests by outcome",
			},
			[]string{"outcome"},
		),
		generateDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "generate",
				Name:      "duration_seconds",
				Help:      "Duration of remote generation calls in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160, 320},
			},
		),
		loadWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "model",
				Name:      "load_wait_seconds",
				Help:      "Time callers spent waiting for the model to leave the loading state",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		loadTriggers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "model",
				Name:      "load_triggers_total",
				Help:      "Remote model load triggers issued",
			},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "generate",
				Name:      "inflight_requests",
				Help:      "Remote generation calls in flight",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.notifications, m.generations, m.generateDuration, m.loadWait, m.loadTriggers, m.inflight)
	}
	return m
}

// Transition counts a lifecycle transition.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// Notification counts a delivered notification.
func (m *Metrics) Notification(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

// LoadTriggered counts a remote load trigger.
func (m *Metrics) LoadTriggered() {
	if m == nil {
		return
	}
	m.loadTriggers.Inc()
}

// ObserveLoadWait records how long a caller waited on a loading model.
func (m *Metrics) ObserveLoadWait(d time.Duration) {
	if m == nil {
		return
	}
	m.loadWait.Observe(d.Seconds())
}

// GenerateStarted marks a remote generation call in flight; call the result when it ends.
func (m *Metrics) GenerateStarted() func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.inflight.Inc()
	return func(outcome string) {
		m.inflight.Dec()
		m.generateDuration.Observe(time.Since(start).Seconds())
		m.generations.WithLabelValues(outcome).Inc()
	}
}

// Rejected counts a generation that never reached the remote call.
func (m *Metrics) Rejected(outcome string) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(outcome).Inc()
}
