// Package metrics collects Prometheus metrics for the push engine, the
// session manager, and the replay driver.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine, session manager, and replay
// driver touch.
type Metrics struct {
	PushLatency      *prometheus.HistogramVec
	PushFailures     *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	SubscriberDrops  prometheus.Counter
	ReplayPoints     *prometheus.CounterVec
	ReplayThroughput prometheus.Counter
}

// New creates a Metrics instance registered against the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer.
// A nil registerer skips registration, which test code uses to avoid
// colliding with the global default registry across parallel tests.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		PushLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "analyticsd_push_wave_duration_seconds",
				Help:    "Duration of a single push-mode wave, from root update to last dependent settling",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"asset_kind"},
		),
		PushFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyticsd_push_node_failures_total",
				Help: "Total number of nodes that entered the Failed state during a push wave",
			},
			[]string{"node_type"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "analyticsd_active_sessions",
				Help: "Current number of non-terminal replay sessions",
			},
		),
		SubscriberDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "analyticsd_subscriber_dropped_messages_total",
				Help: "Total number of broadcast messages dropped because a session's subscriber channel was full",
			},
		),
		ReplayPoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyticsd_replay_points_total",
				Help: "Total number of replay points delivered, by outcome",
			},
			[]string{"outcome"},
		),
		ReplayThroughput: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "analyticsd_replay_points_delivered_total",
				Help: "Total number of replay points delivered across all sessions",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.PushLatency,
			m.PushFailures,
			m.ActiveSessions,
			m.SubscriberDrops,
			m.ReplayPoints,
			m.ReplayThroughput,
		)
	}

	return m
}

// ObservePushWave records the wall-clock duration of a push wave triggered
// by an asset of the given kind ("equity" or "future").
func (m *Metrics) ObservePushWave(assetKind string, d time.Duration) {
	m.PushLatency.WithLabelValues(assetKind).Observe(d.Seconds())
}

// RecordPushFailure increments the failure counter for a node type that
// entered the Failed state.
func (m *Metrics) RecordPushFailure(nodeType string) {
	m.PushFailures.WithLabelValues(nodeType).Inc()
}

// SetActiveSessions sets the current non-terminal session count.
func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

// RecordSubscriberDrop increments the dropped-broadcast counter.
func (m *Metrics) RecordSubscriberDrop() {
	m.SubscriberDrops.Inc()
}

// RecordReplayPoint records a single delivered replay point and its
// outcome ("success" or "failure").
func (m *Metrics) RecordReplayPoint(outcome string) {
	m.ReplayPoints.WithLabelValues(outcome).Inc()
	m.ReplayThroughput.Inc()
}
