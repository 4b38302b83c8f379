// Package metrics holds the agent's Prometheus metrics: link state,
// retry counts, journal usage, AFT terminal outcomes, and ingress
// authentication failures.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the agent exposes on
// /metrics.
type Metrics struct {
	LinkState        *prometheus.GaugeVec
	PollRetries      *prometheus.CounterVec
	PollDuration     *prometheus.HistogramVec
	TransportReopens prometheus.Counter

	MeterChanges  *prometheus.CounterVec
	MeterSuspects prometheus.Counter

	AFTTerminal  *prometheus.CounterVec
	AFTDuration  prometheus.Histogram

	JournalBytesUsed prometheus.Gauge
	JournalFull      prometheus.Counter
	SinkDrainFailures prometheus.Counter

	IngressAuthFailures *prometheus.CounterVec
	IngressReconnects   prometheus.Counter
}

// New creates and registers all collectors. Call once per process;
// tests that need isolated metrics should use NewWithRegisterer.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers collectors against reg instead of the
// global default, so tests can use a throwaway registry.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		LinkState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sasagent_link_state",
			Help: "Current Poll Engine link state (1 for the active state, 0 otherwise)",
		}, []string{"state"}),

		PollRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sasagent_poll_retries_total",
			Help: "Total poll frame retries by reason",
		}, []string{"reason"}),

		PollDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sasagent_poll_duration_seconds",
			Help:    "Duration of one poll round trip",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1},
		}, []string{"command"}),

		TransportReopens: factory.NewCounter(prometheus.CounterOpts{
			Name: "sasagent_transport_reopens_total",
			Help: "Total serial transport open attempts by the Poll Engine, initial and recovery",
		}),

		MeterChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sasagent_meter_changes_total",
			Help: "Total meter change events emitted",
		}, []string{"meter_code"}),

		MeterSuspects: factory.NewCounter(prometheus.CounterOpts{
			Name: "sasagent_meter_suspect_rollbacks_total",
			Help: "Total meter readings flagged Suspect (rollback on a monotonic meter)",
		}),

		AFTTerminal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sasagent_aft_terminal_total",
			Help: "Total AFT transactions reaching a terminal status",
		}, []string{"status"}),

		AFTDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sasagent_aft_duration_seconds",
			Help:    "Duration from AFT transfer request to terminal status",
			Buckets: prometheus.DefBuckets,
		}),

		JournalBytesUsed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sasagent_journal_bytes_used",
			Help: "Current size of the durable sink's on-disk journal",
		}),

		JournalFull: factory.NewCounter(prometheus.CounterOpts{
			Name: "sasagent_journal_full_total",
			Help: "Total events rejected because the journal exceeded its byte cap",
		}),

		SinkDrainFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "sasagent_sink_drain_failures_total",
			Help: "Total failed drain attempts against the remote store",
		}),

		IngressAuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sasagent_ingress_auth_failures_total",
			Help: "Total inbound backend messages rejected by reason",
		}, []string{"reason"}),

		IngressReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "sasagent_ingress_reconnects_total",
			Help: "Total successful websocket reconnects after the first connection",
		}),
	}
}

// SetLinkState marks state active and every other known state inactive.
func (m *Metrics) SetLinkState(state string, allStates []string) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.LinkState.WithLabelValues(s).Set(v)
	}
}
