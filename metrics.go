package whiz

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts synchronization outcomes. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ingest       *prometheus.CounterVec
	optimistic   prometheus.Counter
	sends        *prometheus.CounterVec
	reconnects   prometheus.Counter
	historyLoads *prometheus.CounterVec
	connState    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// Registering twice on the same registry panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingest: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whiz_ingest_total",
				Help: "Inbound messages by reconciliation outcome.",
			},
			[]string{"outcome"},
		),
		optimistic: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "whiz_optimistic_appends_total",
				Help: "Messages appended locally before server confirmation.",
			},
		),
		sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whiz_sends_total",
				Help: "Outbound frames by result.",
			},
			[]string{"result"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "whiz_reconnects_total",
				Help: "Reconnect attempts scheduled after a dropped connection.",
			},
		),
		historyLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whiz_history_loads_total",
				Help: "Room history loads by result.",
			},
			[]string{"result"},
		),
		connState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "whiz_connected",
				Help: "1 while the live connection is open.",
			},
		),
	}
	reg.MustRegister(m.ingest, m.optimistic, m.sends, m.reconnects, m.historyLoads, m.connState)
	return m
}

func (m *Metrics) ingested(outcome string) {
	if m == nil {
		return
	}
	m.ingest.WithLabelValues(outcome).Inc()
}

func (m *Metrics) optimisticAppended() {
	if m == nil {
		return
	}
	m.optimistic.Inc()
}

func (m *Metrics) sent(result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
}

func (m *Metrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) historyLoaded(result string) {
	if m == nil {
		return
	}
	m.historyLoads.WithLabelValues(result).Inc()
}

func (m *Metrics) connected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connState.Set(1)
	} else {
		m.connState.Set(0)
	}
}
