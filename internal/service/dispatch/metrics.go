package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Message outcomes reported on relay_messages_total.
const (
	OutcomeDelivered    = "delivered"
	OutcomeQueued       = "queued"
	OutcomeMalformed    = "malformed"
	OutcomeUnknownType  = "unknown_type"
	OutcomeUnresolvable = "unresolvable"
	OutcomeRateLimited  = "rate_limited"
	OutcomeSendFailed   = "send_failed"
	OutcomeRejected     = "rejected"
)

// Metrics exports relay counters to Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	messages          *prometheus.CounterVec
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	connectionsFailed prometheus.Counter
	queueDepth        prometheus.Gauge
	queueEvictions    prometheus.Counter
}

// NewMetrics creates the relay collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Relay message outcomes by message type.",
		}, []string{"type", "outcome"}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_total",
			Help: "Connections accepted since start.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Currently open connections.",
		}),
		connectionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_connections_failed_total",
			Help: "Connections dropped because of transport errors or backpressure.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_offline_queue_depth",
			Help: "Messages waiting in the offline queue.",
		}),
		queueEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_offline_queue_evictions_total",
			Help: "Queued messages dropped by the per-user cap.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.messages,
			m.connectionsTotal,
			m.connectionsActive,
			m.connectionsFailed,
			m.queueDepth,
			m.queueEvictions,
		)
	}
	return m
}

func (m *Metrics) message(msgType, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(msgType, outcome).Inc()
}

func (m *Metrics) connected() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) disconnected(failed bool) {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
	if failed {
		m.connectionsFailed.Inc()
	}
}

func (m *Metrics) queue(depth int, evicted bool) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
	if evicted {
		m.queueEvictions.Inc()
	}
}
