package load

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector mirrors load samples and coordination counters into Prometheus.
type Collector struct {
	level       prometheus.Gauge
	connections prometheus.Gauge
	sessions    prometheus.Gauge
	memoryBytes prometheus.Gauge
	loopLag     prometheus.Gauge

	ConnectionsAccepted prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	MessagesDelivered   *prometheus.CounterVec
	MessagesDropped     *prometheus.CounterVec
	BreakerTransitions  *prometheus.CounterVec
}

// NewCollector registers the coordination metrics on the given registerer.
// Passing nil uses the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	namespace := "cardroom"

	return &Collector{
		level: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "load_level",
			Help:      "Current degradation level (0=normal..3=critical).",
		}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Connections currently registered.",
		}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Tables currently projected.",
		}),
		memoryBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Heap in use at the last sample.",
		}),
		loopLag: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_lag_millis",
			Help:      "Sampler-observed scheduling lag.",
		}),
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Connections admitted by the registry.",
		}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections refused by admission policy.",
		}, []string{"reason"}),
		MessagesDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Outbound messages written to transports.",
		}, []string{"class"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Outbound messages discarded.",
		}, []string{"class", "reason"}),
		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"backend", "to"}),
	}
}

// ConnectionAccepted counts one connection admitted by the registry.
func (c *Collector) ConnectionAccepted() {
	if c == nil {
		return
	}
	c.ConnectionsAccepted.Inc()
}

// ConnectionRejected counts one connection refused by admission policy.
func (c *Collector) ConnectionRejected(reason string) {
	if c == nil {
		return
	}
	c.ConnectionsRejected.WithLabelValues(reason).Inc()
}

// MessageDelivered counts one outbound message written to a transport.
func (c *Collector) MessageDelivered(class string) {
	if c == nil {
		return
	}
	c.MessagesDelivered.WithLabelValues(class).Inc()
}

// MessageDropped counts one outbound message discarded before the wire.
func (c *Collector) MessageDropped(class, reason string) {
	if c == nil {
		return
	}
	c.MessagesDropped.WithLabelValues(class, reason).Inc()
}

// BreakerTransition counts one circuit breaker state change.
func (c *Collector) BreakerTransition(backend, to string) {
	if c == nil {
		return
	}
	c.BreakerTransitions.WithLabelValues(backend, to).Inc()
}

// ObserveSample records one load sample.
func (c *Collector) ObserveSample(m Metrics, level Level) {
	if c == nil {
		return
	}
	c.level.Set(float64(level))
	c.connections.Set(float64(m.Connections))
	c.sessions.Set(float64(m.Sessions))
	c.memoryBytes.Set(float64(m.MemoryBytes))
	c.loopLag.Set(float64(m.LoopLagMillis))
}
