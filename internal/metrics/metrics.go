package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "routerstream"

// Metrics holds the broker collectors.
type Metrics struct {
	poolConnections prometheus.Gauge
	dialFailures    prometheus.Counter
	streams         prometheus.Gauge
	streamOpens     prometheus.Counter
	subscriptions   prometheus.Gauge
	subErrors       *prometheus.CounterVec
	sessions        prometheus.Gauge
	eventsDelivered *prometheus.CounterVec
	deliveryErrors  prometheus.Counter
	eventsDropped   prometheus.Counter
	execTotal       *prometheus.CounterVec
	execDuration    prometheus.Histogram
	protocolErrors  prometheus.Counter
}

// New registers the collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		poolConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "pool",
			Name:      "connections",
			Help:      "Device connections currently held by the pool",
		}),
		dialFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pool",
			Name:      "dial_failures_total",
			Help:      "Device connection attempts that failed",
		}),
		streams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "physical_streams",
			Help:      "Open device-level streams",
		}),
		streamOpens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "physical_stream_opens_total",
			Help:      "Device-level stream open calls",
		}),
		subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "subscriptions",
			Help:      "Live client subscriptions",
		}),
		subErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "subscription_errors_total",
			Help:      "Subscriptions that ended in error, by error kind",
		}, []string{"kind"}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "client_sessions",
			Help:      "Connected client sessions",
		}),
		eventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "fanout",
			Name:      "events_delivered_total",
			Help:      "Events handed to client transports, by delivery mode",
		}, []string{"mode"}),
		deliveryErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "fanout",
			Name:      "delivery_failures_total",
			Help:      "Events a client transport refused",
		}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "device",
			Name:      "events_dropped_total",
			Help:      "Bridge events dropped because a stream buffer was full",
		}),
		execTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "exec",
			Name:      "total",
			Help:      "One-shot commands, by outcome",
		}, []string{"outcome"}),
		execDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "exec",
			Name:      "duration_seconds",
			Help:      "One-shot command latency",
			Buckets:   prometheus.DefBuckets,
		}),
		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "transport",
			Name:      "protocol_errors_total",
			Help:      "Malformed client messages",
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.poolConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.poolConnections.Dec()
	}
}

func (m *Metrics) DialFailed() {
	if m != nil {
		m.dialFailures.Inc()
	}
}

func (m *Metrics) StreamOpened() {
	if m != nil {
		m.streams.Inc()
		m.streamOpens.Inc()
	}
}

func (m *Metrics) StreamClosed() {
	if m != nil {
		m.streams.Dec()
	}
}

func (m *Metrics) SubscriptionOpened() {
	if m != nil {
		m.subscriptions.Inc()
	}
}

// SubscriptionClosed records a subscription reaching Closed. kind is empty
// for a clean close.
func (m *Metrics) SubscriptionClosed(kind string) {
	if m == nil {
		return
	}
	m.subscriptions.Dec()
	if kind != "" {
		m.subErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) EventDelivered(mode string) {
	if m != nil {
		m.eventsDelivered.WithLabelValues(mode).Inc()
	}
}

func (m *Metrics) DeliveryFailed() {
	if m != nil {
		m.deliveryErrors.Inc()
	}
}

// ExecFinished records an exec outcome ("ok", "error", "timeout", "cancelled").
func (m *Metrics) ExecFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.execTotal.WithLabelValues(outcome).Inc()
	m.execDuration.Observe(d.Seconds())
}

func (m *Metrics) DeviceEventDropped() {
	if m != nil {
		m.eventsDropped.Inc()
	}
}

func (m *Metrics) ProtocolError() {
	if m != nil {
		m.protocolErrors.Inc()
	}
}
