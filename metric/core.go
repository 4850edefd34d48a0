package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CoreMetrics contains platform-level metrics shared by every runwatch process
type CoreMetrics struct {
	// Delivery metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	Subscriptions     *prometheus.GaugeVec
	EventsPublished   *prometheus.CounterVec
	EventsDelivered   *prometheus.CounterVec
	DeliveryFailures  *prometheus.CounterVec
	StaleConnsPruned  prometheus.Counter
	BroadcastDuration *prometheus.HistogramVec
	IngressRequests   *prometheus.CounterVec
	BacklogSize       *prometheus.GaugeVec
	ErrorsTotal       *prometheus.CounterVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSRTT        prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewCoreMetrics creates a new CoreMetrics instance with all platform metrics
func NewCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runwatch",
			Subsystem: "broker",
			Name:      "connections_active",
			Help:      "Number of currently registered connections",
		}),

		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runwatch",
			Subsystem: "broker",
			Name:      "connections_total",
			Help:      "Total connections registered since start",
		}),

		Subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "runwatch",
			Subsystem: "broker",
			Name:      "subscriptions",
			Help:      "Current subscriptions per channel",
		}, []string{"channel"}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runwatch",
			Subsystem: "broker",
			Name:      "events_published_total",
			Help:      "Total events accepted for fan-out",
		}, []string{"channel"}),

		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runwatch",
			Subsystem: "broker",
			Name:      "events_delivered_total",
			Help:      "Total point-to-point deliveries that succeeded",
		}, []string{"channel"}),

		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runwatch",
			Subsystem: "broker",
			Name:      "delivery_failures_total",
			Help:      "Total point-to-point deliveries that failed",
		}, []string{"channel"}),

		StaleConnsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runwatch",
			Subsystem: "broker",
			Name:      "stale_connections_pruned_total",
			Help:      "Connections removed after a failed send",
		}),

		BroadcastDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runwatch",
			Subsystem: "broker",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to fan a single event out to all subscribers",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"channel"}),

		IngressRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runwatch",
			Subsystem: "ingress",
			Name:      "requests_total",
			Help:      "Broadcast ingress requests by outcome",
		}, []string{"status"}),

		BacklogSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "runwatch",
			Subsystem: "backlog",
			Name:      "events_retained",
			Help:      "Events currently retained per scope",
		}, []string{"scope"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runwatch",
			Subsystem: "errors",
			Name:      "total",
			Help:      "Total errors by component and type",
		}, []string{"component", "type"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runwatch",
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runwatch",
			Subsystem: "nats",
			Name:      "rtt_milliseconds",
			Help:      "NATS round-trip time in milliseconds",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runwatch",
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),
	}
}

// mustRegister registers all core metrics with the prometheus registry
func (c *CoreMetrics) mustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		c.ConnectionsActive,
		c.ConnectionsTotal,
		c.Subscriptions,
		c.EventsPublished,
		c.EventsDelivered,
		c.DeliveryFailures,
		c.StaleConnsPruned,
		c.BroadcastDuration,
		c.IngressRequests,
		c.BacklogSize,
		c.ErrorsTotal,
		c.NATSConnected,
		c.NATSRTT,
		c.NATSReconnects,
	)
}

// RecordDelivery increments the delivered counter for a channel
func (c *CoreMetrics) RecordDelivery(channel string) {
	c.EventsDelivered.WithLabelValues(channel).Inc()
}

// RecordDeliveryFailure increments the failure counter and the prune counter
func (c *CoreMetrics) RecordDeliveryFailure(channel string) {
	c.DeliveryFailures.WithLabelValues(channel).Inc()
	c.StaleConnsPruned.Inc()
}

// RecordError increments the error counter for a component
func (c *CoreMetrics) RecordError(component, errorType string) {
	c.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *CoreMetrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time
func (c *CoreMetrics) RecordNATSRTT(rtt time.Duration) {
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments the reconnection counter
func (c *CoreMetrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}
