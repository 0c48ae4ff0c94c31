package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type collectors struct {
	connections         *prometheus.GaugeVec
	documentSessions    prometheus.Gauge
	sessionDuration     prometheus.Histogram
	persistenceOps      *prometheus.CounterVec
	persistenceLatency  *prometheus.HistogramVec
	updatesDropped      prometheus.Counter
	roomBroadcasts      *prometheus.CounterVec
	deliveryFailures    *prometheus.CounterVec
	livenessReclaimed   prometheus.Counter
	backplaneMessages   *prometheus.CounterVec
	signalingPeers      prometheus.Gauge
	signalingMessages   *prometheus.CounterVec
	apiLatency          *prometheus.HistogramVec
	maintenanceRuns     *prometheus.CounterVec
	maintenanceDuration *prometheus.HistogramVec
	maintenanceLastRun  *prometheus.GaugeVec
}

func newCollectors(namespace string) *collectors {
	buckets := prometheus.DefBuckets
	sessionBuckets := []float64{
		1, 5, 15, 30, 60, // seconds
		120, 300, 600, // minutes
		900, 1800, 3600, 14400,
	}

	return &collectors{
		connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections",
				Help:      "Open websocket connections by subprotocol",
			},
			[]string{"subprotocol"},
		),
		documentSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "document_sessions",
				Help:      "Document sessions currently held in memory",
			},
		),
		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "document_session_duration_seconds",
				Help:      "Lifetime of document sessions from first open to final flush",
				Buckets:   sessionBuckets,
			},
		),
		persistenceOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_operations_total",
				Help:      "Store operations by kind and result",
			},
			[]string{"operation", "result"},
		),
		persistenceLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "persistence_latency_seconds",
				Help:      "Store operation latency",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		updatesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_updates_dropped_total",
				Help:      "Document updates dropped because the write queue was full",
			},
		),
		roomBroadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "room_broadcasts_total",
				Help:      "Room broadcasts by event kind",
			},
			[]string{"kind"},
		),
		deliveryFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "room_delivery_failures_total",
				Help:      "Per-recipient delivery failures by event kind and failure type",
			},
			[]string{"kind", "type"},
		),
		livenessReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "liveness_reclaimed_total",
				Help:      "Document-sync connections terminated after a missed pong",
			},
		),
		backplaneMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backplane_messages_total",
				Help:      "Room backplane messages by direction and result",
			},
			[]string{"direction", "result"},
		),
		signalingPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "signaling_peers",
				Help:      "Peers registered with the signaling server",
			},
		),
		signalingMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signaling_messages_total",
				Help:      "Relayed signaling messages by type",
			},
			[]string{"type"},
		),
		apiLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_latency_seconds",
				Help:      "HTTP request latency",
				Buckets:   buckets,
			},
			[]string{"method", "path", "status"},
		),
		maintenanceRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "maintenance_runs_total",
				Help:      "Maintenance job executions",
			},
			[]string{"job", "result"},
		),
		maintenanceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "maintenance_duration_seconds",
				Help:      "Maintenance job duration",
				Buckets:   buckets,
			},
			[]string{"job"},
		),
		maintenanceLastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "maintenance_last_success_timestamp",
				Help:      "Timestamp of the last successful maintenance run (seconds since epoch)",
			},
			[]string{"job"},
		),
	}
}

func (c *collectors) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.connections,
		c.documentSessions,
		c.sessionDuration,
		c.persistenceOps,
		c.persistenceLatency,
		c.updatesDropped,
		c.roomBroadcasts,
		c.deliveryFailures,
		c.livenessReclaimed,
		c.backplaneMessages,
		c.signalingPeers,
		c.signalingMessages,
		c.apiLatency,
		c.maintenanceRuns,
		c.maintenanceDuration,
		c.maintenanceLastRun,
	}
}

// observeDuration records a duration in seconds on the supplied histogram observer.
func observeDuration(observer prometheus.Observer, d time.Duration) {
	if observer == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	observer.Observe(d.Seconds())
}
