// Package metrics wires Prometheus collectors over the mesh's runtime
// counters: connection churn, send-queue depth, bridge/gateway/queue
// activity. Registration is explicit (Register) rather than using the
// global default registry, so an embedding application can run more
// than one mesh instance per process.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles every collector a mesh instance exposes.
type Set struct {
	Connections       prometheus.Gauge
	ConnectionDrops   prometheus.Counter
	MessagesSent      *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	NodeSyncRounds    prometheus.Counter
	TimeSyncOffsetMs  prometheus.Gauge
	BridgeElections   prometheus.Counter
	BridgeTakeovers   prometheus.Counter
	GatewayRequests   *prometheus.CounterVec
	GatewayLatencyMs  prometheus.Histogram
	QueueDepth        prometheus.Gauge
	QueueEvictions    prometheus.Counter
}

// New constructs a Set with the mesh namespace; call Register to attach
// it to a prometheus.Registerer.
func New() *Set {
	return &Set{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gomesh", Subsystem: "router", Name: "connections",
			Help: "Currently established peer connections.",
		}),
		ConnectionDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gomesh", Subsystem: "router", Name: "connection_drops_total",
			Help: "Connections that transitioned to Closed.",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gomesh", Subsystem: "router", Name: "messages_sent_total",
			Help: "Messages enqueued for send, labeled by priority.",
		}, []string{"priority"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gomesh", Subsystem: "router", Name: "messages_dropped_total",
			Help: "Messages that failed to send, labeled by reason.",
		}, []string{"reason"}),
		NodeSyncRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gomesh", Subsystem: "router", Name: "nodesync_rounds_total",
			Help: "Completed node-sync request/reply rounds.",
		}),
		TimeSyncOffsetMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gomesh", Subsystem: "timesync", Name: "offset_ms",
			Help: "Most recent applied clock offset, in milliseconds.",
		}),
		BridgeElections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gomesh", Subsystem: "bridge", Name: "elections_total",
			Help: "Bridge elections started by this node.",
		}),
		BridgeTakeovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gomesh", Subsystem: "bridge", Name: "takeovers_total",
			Help: "Bridge takeovers announced by this node.",
		}),
		GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gomesh", Subsystem: "gateway", Name: "requests_total",
			Help: "Gateway requests, labeled by outcome.",
		}, []string{"outcome"}),
		GatewayLatencyMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gomesh", Subsystem: "gateway", Name: "latency_ms",
			Help:    "End-to-end gateway request latency.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gomesh", Subsystem: "queue", Name: "depth",
			Help: "Entries currently held in the offline send queue.",
		}),
		QueueEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gomesh", Subsystem: "queue", Name: "evictions_total",
			Help: "Entries dropped by the queue eviction policy.",
		}),
	}
}

// Register attaches every collector in s to reg.
func (s *Set) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		s.Connections, s.ConnectionDrops, s.MessagesSent, s.MessagesDropped,
		s.NodeSyncRounds, s.TimeSyncOffsetMs, s.BridgeElections, s.BridgeTakeovers,
		s.GatewayRequests, s.GatewayLatencyMs, s.QueueDepth, s.QueueEvictions,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
