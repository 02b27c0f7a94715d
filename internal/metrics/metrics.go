// ABOUTME: Prometheus instrumentation for the fanout pipeline
// ABOUTME: Package-level collectors registered via promauto

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fanout_gateway"

var objectives = map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001}

var (
	MessagesAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "ingest", "accepted_total"),
			Help: "Messages accepted (persisted and published).",
		},
	)
	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "ingest", "rejected_total"),
			Help: "Messages rejected at validation, by error code.",
		},
		[]string{"code"},
	)
	MessagesFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "ingest", "failed_total"),
			Help: "Messages that exhausted retries and were surfaced as failed.",
		},
	)
	PublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "log", "publish_retries_total"),
			Help: "Transient log publish failures that were retried.",
		},
	)
	PublishLatency = promauto.NewSummary(
		prometheus.SummaryOpts{
			Name:       prometheus.BuildFQName(namespace, "log", "publish_latency_ms"),
			Objectives: objectives,
		},
	)
	EntriesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "log", "entries_consumed_total"),
			Help: "Log entries consumed, by partition.",
		},
		[]string{"partition"},
	)
	Deliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "fanout", "deliveries_total"),
			Help: "Frames enqueued to local subscribed connections.",
		},
	)
	DeliveriesSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "fanout", "deliveries_suppressed_total"),
			Help: "Deliveries skipped because the DeliveryRecord window already held the pair.",
		},
	)
	SlowConsumerDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prometheus.BuildFQName(namespace, "fanout", "slow_consumer_drops_total"),
			Help: "Connections dropped because their outbound queue was full or a write timed out.",
		},
	)
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: prometheus.BuildFQName(namespace, "registry", "connections_active"),
			Help: "Live client connections on this instance.",
		},
	)
)
