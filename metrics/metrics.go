// Package metrics defines the prometheus collectors of livestore components.
// Collectors are registered by binaries via Collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for livestore metrics.
const (
	Fail = "fail"
	Ok   = "ok"

	Update = "update"
	Delete = "delete"
)

// Collectors for index.Index metrics.
var (
	IndexEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livestore_index_events_total",
		Help: "Cumulative number of change events applied to the index, by kind and whether they changed it.",
	}, []string{"kind", "applied"})
	IndexKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livestore_index_keys",
		Help: "Number of keys currently held by the index.",
	})
	IndexRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livestore_index_refresh_total",
		Help: "Cumulative number of full refreshes, by status.",
	}, []string{"status"})
	IndexRefreshDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "livestore_index_refresh_duration_seconds",
		Help:    "Duration of full refreshes.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	IndexNotificationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livestore_index_notifications_total",
		Help: "Cumulative number of listener notifications delivered.",
	})
)

// Collectors for pubsub.Client metrics.
var (
	PubSubConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livestore_pubsub_connected",
		Help: "Whether the pub/sub client is currently connected (1) or not (0).",
	})
	PubSubReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livestore_pubsub_reconnects_total",
		Help: "Cumulative number of pub/sub connection attempts after the first.",
	})
	PubSubQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "livestore_pubsub_queue_depth",
		Help: "Number of publishes queued while disconnected.",
	})
	PubSubPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livestore_pubsub_published_total",
		Help: "Cumulative number of messages handed to the transport, by status.",
	}, []string{"status"})
	PubSubReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livestore_pubsub_received_total",
		Help: "Cumulative number of messages received from the transport.",
	})
)

// Collectors for cursor.JSONFile metrics.
var (
	JSONFileUploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livestore_jsonfile_uploads_total",
		Help: "Cumulative number of JSON document uploads, by status.",
	}, []string{"status"})
	JSONFileParseFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livestore_jsonfile_parse_failures_total",
		Help: "Cumulative number of remote JSON documents which failed to parse.",
	})
)

// Collectors returns all livestore collectors, for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		IndexEventsTotal,
		IndexKeys,
		IndexRefreshTotal,
		IndexRefreshDurationSeconds,
		IndexNotificationsTotal,
		PubSubConnected,
		PubSubReconnectsTotal,
		PubSubQueueDepth,
		PubSubPublishedTotal,
		PubSubReceivedTotal,
		JSONFileUploadsTotal,
		JSONFileParseFailuresTotal,
	}
}
