// Package metrics defines the Prometheus registry shared by every
// background task and request handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric this process exports.
type Registry struct {
	DatasetCacheSize prometheus.Gauge
	DatasetDirtySize prometheus.Gauge
	DatasetLocksHeld prometheus.Gauge
	FlushLatency     prometheus.Histogram

	GeocodeQueueDepth prometheus.Gauge
	GeocodeProcessing prometheus.Gauge

	WriterBacklog     *prometheus.GaugeVec
	WriterBackoffSecs *prometheus.GaugeVec

	LogStoreOpenHandles prometheus.Gauge

	MQTTMessagesTotal *prometheus.CounterVec

	CustomerCacheHits   prometheus.Counter
	CustomerCacheMisses prometheus.Counter
}

// New registers every metric against reg and returns the populated Registry.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		DatasetCacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "canvass_dataset_cache_size", Help: "Number of datasets currently held in the in-memory cache.",
		}),
		DatasetDirtySize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "canvass_dataset_dirty_size", Help: "Number of datasets pending flush to the backing store.",
		}),
		DatasetLocksHeld: factory.NewGauge(prometheus.GaugeOpts{
			Name: "canvass_dataset_creation_locks_held", Help: "Number of in-flight dataset creation locks.",
		}),
		FlushLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "canvass_dataset_flush_duration_seconds", Help: "Duration of one dataset-cache flush pass.",
			Buckets: prometheus.DefBuckets,
		}),
		GeocodeQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "canvass_geocode_queue_depth", Help: "Number of callers currently waiting on the geocode queue.",
		}),
		GeocodeProcessing: factory.NewGauge(prometheus.GaugeOpts{
			Name: "canvass_geocode_processing", Help: "1 if a geocode request is in flight, else 0.",
		}),
		WriterBacklog: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "canvass_batched_writer_backlog", Help: "Pending row count per batched-writer queue.",
		}, []string{"queue"}),
		WriterBackoffSecs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "canvass_batched_writer_backoff_seconds", Help: "Current backoff delay per batched-writer queue.",
		}, []string{"queue"}),
		LogStoreOpenHandles: factory.NewGauge(prometheus.GaugeOpts{
			Name: "canvass_logstore_open_handles", Help: "Number of currently open per-day log store handles.",
		}),
		MQTTMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "canvass_mqtt_messages_total", Help: "MQTT live-tracking messages processed, by outcome.",
		}, []string{"outcome"}),
		CustomerCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "canvass_customer_cache_hits_total", Help: "Master customer cache hits.",
		}),
		CustomerCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "canvass_customer_cache_misses_total", Help: "Master customer cache misses (refreshes).",
		}),
	}
}
