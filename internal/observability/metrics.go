package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_presence"

var (
	TableOps = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "table_operations_total", Help: "Presence table operations by op and result"},
		[]string{"op", "result"},
	)
	RecordsReaped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "records_reaped_total", Help: "Stale presence records deleted by the reaper"})

	SyncsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "syncs_total", Help: "Viewer synchronizations by result"}, []string{"result"})
	SyncLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "sync_latency_seconds", Help: "Viewer synchronization latency seconds"})
	PoolSize     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "candidate_pool_size", Help: "Candidates fetched on the latest sync"})
	ViewerOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "viewer_online", Help: "1 while the local viewer is online"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Presence events published by result"}, []string{"result"})
	EventsConsumed  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_consumed_total", Help: "Presence events consumed by type and result"}, []string{"type", "result"})
	GeoUpdateErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "geo_update_errors_total", Help: "Geo index updates that failed after retries"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Result maps an error to the result label used across counters.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
