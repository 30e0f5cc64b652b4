package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	PagesFetched    *prometheus.CounterVec
	PostsInserted   prometheus.Counter
	FetchErrors     *prometheus.CounterVec
	FetchDuration   prometheus.Histogram
	ShardsPlanned   prometheus.Counter
	ShardOverflow   prometheus.Counter
	TaskTransitions *prometheus.CounterVec
	ActiveCrawls    prometheus.Gauge
}

// New registers every metric with reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		PagesFetched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_pages_fetched_total",
			Help: "Search result pages fetched and stored.",
		}, []string{"phase"}),
		PostsInserted: f.NewCounter(prometheus.CounterOpts{
			Name: "harvester_posts_inserted_total",
			Help: "Posts newly written to the store.",
		}),
		FetchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_fetch_errors_total",
			Help: "Failed page fetch attempts.",
		}, []string{"error_type"}), // timeout, navigation, unparseable, challenge, unknown
		FetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_fetch_duration_seconds",
			Help:    "Duration of single page fetches.",
			Buckets: []float64{1, 2, 5, 10, 15, 30, 60},
		}),
		ShardsPlanned: f.NewCounter(prometheus.CounterOpts{
			Name: "harvester_shards_planned_total",
			Help: "Time shards produced by window planning.",
		}),
		ShardOverflow: f.NewCounter(prometheus.CounterOpts{
			Name: "harvester_shard_overflow_total",
			Help: "Minimum-width shards that still exceed the pagination ceiling.",
		}),
		TaskTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_task_transitions_total",
			Help: "Task status changes by target status.",
		}, []string{"status"}),
		ActiveCrawls: f.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_active_crawls",
			Help: "Crawl loops currently running.",
		}),
	}
}
