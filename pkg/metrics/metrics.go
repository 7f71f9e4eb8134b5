package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	CrawlRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_runs_total",
			Help: "Total number of crawl attempts.",
		},
		[]string{"status", "error_type"}, // status: success, failure
	)

	CrawlDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawl_duration_seconds",
			Help:    "Duration of crawl attempts.",
			Buckets: []float64{1, 5, 10, 15, 30, 60, 120, 300},
		},
		[]string{"source"},
	)

	RowsExtractedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rows_extracted_total",
			Help: "Rows produced by the extraction engine.",
		},
		[]string{"source"},
	)

	RowsClassifiedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rows_classified_total",
			Help: "Rows classified by the deduplication layer.",
		},
		[]string{"source", "kind"}, // kind: new, updated, unchanged
	)

	PaginationStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagination_steps_total",
			Help: "Pagination steps performed.",
		},
		[]string{"strategy"},
	)

	DetailFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detail_fetches_total",
			Help: "Detail page fetches by outcome.",
		},
		[]string{"status"},
	)

	ProxyFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_failures_total",
			Help: "Failures attributed to outbound proxies.",
		},
	)

	PublishedMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publisher_messages_total",
			Help: "Messages resolved by the publisher.",
		},
		[]string{"status"}, // confirmed, failed
	)

	PublishFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "publisher_flush_duration_seconds",
			Help:    "Duration of publisher batch flushes including retries.",
			Buckets: prometheus.DefBuckets,
		},
	)

	PublishRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "publisher_retries_total",
			Help: "Batch flush retries.",
		},
	)

	PublishBackpressureTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "publisher_backpressure_waits_total",
			Help: "Times the publisher paused for the channel to become ready.",
		},
	)

	ConsumerMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_messages_total",
			Help: "Inbound messages by outcome.",
		},
		[]string{"outcome"}, // acked, rejected, malformed
	)

	ConsumerFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_flushes_total",
			Help: "Consumer buffer flushes.",
		},
		[]string{"trigger", "outcome"},
	)

	ConsumerBufferSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "consumer_buffer_size",
			Help: "Messages currently buffered and unacknowledged.",
		},
	)

	EntityResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_entity_resolutions_total",
			Help: "Venue and category resolutions by method.",
		},
		[]string{"entity", "method"}, // method: exact, fuzzy, upsert, failed
	)
)
