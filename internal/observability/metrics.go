package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlanywhere_http_requests_total",
			Help: "Total number of HTTP requests by matched route.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlanywhere_http_request_duration_seconds",
			Help:    "HTTP request latency by matched route, including streamed bodies.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	httpRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlanywhere_http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		},
	)

	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlanywhere_queries_total",
			Help: "Total number of executed queries by outcome stage.",
		},
		[]string{"status"},
	)
	queryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlanywhere_query_duration_seconds",
			Help:    "End-to-end query latency including storage reads and serialization.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
	resultRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlanywhere_result_rows_total",
			Help: "Total number of rows returned to callers.",
		},
	)
	storageBytesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlanywhere_storage_bytes_read_total",
			Help: "Bytes read from storage connectors.",
		},
		[]string{"scheme"},
	)
	storageRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlanywhere_storage_retries_total",
			Help: "Transient storage failures that were retried.",
		},
		[]string{"scheme"},
	)
	ingestRejectedRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlanywhere_ingest_rejected_rows_total",
			Help: "Rows skipped because they could not be tokenised or had the wrong field count.",
		},
	)
	ingestCoercedNullsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlanywhere_ingest_coerced_nulls_total",
			Help: "Values replaced by null because they did not parse as the inferred column type.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		httpRequestsInFlight,
		queriesTotal,
		queryDurationSeconds,
		resultRowsTotal,
		storageBytesReadTotal,
		storageRetriesTotal,
		ingestRejectedRowsTotal,
		ingestCoercedNullsTotal,
	)
}

// ObserveQuery records one finished query. status is "ok" or the failing stage.
func ObserveQuery(status string, rows int64, elapsed time.Duration) {
	if status == "" {
		status = "ok"
	}
	queriesTotal.WithLabelValues(status).Inc()
	queryDurationSeconds.Observe(elapsed.Seconds())
	if rows > 0 {
		resultRowsTotal.Add(float64(rows))
	}
}

func AddStorageBytesRead(scheme string, n int64) {
	if n <= 0 {
		return
	}
	storageBytesReadTotal.WithLabelValues(scheme).Add(float64(n))
}

func IncrementStorageRetry(scheme string) {
	storageRetriesTotal.WithLabelValues(scheme).Inc()
}

func ObserveIngestQuality(rejectedRows, coercedNulls int64) {
	if rejectedRows > 0 {
		ingestRejectedRowsTotal.Add(float64(rejectedRows))
	}
	if coercedNulls > 0 {
		ingestCoercedNullsTotal.Add(float64(coercedNulls))
	}
}
