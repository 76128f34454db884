package app

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram

	ultraFastHits    prometheus.Counter
	requestsRejected prometheus.Counter
	requestsTimedOut prometheus.Counter
)

func init() {
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Requests served, by classification and status class",
		},
		[]string{"classification", "status"},
	)

	requestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "End to end request latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	ultraFastHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ultra_fast_hits_total",
			Help: "Responses served from the ultra-fast cache path",
		},
	)

	requestsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "requests_rejected_total",
			Help: "Requests rejected by the concurrency limiter",
		},
	)

	requestsTimedOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "requests_timed_out_total",
			Help: "Requests answered with 408 by the timeout layer",
		},
	)

	prometheus.MustRegister(requestsTotal, requestDuration, ultraFastHits,
		requestsRejected, requestsTimedOut)
}
