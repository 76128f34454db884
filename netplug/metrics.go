package netplug

import "github.com/prometheus/client_golang/prometheus"

var (
	upstreamHealthy      *prometheus.GaugeVec
	upstreamBreakerTrips prometheus.Counter
)

func init() {
	upstreamHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "upstream_healthy",
			Help: "Whether the upstream passes its health check",
		},
		[]string{"upstream"},
	)

	upstreamBreakerTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_breaker_trips_total",
			Help: "Circuit breaker activations per upstream pool",
		},
	)

	prometheus.MustRegister(upstreamHealthy, upstreamBreakerTrips)
}
