package cluster

import "github.com/prometheus/client_golang/prometheus"

var (
	workersRunning prometheus.Gauge
	workerCrashes  prometheus.Counter
)

func init() {
	workersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cluster_workers_running",
			Help: "Worker processes currently supervised",
		},
	)

	workerCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cluster_worker_crashes_total",
			Help: "Unexpected worker exits",
		},
	)

	prometheus.MustRegister(workersRunning, workerCrashes)
}
