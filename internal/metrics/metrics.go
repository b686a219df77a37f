// Package metrics exposes Prometheus gauges and counters for the elastic
// driver, in the teacher's promauto package-level-var style.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorldSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "elastic_driver_world_size",
		Help: "Number of worker slots assigned by the driver's first activation.",
	})
	AvailableHosts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "elastic_driver_available_hosts",
		Help: "Number of discovered, non-blacklisted hosts.",
	})
	BlacklistedHosts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "elastic_driver_blacklisted_hosts",
		Help: "Number of hosts currently blacklisted after a worker fault.",
	})
	RoundsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elastic_driver_rounds_committed_total",
		Help: "Total number of rendezvous rounds committed.",
	})
	RoundsAborted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "elastic_driver_rounds_aborted_total",
		Help: "Total number of rendezvous rounds aborted because a worker reported failure.",
	})
	DiscoveryPollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "elastic_driver_discovery_poll_duration_seconds",
		Help:    "Duration of host discovery provider polls.",
		Buckets: prometheus.DefBuckets,
	})
	WorkerExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "elastic_driver_worker_exits_total",
		Help: "Total number of worker process exits by exit code class.",
	}, []string{"class"})
	HostActivationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "elastic_driver_host_activation_duration_seconds",
		Help:    "Duration spent waiting for sufficient capacity before activating a round.",
		Buckets: prometheus.DefBuckets,
	})
)

// ExitClass buckets a worker exit code into a metric label value.
func ExitClass(exitCode int) string {
	switch {
	case exitCode == 0:
		return "success"
	case exitCode > 0:
		return "failure"
	default:
		return "signal"
	}
}
