package store

import "github.com/prometheus/client_golang/prometheus"

var (
	storeOpCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinystore",
			Subsystem: "store",
			Name:      "ops_total",
			Help:      "Counter of store operations.",
		}, []string{"store", "op", "result"})

	vacuumDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinystore",
			Subsystem: "store",
			Name:      "vacuum_duration_seconds",
			Help:      "Bucketed histogram of vacuum pass duration (s).",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"store"})

	reclaimedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinystore",
			Subsystem: "store",
			Name:      "reclaimed_slots_total",
			Help:      "Counter of slots removed by vacuum.",
		}, []string{"store"})

	evictedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinystore",
			Subsystem: "store",
			Name:      "evicted_chains_total",
			Help:      "Counter of version chains evicted.",
		}, []string{"store", "kind"})
)

func init() {
	prometheus.MustRegister(storeOpCounter)
	prometheus.MustRegister(vacuumDuration)
	prometheus.MustRegister(reclaimedCounter)
	prometheus.MustRegister(evictedCounter)
}
