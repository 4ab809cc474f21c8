package lock

import "github.com/prometheus/client_golang/prometheus"

var (
	lockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinystore",
			Subsystem: "lock",
			Name:      "wait_duration_seconds",
			Help:      "Bucketed histogram of time (s) spent waiting for a contended lock.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"result"})

	lockFailureCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinystore",
			Subsystem: "lock",
			Name:      "failures_total",
			Help:      "Counter of failed lock acquisitions.",
		}, []string{"type"})

	heldLockGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinystore",
			Subsystem: "lock",
			Name:      "resources",
			Help:      "Number of resources with a lock entry.",
		})
)

func init() {
	prometheus.MustRegister(lockWaitDuration)
	prometheus.MustRegister(lockFailureCounter)
	prometheus.MustRegister(heldLockGauge)
}
