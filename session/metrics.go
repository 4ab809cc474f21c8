package session

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinystore",
			Subsystem: "session",
			Name:      "sessions_total",
			Help:      "Counter of completed sessions.",
		}, []string{"result"})

	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinystore",
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of session lifetime (s).",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18),
		}, []string{"result"})

	constraintDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinystore",
			Subsystem: "session",
			Name:      "constraint_duration_seconds",
			Help:      "Bucketed histogram of constraint evaluation time (s) per session.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
		})
)

func init() {
	prometheus.MustRegister(sessionCounter)
	prometheus.MustRegister(sessionDuration)
	prometheus.MustRegister(constraintDuration)
}
