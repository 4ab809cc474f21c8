package command

import "github.com/prometheus/client_golang/prometheus"

var (
	commandCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinystore",
			Subsystem: "command",
			Name:      "commands_total",
			Help:      "Counter of processed commands.",
		}, []string{"type", "result"})

	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinystore",
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of command processing time (s).",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
		}, []string{"type"})

	retryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinystore",
			Subsystem: "command",
			Name:      "retries_total",
			Help:      "Counter of command retries requested by interceptors.",
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(commandCounter)
	prometheus.MustRegister(commandDuration)
	prometheus.MustRegister(retryCounter)
}
