package txn

import "github.com/prometheus/client_golang/prometheus"

var (
	txnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinystore",
			Subsystem: "txn",
			Name:      "txns_count",
			Help:      "Counter of finished transactions.",
		}, []string{"result"})

	txnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinystore",
			Subsystem: "txn",
			Name:      "txn_duration_seconds",
			Help:      "Bucketed histogram of transaction lifetime (s).",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		}, []string{"result"})

	activeTxnGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinystore",
			Subsystem: "txn",
			Name:      "active_txns",
			Help:      "Number of transactions currently active.",
		})

	forgottenTxnCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinystore",
			Subsystem: "txn",
			Name:      "vacuumed_txns_total",
			Help:      "Counter of terminal transactions dropped from the registry.",
		})
)

func init() {
	prometheus.MustRegister(txnCounter)
	prometheus.MustRegister(txnDuration)
	prometheus.MustRegister(activeTxnGauge)
	prometheus.MustRegister(forgottenTxnCounter)
}
