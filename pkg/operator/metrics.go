package operator

import "github.com/prometheus/client_golang/prometheus"

const prometheusMetricNamespace = "ledger_aggregator"

var (
	sourceLabels = []string{"source"}

	sourceRunsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: prometheusMetricNamespace,
			Name:      "source_runs_total",
			Help:      "Number of sync runs triggered per source.",
		},
		sourceLabels,
	)

	sourceFailedRunsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: prometheusMetricNamespace,
			Name:      "source_failed_runs_total",
			Help:      "Number of sync runs that ended in an error per source.",
		},
		sourceLabels,
	)

	sourceRowsInsertedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: prometheusMetricNamespace,
			Name:      "source_rows_inserted_total",
			Help:      "Number of ledger rows inserted per source.",
		},
		sourceLabels,
	)

	sourceRunDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: prometheusMetricNamespace,
			Name:      "source_run_duration_seconds",
			Help:      "Duration of sync runs per source.",
			Buckets:   []float64{30.0, 60.0, 300.0, 1800.0},
		},
		sourceLabels,
	)
)

func init() {
	prometheus.MustRegister(sourceRunsCounter)
	prometheus.MustRegister(sourceFailedRunsCounter)
	prometheus.MustRegister(sourceRowsInsertedCounter)
	prometheus.MustRegister(sourceRunDurationHistogram)
}
