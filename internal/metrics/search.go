package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Index and search Prometheus metrics.
var (
	IndexEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_entries",
			Help:      "Number of vectors stored per index",
		},
		[]string{"index"},
	)

	IndexPersistDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "index_persist_duration_seconds",
			Help:      "Duration of full index rewrites to disk",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"index", "status"},
	)

	SearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Multi-index search duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"modality", "status"},
	)

	SearchSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_index_skipped_total",
			Help:      "Indexes skipped during a multi-index search",
		},
		[]string{"index", "reason"},
	)

	RerankTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_requests_total",
			Help:      "Rerank attempts by reranker and outcome",
		},
		[]string{"reranker", "status"},
	)
)

var searchMetricsRegistered bool

// RegisterSearchMetrics registers index, search and rerank metrics. Must be called once from main.
func RegisterSearchMetrics() {
	if searchMetricsRegistered {
		return
	}
	prometheus.MustRegister(IndexEntries)
	prometheus.MustRegister(IndexPersistDuration)
	prometheus.MustRegister(SearchDuration)
	prometheus.MustRegister(SearchSkippedTotal)
	prometheus.MustRegister(RerankTotal)
	searchMetricsRegistered = true
}

// ObservePersist records one index rewrite. It matches the flat index persist hook.
func ObservePersist(index string, took time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	IndexPersistDuration.WithLabelValues(index, status).Observe(took.Seconds())
}
