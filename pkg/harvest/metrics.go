package harvest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the harvest engine.
var (
	harvestBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_batches_total",
		Help: "Total batches persisted",
	})

	harvestSymbolsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_symbols_total",
		Help: "Total symbols persisted across batches",
	})

	harvestBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_batch_duration_seconds",
		Help:    "Duration of one fetch-persist-checkpoint cycle",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})

	harvestConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_consecutive_failures",
		Help: "Current run of whole-page fetch failures",
	})

	harvestAbortsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_aborts_total",
		Help: "Harvest runs stopped by the consecutive-failure threshold",
	})
)
