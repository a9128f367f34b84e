package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/andresmejia3/biomatch/internal/types"
)

var (
	// BatchItemsTotal counts attempted batch items by operation and error kind.
	BatchItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biomatch_batch_items_total",
			Help: "Batch items attempted, labeled by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	// BatchRunsTotal counts whole batches by aggregate status.
	BatchRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "biomatch_batch_runs_total",
			Help: "Batches executed, labeled by operation and aggregate status",
		},
		[]string{"op", "status"},
	)

	// SearchDuration measures single probe searches.
	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "biomatch_search_duration_seconds",
			Help:    "Duration of one probe search in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// GallerySize tracks the number of templates per named gallery.
	GallerySize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "biomatch_gallery_templates",
			Help: "Templates stored in a gallery",
		},
		[]string{"gallery"},
	)

	// ClustersFormed records how many clusters each clustering run produced.
	ClustersFormed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "biomatch_clusters_formed",
			Help:    "Clusters produced per clustering run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// TemplatesEnrolled counts templates produced by enrollment.
	TemplatesEnrolled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "biomatch_templates_enrolled_total",
			Help: "Templates produced by enrollment",
		},
	)
)

// ObserveBatch records every item outcome and the aggregate status of one batch.
func ObserveBatch(op string, items []error, status error) {
	for _, err := range items {
		BatchItemsTotal.WithLabelValues(op, types.KindOf(err).String()).Inc()
	}
	BatchRunsTotal.WithLabelValues(op, types.KindOf(status).String()).Inc()
}

// ObserveSearch records one search duration.
func ObserveSearch(start time.Time) {
	SearchDuration.Observe(time.Since(start).Seconds())
}

// WriteFile dumps the default registry in the text exposition format, for
// node_exporter's textfile collector.
func WriteFile(path string) error {
	if path == "" {
		return errors.New("metrics path is empty")
	}
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
