// Package metrics registers the Prometheus collectors for the import and
// export pipelines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Import record outcomes.
const (
	ResultCreated = "created"
	ResultUpdated = "updated"
	ResultFailed  = "failed"
)

var (
	// ImportRecords counts imported records by outcome.
	ImportRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qbank_import_records_total",
		Help: "Imported records by result",
	}, []string{"result"})

	// ImportChunkDuration tracks how long one chunk transaction takes.
	ImportChunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qbank_import_chunk_duration_seconds",
		Help:    "Import chunk transaction duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	})

	// TaxonomyCreated counts natural-key entities created during import.
	TaxonomyCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qbank_taxonomy_created_total",
		Help: "Taxonomy entities created by kind",
	}, []string{"kind"})

	// ExportRecords counts exported records by output format.
	ExportRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qbank_export_records_total",
		Help: "Exported records by format",
	}, []string{"format"})

	// ExportSkipped counts records left out of an export because their
	// graph was inconsistent or a value did not fit the output format.
	ExportSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qbank_export_skipped_total",
		Help: "Exported records skipped due to integrity or format errors",
	})
)
