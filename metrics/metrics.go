// Package metrics exposes the pipeline's Prometheus instrumentation (spec
// §6's "external interfaces" out-of-scope observability layer, carried here
// as ambient stack per SPEC_FULL §1.5). Grounded on the log capture
// service's internal/metrics package: package-level promauto collectors
// plus small Record*/Set* helper functions, trimmed to the counters this
// pipeline's three stages actually produce.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PacketsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pktmask_packets_processed_total",
			Help: "Total packets read by each stage",
		},
		[]string{"stage"},
	)

	PacketsModifiedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pktmask_packets_modified_total",
			Help: "Total packets rewritten by each stage",
		},
		[]string{"stage"},
	)

	DuplicatesRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pktmask_duplicates_removed_total",
		Help: "Total duplicate packets dropped by the dedup stage",
	})

	IPsAnonymizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pktmask_ips_anonymized_total",
		Help: "Total IP addresses rewritten by the anon stage",
	})

	BytesMaskedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pktmask_bytes_masked_total",
		Help: "Total TCP payload bytes zeroed by the mask stage",
	})

	BytesPreservedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pktmask_bytes_preserved_total",
		Help: "Total TCP payload bytes preserved by the mask stage",
	})

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pktmask_stage_duration_seconds",
			Help:    "Per-file processing duration for each stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	RunFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pktmask_run_failures_total",
			Help: "Total file runs that ended in failure, by stage",
		},
		[]string{"stage"},
	)
)

// ObserveStats folds a single stage's StageStats into the package-level
// collectors. Callers pass the stage name and counters already accumulated
// in pipeline.StageStats; this function does not interpret stage-specific
// counter names beyond the four the pipeline stages are documented to
// emit (spec §3.6).
func ObserveStats(stage string, packetsProcessed, packetsModified int, counters map[string]int64, seconds float64) {
	PacketsProcessedTotal.WithLabelValues(stage).Add(float64(packetsProcessed))
	PacketsModifiedTotal.WithLabelValues(stage).Add(float64(packetsModified))
	StageDuration.WithLabelValues(stage).Observe(seconds)

	if v, ok := counters["duplicates_removed"]; ok {
		DuplicatesRemovedTotal.Add(float64(v))
	}
	if v, ok := counters["ips_anonymized"]; ok {
		IPsAnonymizedTotal.Add(float64(v))
	}
	if v, ok := counters["bytes_masked"]; ok {
		BytesMaskedTotal.Add(float64(v))
	}
	if v, ok := counters["bytes_preserved"]; ok {
		BytesPreservedTotal.Add(float64(v))
	}
}

// RecordFailure increments the failure counter for the stage that aborted
// a run.
func RecordFailure(stage string) {
	RunFailuresTotal.WithLabelValues(stage).Inc()
}

// Handler returns the HTTP handler serving the Prometheus exposition
// format, for a caller that wants to mount it on its own mux.
func Handler() http.Handler { return promhttp.Handler() }
