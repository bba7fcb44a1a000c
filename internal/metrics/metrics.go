// Package metrics defines the Prometheus instruments for the daemon.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkd_source_checks_total",
			Help: "Total source check cycles, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	chaptersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkd_chapters_processed_total",
			Help: "Total chapters run through the pipeline, labeled by final state.",
		},
		[]string{"state"},
	)

	imagesSavedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inkd_images_saved_total",
			Help: "Total images transcoded, uploaded and recorded.",
		},
	)

	imagesFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inkd_images_failed_total",
			Help: "Total per-image pipeline failures (fetch, transcode or upload).",
		},
	)

	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkd_fetches_total",
			Help: "Total HTTP fetches, labeled by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	fetchRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inkd_fetch_retries_total",
			Help: "Total fetch attempts beyond the first.",
		},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inkd_fetch_duration_seconds",
			Help:    "Histogram of fetch latencies, labeled by mode.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"mode"},
	)

	deletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkd_source_deletions_total",
			Help: "Total source deletion runs, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	ruleReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkd_rule_reloads_total",
			Help: "Total rule file reload attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	repairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkd_repairs_total",
			Help: "Total repair jobs processed, labeled by outcome.",
		},
		[]string{"outcome"},
	)
)

// CountCheck records one finished source check cycle.
func CountCheck(outcome string) { checksTotal.WithLabelValues(outcome).Inc() }

// CountChapter records one chapter pipeline run by final state.
func CountChapter(state string) { chaptersTotal.WithLabelValues(state).Inc() }

// CountImageSaved records one persisted image.
func CountImageSaved() { imagesSavedTotal.Inc() }

// CountImageFailed records one failed image task.
func CountImageFailed() { imagesFailedTotal.Inc() }

// ObserveFetch records one completed fetch call.
func ObserveFetch(mode, outcome string, d time.Duration) {
	fetchesTotal.WithLabelValues(mode, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(mode).Observe(d.Seconds())
}

// CountFetchRetry records one retried fetch attempt.
func CountFetchRetry() { fetchRetriesTotal.Inc() }

// CountDeletion records one deletion worker run.
func CountDeletion(outcome string) { deletionsTotal.WithLabelValues(outcome).Inc() }

// CountRuleReload records one rule reload attempt.
func CountRuleReload(outcome string) { ruleReloadsTotal.WithLabelValues(outcome).Inc() }

// CountRepair records one repair job.
func CountRepair(outcome string) { repairsTotal.WithLabelValues(outcome).Inc() }
