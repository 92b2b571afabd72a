// Package metrics exposes Prometheus collectors for catalog, provider,
// sync and import activity.
package metrics

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Catalog state
	CatalogEntriesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gamedex_catalog_entries_total",
		Help: "Total number of catalog entries in the database.",
	})
	CatalogArchivedTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gamedex_catalog_archived_total",
		Help: "Number of soft-archived catalog entries.",
	})

	// Provider traffic
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamedex_provider_requests_total",
		Help: "Upstream provider requests by provider and outcome.",
	}, []string{"provider", "outcome"}) // outcome: ok, empty, unavailable, rate_limited, not_found

	ChainFallthroughs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamedex_chain_fallthrough_total",
		Help: "Provider chain fallthrough events by provider and reason.",
	}, []string{"provider", "reason"})

	RateBudgetWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gamedex_rate_budget_wait_seconds",
		Help:    "Time spent waiting for the per-provider rate budget.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	// Sync engine
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gamedex_sync_duration_seconds",
		Help:    "Duration of sync engine runs by mode.",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	SyncCandidates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gamedex_sync_candidates_total",
		Help: "Candidates processed by sync runs.",
	}, []string{"mode", "status"}) // status: new, updated, archived, failed

	// Import jobs
	ImportJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gamedex_import_jobs",
		Help: "Import jobs currently tracked, by state.",
	}, []string{"state"})
)

// UpdateDBMetrics refreshes gauges that reflect the current state of the database.
func UpdateDBMetrics(db *sql.DB) error {
	var entries, archived int

	if err := db.QueryRow("SELECT COUNT(*) FROM catalog_entries").Scan(&entries); err != nil {
		return err
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM catalog_entries WHERE archived = 1").Scan(&archived); err != nil {
		return err
	}

	CatalogEntriesTotal.Set(float64(entries))
	CatalogArchivedTotal.Set(float64(archived))

	return nil
}

// RecordSyncDuration records the time taken for a sync engine run.
func RecordSyncDuration(mode string, start time.Time) {
	SyncDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}
