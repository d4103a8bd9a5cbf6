// Package metrics provides counters, Prometheus collectors, and HTTP
// handlers for exporting leavenote runtime metrics.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 1. Internal State (Source of Truth)
var (
	updatesStatus        int64
	updatesTransition    int64
	duplicates           int64
	dispatchesDirect     int64
	dispatchesFallback   int64
	dispatchesFailed     int64
	ledgerDegradations   int64
	enrollments          int64
	lastUpdate           int64
)

const counterInc int64 = 1

// 2. Prometheus Collectors
var (
	promUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leavenote_updates_total",
			Help: "Membership events observed, by source channel",
		},
		[]string{"source"},
	)
	promDuplicates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leavenote_duplicates_suppressed_total",
			Help: "Events discarded by the dedup ledger as already handled",
		},
	)
	promDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leavenote_dispatches_total",
			Help: "Send attempts, by target and outcome",
		},
		[]string{"target", "outcome"},
	)
	promLedgerDegraded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leavenote_ledger_degraded_total",
			Help: "Admissions served while the ledger was over capacity (admit-all mode)",
		},
	)
	promEnrollments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "leavenote_enrollments",
			Help: "Users currently known to have an open direct channel",
		},
	)
	promLastUpdate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "leavenote_last_update_timestamp_seconds",
			Help: "Unix timestamp of the last raw update consumed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		promUpdates,
		promDuplicates,
		promDispatches,
		promLedgerDegraded,
		promEnrollments,
		promLastUpdate,
	)
}

// 3. Public API (Updates both Atomic and Prometheus)

// IncUpdate counts one observed membership event for the given source
// channel ("status_message" or "transition_update").
func IncUpdate(source string) {
	if source == "transition_update" {
		atomic.AddInt64(&updatesTransition, counterInc)
	} else {
		atomic.AddInt64(&updatesStatus, counterInc)
	}
	promUpdates.WithLabelValues(source).Inc()
}

// IncDuplicate counts an event the ledger discarded as a duplicate.
func IncDuplicate() {
	atomic.AddInt64(&duplicates, counterInc)
	promDuplicates.Inc()
}

// IncDispatch counts one send attempt by target ("direct" or "group") and
// outcome ("sent", "rejected", "error").
func IncDispatch(target, outcome string) {
	switch {
	case outcome == "sent" && target == "direct":
		atomic.AddInt64(&dispatchesDirect, counterInc)
	case outcome == "sent":
		atomic.AddInt64(&dispatchesFallback, counterInc)
	default:
		atomic.AddInt64(&dispatchesFailed, counterInc)
	}
	promDispatches.WithLabelValues(target, outcome).Inc()
}

// IncLedgerDegraded counts an admission served in admit-all mode.
func IncLedgerDegraded() {
	atomic.AddInt64(&ledgerDegradations, counterInc)
	promLedgerDegraded.Inc()
}

// SetEnrollments records the current number of directly reachable users.
func SetEnrollments(n int) {
	atomic.StoreInt64(&enrollments, int64(n))
	promEnrollments.Set(float64(n))
}

// SetLastUpdate stores the provided time as the last consumed update
// timestamp and updates the corresponding Prometheus gauge.
func SetLastUpdate(t time.Time) {
	atomic.StoreInt64(&lastUpdate, t.Unix())
	promLastUpdate.Set(float64(t.Unix()))
}

// 4. JSON Snapshot Struct (For operator dashboards)

// StatsSnapshot is a snapshot of metrics for JSON encoding.
type StatsSnapshot struct {
	UpdatesStatusMessage int64  `json:"updates_status_message"`
	UpdatesTransition    int64  `json:"updates_transition"`
	Duplicates           int64  `json:"duplicates_suppressed"`
	DirectSent           int64  `json:"direct_sent"`
	FallbackSent         int64  `json:"fallback_sent"`
	DispatchesFailed     int64  `json:"dispatches_failed"`
	LedgerDegradations   int64  `json:"ledger_degradations"`
	Enrollments          int64  `json:"enrollments"`
	LastUpdate           int64  `json:"last_update_timestamp"`
	LastUpdateHuman      string `json:"last_update_human"`
}

// GetSnapshot returns a StatsSnapshot with the current values of all
// internal counters and timestamps.
func GetSnapshot() StatsSnapshot {
	ts := atomic.LoadInt64(&lastUpdate)
	return StatsSnapshot{
		UpdatesStatusMessage: atomic.LoadInt64(&updatesStatus),
		UpdatesTransition:    atomic.LoadInt64(&updatesTransition),
		Duplicates:           atomic.LoadInt64(&duplicates),
		DirectSent:           atomic.LoadInt64(&dispatchesDirect),
		FallbackSent:         atomic.LoadInt64(&dispatchesFallback),
		DispatchesFailed:     atomic.LoadInt64(&dispatchesFailed),
		LedgerDegradations:   atomic.LoadInt64(&ledgerDegradations),
		Enrollments:          atomic.LoadInt64(&enrollments),
		LastUpdate:           ts,
		LastUpdateHuman:      time.Unix(ts, 0).Format(time.RFC3339),
	}
}

// 5. Handlers

// PromHandler returns an HTTP handler that exposes Prometheus metrics.
func PromHandler() http.Handler { return promhttp.Handler() }

// JSONHandler returns an HTTP handler that serves the current metrics as
// a JSON-encoded StatsSnapshot.
func JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(GetSnapshot())
	})
}
