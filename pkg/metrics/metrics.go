package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the dispatch engine metrics
type Metrics struct {
	// Run related metrics
	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	ClaimConflicts prometheus.Counter
	StaleRecovered prometheus.Counter
	DueBatchSize   prometheus.Gauge

	// Per-recipient send metrics
	SendsTotal  *prometheus.CounterVec
	SendLatency *prometheus.HistogramVec

	// Database metrics
	DatabaseOperations *prometheus.CounterVec

	// Authorization cache metrics
	AuthzCacheLookups *prometheus.CounterVec
}

// New creates the engine metrics and registers them on reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_runs_total",
			Help:      "Total number of schedule runs by channel and outcome",
		}, []string{"channel", "outcome"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "schedule_run_duration_seconds",
			Help:      "Time from claim to finalisation of a schedule run",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"channel"}),
		ClaimConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_claim_conflicts_total",
			Help:      "Claims lost to a concurrent executor",
		}),
		StaleRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_stale_recovered_total",
			Help:      "Schedules returned to pending after being stuck in processing",
		}),
		DueBatchSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schedule_due_batch_size",
			Help:      "Number of due schedules found by the last trigger",
		}),
		SendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_sends_total",
			Help:      "Per-recipient sends by channel and outcome",
		}, []string{"channel", "outcome"}),
		SendLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "channel_send_duration_seconds",
			Help:      "Duration of a single channel adapter send",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"channel"}),
		DatabaseOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
		AuthzCacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authz_profile_lookups_total",
			Help:      "Authorization profile lookups by cache result",
		}, []string{"result"}),
	}
}

// NewNop returns metrics registered on a throwaway registry.
func NewNop() *Metrics {
	return New("test", prometheus.NewRegistry())
}
