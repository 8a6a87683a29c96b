// Package metrics exposes policy-engine metrics via Prometheus.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all policy-engine metrics.
type Registry struct {
	// Resolution metrics
	ResolveTotal    *prometheus.CounterVec
	ResolveDuration prometheus.Histogram
	ResolvedRules   prometheus.Histogram

	// Mutation metrics
	MutationsTotal  *prometheus.CounterVec
	MutationErrors  *prometheus.CounterVec
	CycleRejections prometheus.Counter

	// Enforcement sync metrics
	SyncTotal    *prometheus.CounterVec
	SyncFailures *prometheus.CounterVec
	SyncRetries  prometheus.Counter

	// Optimizer metrics
	OptimizeRuns       *prometheus.CounterVec
	DuplicatesRemoved  prometheus.Counter
	ConflictsResolved  prometheus.Counter
	RangesConsolidated prometheus.Counter

	// Store metrics
	FiltersActive  prometheus.Gauge
	RulesActive    prometheus.Gauge
	BackupsCreated prometheus.Counter

	// System metrics
	Uptime      prometheus.Gauge
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	// Resolution metrics
	r.ResolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_resolve_total",
		Help: "Total filter graph resolutions",
	}, []string{"status"})

	r.ResolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_resolve_duration_seconds",
		Help:    "Filter graph resolution latency",
		Buckets: prometheus.DefBuckets,
	})

	r.ResolvedRules = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_resolved_rules",
		Help:    "Number of rules produced per resolution",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	// Mutation metrics
	r.MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_mutations_total",
		Help: "Total policy mutations by operation",
	}, []string{"operation"})

	r.MutationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_mutation_errors_total",
		Help: "Total failed policy mutations by operation",
	}, []string{"operation", "reason"})

	r.CycleRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_cycle_rejections_total",
		Help: "Template applications rejected for creating a reference cycle",
	})

	// Enforcement sync metrics
	r.SyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_sync_total",
		Help: "Total enforcement sync attempts",
	}, []string{"status"})

	r.SyncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_sync_failures_total",
		Help: "Total enforcement sync failures by service",
	}, []string{"service"})

	r.SyncRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_sync_retries_total",
		Help: "Total enforcement sync retry attempts",
	})

	// Optimizer metrics
	r.OptimizeRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_optimize_runs_total",
		Help: "Total optimizer runs by strategy",
	}, []string{"strategy"})

	r.DuplicatesRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_optimize_duplicates_removed_total",
		Help: "Total duplicate rules removed by the optimizer",
	})

	r.ConflictsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_optimize_conflicts_resolved_total",
		Help: "Total conflicting rules resolved by the optimizer",
	})

	r.RangesConsolidated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_optimize_ranges_consolidated_total",
		Help: "Total single-port runs consolidated into ranges",
	})

	// Store metrics
	r.FiltersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_filters_active",
		Help: "Current number of filters",
	})

	r.RulesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_rules_active",
		Help: "Current number of stored rules",
	})

	r.BackupsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_backups_created_total",
		Help: "Total configuration backups created",
	})

	// System metrics
	r.Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_uptime_seconds",
		Help: "Policy engine uptime in seconds",
	})

	r.APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_api_requests_total",
		Help: "Total API requests",
	}, []string{"method", "path", "status"})

	r.APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_api_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	return r
}

// RecordResolve records one resolution with its duration and output size.
func (r *Registry) RecordResolve(duration float64, ruleCount int, err error) {
	if err != nil {
		r.ResolveTotal.WithLabelValues("error").Inc()
		return
	}
	r.ResolveTotal.WithLabelValues("ok").Inc()
	r.ResolveDuration.Observe(duration)
	r.ResolvedRules.Observe(float64(ruleCount))
}

// RecordMutation records a policy mutation outcome.
func (r *Registry) RecordMutation(operation string, err error) {
	r.MutationsTotal.WithLabelValues(operation).Inc()
	if err != nil {
		r.MutationErrors.WithLabelValues(operation, "error").Inc()
	}
}

// RecordSync records an enforcement sync attempt.
func (r *Registry) RecordSync(service string, err error) {
	if err != nil {
		r.SyncTotal.WithLabelValues("failed").Inc()
		r.SyncFailures.WithLabelValues(service).Inc()
		return
	}
	r.SyncTotal.WithLabelValues("ok").Inc()
}

// RecordOptimize records one optimizer run.
func (r *Registry) RecordOptimize(strategy string, duplicates, conflicts, ranges int) {
	r.OptimizeRuns.WithLabelValues(strategy).Inc()
	r.DuplicatesRemoved.Add(float64(duplicates))
	r.ConflictsResolved.Add(float64(conflicts))
	r.RangesConsolidated.Add(float64(ranges))
}

// RecordAPIRequest records an API request.
func (r *Registry) RecordAPIRequest(method, path string, status int, duration float64) {
	r.APIRequests.WithLabelValues(method, path, statusString(status)).Inc()
	r.APILatency.WithLabelValues(method, path).Observe(duration)
}

// statusString converts an HTTP status code to string.
func statusString(status int) string {
	return fmt.Sprintf("%d", status)
}
