package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arklim/config-governance/internal/core/domain"
)

// MetricsOptions configures the versioning collectors.
type MetricsOptions struct {
	Registerer prometheus.Registerer
	Namespace  string
	Subsystem  string
	Buckets    []float64
}

// VersioningMetrics exposes Prometheus collectors for the versioning engine.
// It satisfies both the write service and current cache reader metric sinks.
type VersioningMetrics struct {
	Operations           *prometheus.CounterVec
	InvalidationFailures *prometheus.CounterVec
	InvariantViolations  *prometheus.CounterVec
	Duration             *prometheus.HistogramVec
	CacheLookups         *prometheus.CounterVec
}

// NewVersioningMetrics constructs the collectors and registers them with the provided registerer.
func NewVersioningMetrics(opts MetricsOptions) (*VersioningMetrics, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "governance"
	}

	subsystem := opts.Subsystem
	if subsystem == "" {
		subsystem = "versioning"
	}

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	operations, err := Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "operations_total",
		Help:      "Total number of committed versioning operations partitioned by entity type and operation.",
	}, []string{"entity_type", "operation"}))
	if err != nil {
		return nil, err
	}

	invalidations, err := Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "invalidation_failures_total",
		Help:      "Total number of cache invalidations that failed after commit.",
	}, []string{"entity_type"}))
	if err != nil {
		return nil, err
	}

	violations, err := Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "invariant_violations_total",
		Help:      "Total number of detected timeline invariant violations.",
	}, []string{"entity_type"}))
	if err != nil {
		return nil, err
	}

	duration, err := Register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "operation_duration_seconds",
		Help:      "Histogram of versioning operation latencies in seconds partitioned by operation.",
		Buckets:   buckets,
	}, []string{"operation"}))
	if err != nil {
		return nil, err
	}

	lookups, err := Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "cache_lookups_total",
		Help:      "Total number of current version cache lookups partitioned by entity type and result.",
	}, []string{"entity_type", "result"}))
	if err != nil {
		return nil, err
	}

	return &VersioningMetrics{
		Operations:           operations,
		InvalidationFailures: invalidations,
		InvariantViolations:  violations,
		Duration:             duration,
		CacheLookups:         lookups,
	}, nil
}

// Register registers collector, reusing an identical collector that is already registered.
func Register[C prometheus.Collector](reg prometheus.Registerer, collector C) (C, error) {
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
			return collector, fmt.Errorf("existing collector has unexpected type %T", already.ExistingCollector)
		}
		return collector, fmt.Errorf("register collector: %w", err)
	}
	return collector, nil
}

func (m *VersioningMetrics) IncOperation(entityType domain.EntityType, operation string) {
	m.Operations.WithLabelValues(string(entityType), operation).Inc()
}

func (m *VersioningMetrics) IncInvalidationFailure(entityType domain.EntityType) {
	m.InvalidationFailures.WithLabelValues(string(entityType)).Inc()
}

func (m *VersioningMetrics) IncInvariantViolation(entityType domain.EntityType) {
	m.InvariantViolations.WithLabelValues(string(entityType)).Inc()
}

func (m *VersioningMetrics) ObserveDuration(operation string, duration time.Duration) {
	m.Duration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *VersioningMetrics) IncCacheHit(entityType domain.EntityType) {
	m.CacheLookups.WithLabelValues(string(entityType), "hit").Inc()
}

func (m *VersioningMetrics) IncCacheMiss(entityType domain.EntityType) {
	m.CacheLookups.WithLabelValues(string(entityType), "miss").Inc()
}
