package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Tenant registry metrics
	TenantOperationsTotal    *prometheus.CounterVec
	TenantsActive            prometheus.Gauge
	IsolationViolationsTotal *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitChecksTotal *prometheus.CounterVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Autoscaler metrics
	ScalingEventsTotal *prometheus.CounterVec
	InstancesCurrent   prometheus.Gauge

	// Store metrics
	StoreLatency *prometheus.HistogramVec

	// Health metrics
	HealthChecksTotal *prometheus.CounterVec

	// Recorded application metrics mirrored for scraping
	RecordedMetricValue *prometheus.GaugeVec
}

// NewMetrics creates and registers Prometheus metrics on the given
// registerer. Production wiring passes the default registerer; tests
// pass a private registry so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TenantOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_tenant_operations_total",
				Help: "Total number of tenant registry operations",
			},
			[]string{"operation", "status"},
		),

		TenantsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "controlplane_tenants_active",
				Help: "Number of active tenants",
			},
		),

		IsolationViolationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_isolation_violations_total",
				Help: "Total number of tenant isolation violations",
			},
			[]string{"reason"},
		),

		RateLimitChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_rate_limit_checks_total",
				Help: "Total number of rate limit checks",
			},
			[]string{"operation", "outcome"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"tier"},
		),

		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"tier"},
		),

		ScalingEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_scaling_events_total",
				Help: "Total number of scaling events",
			},
			[]string{"direction", "status"},
		),

		InstancesCurrent: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "controlplane_instances_current",
				Help: "Current number of instances",
			},
		),

		StoreLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "controlplane_store_latency_seconds",
				Help:    "Duration of durable store operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		HealthChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "controlplane_health_checks_total",
				Help: "Total number of component health checks",
			},
			[]string{"component", "state"},
		),

		RecordedMetricValue: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "controlplane_recorded_metric_value",
				Help: "Last value of application-recorded metrics",
			},
			[]string{"name", "tenant_id"},
		),
	}
}

// RecordTenantOperation records a tenant registry operation
func (m *Metrics) RecordTenantOperation(operation, status string) {
	m.TenantOperationsTotal.WithLabelValues(operation, status).Inc()
}

// UpdateActiveTenants updates the active tenant gauge
func (m *Metrics) UpdateActiveTenants(count int) {
	m.TenantsActive.Set(float64(count))
}

// RecordIsolationViolation records an isolation check failure
func (m *Metrics) RecordIsolationViolation(reason string) {
	m.IsolationViolationsTotal.WithLabelValues(reason).Inc()
}

// RecordRateLimit records a rate limit check outcome
func (m *Metrics) RecordRateLimit(operation string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.RateLimitChecksTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit(tier string) {
	m.CacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss(tier string) {
	m.CacheMisses.WithLabelValues(tier).Inc()
}

// RecordScalingEvent records a scaling event outcome
func (m *Metrics) RecordScalingEvent(direction, status string) {
	m.ScalingEventsTotal.WithLabelValues(direction, status).Inc()
}

// UpdateInstances updates the current instance gauge
func (m *Metrics) UpdateInstances(count int) {
	m.InstancesCurrent.Set(float64(count))
}

// ObserveStoreLatency records the duration of a store operation
func (m *Metrics) ObserveStoreLatency(operation string, seconds float64) {
	m.StoreLatency.WithLabelValues(operation).Observe(seconds)
}

// RecordHealthCheck records the state of a component probe
func (m *Metrics) RecordHealthCheck(component, state string) {
	m.HealthChecksTotal.WithLabelValues(component, state).Inc()
}

// SetRecordedMetric mirrors an application-recorded metric value
func (m *Metrics) SetRecordedMetric(name, tenantID string, value float64) {
	m.RecordedMetricValue.WithLabelValues(name, tenantID).Set(value)
}
