package service

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/veridex/controlplane/internal/fleet"
	"github.com/veridex/controlplane/internal/model"
)

// CoordinatorService is the facade the identity node embeds. It wires
// the registry, rate limiter, cache, autoscaler, and health collector
// together and keeps their state consistent across tenant lifecycle
// changes.
type CoordinatorService struct {
	registry   *RegistryService
	limiter    *RateLimitService
	cache      *CacheService
	autoscaler *AutoscalerService
	health     *HealthService
	balancer   *fleet.Balancer

	clk    clock.Clock
	logger *zap.Logger
}

// NewCoordinatorService creates the control-plane coordinator.
// balancer may be nil on nodes that never route requests.
func NewCoordinatorService(
	registry *RegistryService,
	limiter *RateLimitService,
	cache *CacheService,
	autoscaler *AutoscalerService,
	health *HealthService,
	balancer *fleet.Balancer,
	clk clock.Clock,
	logger *zap.Logger,
) *CoordinatorService {
	return &CoordinatorService{
		registry:   registry,
		limiter:    limiter,
		cache:      cache,
		autoscaler: autoscaler,
		health:     health,
		balancer:   balancer,
		clk:        clk,
		logger:     logger,
	}
}

// CreateTenant registers a tenant and seeds its rate-limiter state
func (c *CoordinatorService) CreateTenant(ctx context.Context, params CreateTenantParams) (*model.Tenant, error) {
	tenant, err := c.registry.Create(ctx, params)
	if err != nil {
		return nil, err
	}
	c.limiter.Register(tenant.ID, tenant.Quotas)
	return tenant, nil
}

// GetTenant retrieves a tenant
func (c *CoordinatorService) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	return c.registry.Get(ctx, tenantID)
}

// ListTenants returns tenants matching the optional status and tier
// filters
func (c *CoordinatorService) ListTenants(ctx context.Context, status model.TenantStatus, tier model.SubscriptionTier) ([]*model.Tenant, error) {
	return c.registry.List(ctx, status, tier)
}

// UpdateTenant applies partial tenant changes and propagates quota
// updates into the rate limiter
func (c *CoordinatorService) UpdateTenant(ctx context.Context, tenantID string, params UpdateTenantParams) (*model.Tenant, error) {
	tenant, err := c.registry.Update(ctx, tenantID, params)
	if err != nil {
		return nil, err
	}
	c.limiter.Register(tenant.ID, tenant.Quotas)
	return tenant, nil
}

// TerminateTenant marks the tenant terminated and drops its runtime
// state. The ledger record survives for audit.
func (c *CoordinatorService) TerminateTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	tenant, err := c.registry.Terminate(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.limiter.Remove(tenantID)
	return tenant, nil
}

// ValidateIsolation verifies the tenant may run the operation
func (c *CoordinatorService) ValidateIsolation(ctx context.Context, tenantID, operation string) error {
	return c.registry.ValidateIsolation(ctx, tenantID, operation)
}

// CheckRateLimit consumes one token for the operation. The limiter is
// seeded from the registry on first contact so restarted nodes pick up
// tenant quotas lazily.
func (c *CoordinatorService) CheckRateLimit(ctx context.Context, tenantID, operation string) (model.RateLimitDecision, error) {
	tenant, err := c.registry.Get(ctx, tenantID)
	if err != nil {
		return model.RateLimitDecision{}, err
	}
	c.limiter.Seed(tenant.ID, tenant.Quotas)
	return c.limiter.Check(tenant.ID, operation), nil
}

// Authorize is the gate tenant-scoped requests pass through: isolation
// first, then rate limiting. A denial is returned as a RateLimitError
// carrying the retry hint.
func (c *CoordinatorService) Authorize(ctx context.Context, tenantID, operation string) error {
	if err := c.ValidateIsolation(ctx, tenantID, operation); err != nil {
		return err
	}

	decision, err := c.CheckRateLimit(ctx, tenantID, operation)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return &model.RateLimitError{
			TenantID:   tenantID,
			Operation:  operation,
			RetryAfter: decision.RetryAfter,
		}
	}
	return nil
}

// ReportUsage applies a delta to a tenant usage counter
func (c *CoordinatorService) ReportUsage(ctx context.Context, tenantID, resource string, delta int64) (*model.TenantUsage, error) {
	return c.registry.ReportUsage(ctx, tenantID, resource, delta)
}

// Usage returns the tenant's usage counters
func (c *CoordinatorService) Usage(ctx context.Context, tenantID string) (*model.TenantUsage, error) {
	return c.registry.Usage(ctx, tenantID)
}

// Utilization returns per-resource usage as a fraction of quota
func (c *CoordinatorService) Utilization(ctx context.Context, tenantID string) (map[string]float64, error) {
	return c.registry.Utilization(ctx, tenantID)
}

// CacheGet reads a key from the tiered cache
func (c *CoordinatorService) CacheGet(ctx context.Context, key string, tier model.CacheTierID) ([]byte, bool) {
	return c.cache.Get(ctx, key, tier)
}

// CacheSet writes a key to the tiered cache
func (c *CoordinatorService) CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration, tier model.CacheTierID) {
	c.cache.Set(ctx, key, value, ttl, tier)
}

// CacheInvalidate drops all cached keys matching the glob pattern
func (c *CoordinatorService) CacheInvalidate(ctx context.Context, pattern string) int {
	return c.cache.Invalidate(ctx, pattern)
}

// CacheStats returns combined cache tier statistics
func (c *CoordinatorService) CacheStats() model.CacheStats {
	return c.cache.Stats()
}

// RequestScale starts a manual scaling operation
func (c *CoordinatorService) RequestScale(ctx context.Context, target int) (*model.ScalingEvent, error) {
	return c.autoscaler.RequestScale(ctx, target, model.TriggerManual)
}

// CancelScaling aborts the in-flight scaling operation, if any
func (c *CoordinatorService) CancelScaling() bool {
	return c.autoscaler.Cancel()
}

// ScalingStatus returns the autoscaler snapshot
func (c *CoordinatorService) ScalingStatus() model.ScalingStatus {
	return c.autoscaler.Status()
}

// UpdateScalingPolicy replaces the autoscaling policy
func (c *CoordinatorService) UpdateScalingPolicy(policy model.ScalingPolicy) error {
	return c.autoscaler.UpdatePolicy(policy)
}

// ScalingPolicy returns the active autoscaling policy
func (c *CoordinatorService) ScalingPolicy() model.ScalingPolicy {
	return c.autoscaler.Policy()
}

// Health probes all components and aggregates the results
func (c *CoordinatorService) Health(ctx context.Context) model.HealthReport {
	return c.health.Check(ctx)
}

// RecordMetric stores a measurement in the metrics collector
func (c *CoordinatorService) RecordMetric(metric model.Metric) error {
	return c.health.RecordMetric(metric)
}

// QueryMetrics returns recorded measurements matching the query
func (c *CoordinatorService) QueryMetrics(query model.MetricQuery) []model.Metric {
	return c.health.QueryMetrics(query)
}

// PickInstance selects a live instance for request routing
func (c *CoordinatorService) PickInstance() (fleet.Instance, error) {
	if c.balancer == nil {
		return fleet.Instance{}, fleet.ErrNoInstances
	}
	return c.balancer.Pick()
}

// Maintain runs one housekeeping pass: expired cache entries are
// purged, terminated tenants lose their cached and limiter state, and
// stale metric series are pruned
func (c *CoordinatorService) Maintain(ctx context.Context) (model.MaintenanceReport, error) {
	start := c.clk.Now()

	report := model.MaintenanceReport{}
	report.CacheEntriesPurged = c.cache.Sweep(ctx)

	terminated, err := c.registry.PurgeTerminated(ctx)
	if err != nil {
		return report, err
	}
	report.TenantsEvicted = len(terminated)
	for _, tenantID := range terminated {
		report.CountersDropped += c.limiter.Remove(tenantID)
	}

	report.SeriesPruned = c.health.PruneSeries()
	report.Duration = c.clk.Now().Sub(start)

	c.logger.Info("Maintenance pass completed",
		zap.Int("cache_entries_purged", report.CacheEntriesPurged),
		zap.Int("tenants_evicted", report.TenantsEvicted),
		zap.Int("counters_dropped", report.CountersDropped),
		zap.Int("series_pruned", report.SeriesPruned),
		zap.Duration("duration", report.Duration))
	return report, nil
}
