package service

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veridex/controlplane/internal/algorithm"
	"github.com/veridex/controlplane/internal/fleet"
	"github.com/veridex/controlplane/internal/model"
	"github.com/veridex/controlplane/internal/store"
)

type coordinatorFixture struct {
	coordinator *CoordinatorService
	registry    *RegistryService
	limiter     *RateLimitService
	cache       *CacheService
	autoscaler  *AutoscalerService
	prov        *stubProvisioner
	clk         *clock.Mock
}

func newTestCoordinator(t *testing.T) *coordinatorFixture {
	t.Helper()
	clk := clock.NewMock()
	ledger := store.NewMemoryStore()

	l1 := store.NewMemoryTier(store.MemoryTierConfig{Name: "l1", Policy: store.PolicyLRU}, clk, zap.NewNop())
	l2 := store.NewMemoryTier(store.MemoryTierConfig{Name: "l2", Policy: store.PolicyLRU}, clk, zap.NewNop())
	cache := NewCacheService(l1, l2, CacheServiceConfig{
		L1TTL:        5 * time.Minute,
		L2TTL:        time.Hour,
		WriteThrough: true,
	}, clk, newTestMetrics(), zap.NewNop())

	shards := algorithm.NewShardMapper(16, 3)
	registry := NewRegistryService(ledger, cache, shards, testQuotas, 0, clk, newTestMetrics(), zap.NewNop())
	limiter := NewRateLimitService(60*time.Second, testQuotas, 0, 0, clk, newTestMetrics(), zap.NewNop())

	prov := newStubProvisioner()
	policy := model.ScalingPolicy{MinInstances: 1, MaxInstances: 10, TargetCPUPercent: 70, TargetMemoryPercent: 80}
	autoscaler := NewAutoscalerService(policy, 2, prov, nil, 30*time.Second, clk, newTestMetrics(), zap.NewNop())

	local := fleet.NewLocalInstance("node-1", "10.0.0.1:7946", clk)
	view := fleet.NewStaticView(local)
	balancer := fleet.NewBalancer(view, fleet.StrategyRoundRobin, 30*time.Second, clk)

	health := NewHealthService(ledger, cache, limiter, autoscaler, view, HealthServiceConfig{}, clk, newTestMetrics(), zap.NewNop())

	coordinator := NewCoordinatorService(registry, limiter, cache, autoscaler, health, balancer, clk, zap.NewNop())
	return &coordinatorFixture{
		coordinator: coordinator,
		registry:    registry,
		limiter:     limiter,
		cache:       cache,
		autoscaler:  autoscaler,
		prov:        prov,
		clk:         clk,
	}
}

func TestCoordinatorAuthorizeEnforcesRateLimit(t *testing.T) {
	fix := newTestCoordinator(t)
	ctx := context.Background()

	quotas := testQuotas
	quotas.MaxRequestsPerSecond = 3
	_, err := fix.coordinator.CreateTenant(ctx, CreateTenantParams{ID: "tenant-1", Name: "T", Quotas: &quotas})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, fix.coordinator.Authorize(ctx, "tenant-1", model.OpCreateIdentity), "request %d", i+1)
	}

	err = fix.coordinator.Authorize(ctx, "tenant-1", model.OpCreateIdentity)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrRateLimitExceeded)

	var limitErr *model.RateLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "tenant-1", limitErr.TenantID)
	assert.Equal(t, model.OpCreateIdentity, limitErr.Operation)
	assert.Greater(t, limitErr.RetryAfter, time.Duration(0))

	// The next window clears the denial
	fix.clk.Add(61 * time.Second)
	assert.NoError(t, fix.coordinator.Authorize(ctx, "tenant-1", model.OpCreateIdentity))
}

func TestCoordinatorAuthorizeChecksIsolationFirst(t *testing.T) {
	fix := newTestCoordinator(t)
	ctx := context.Background()

	_, err := fix.coordinator.CreateTenant(ctx, CreateTenantParams{ID: "tenant-1", Name: "T"})
	require.NoError(t, err)

	suspended := model.TenantStatusSuspended
	_, err = fix.coordinator.UpdateTenant(ctx, "tenant-1", UpdateTenantParams{Status: &suspended})
	require.NoError(t, err)

	err = fix.coordinator.Authorize(ctx, "tenant-1", model.OpCreateIdentity)
	assert.ErrorIs(t, err, model.ErrTenantIsolationViolation)

	err = fix.coordinator.Authorize(ctx, "ghost", model.OpCreateIdentity)
	assert.ErrorIs(t, err, model.ErrTenantNotFound)
}

func TestCoordinatorPropagatesQuotaUpdates(t *testing.T) {
	fix := newTestCoordinator(t)
	ctx := context.Background()

	quotas := testQuotas
	quotas.MaxRequestsPerSecond = 5
	_, err := fix.coordinator.CreateTenant(ctx, CreateTenantParams{ID: "tenant-1", Name: "T", Quotas: &quotas})
	require.NoError(t, err)

	decision, err := fix.coordinator.CheckRateLimit(ctx, "tenant-1", model.OpCreateIdentity)
	require.NoError(t, err)
	assert.Equal(t, int64(5), decision.Limit)

	quotas.MaxRequestsPerSecond = 2
	_, err = fix.coordinator.UpdateTenant(ctx, "tenant-1", UpdateTenantParams{Quotas: &quotas})
	require.NoError(t, err)

	decision, err = fix.coordinator.CheckRateLimit(ctx, "tenant-1", model.OpCreateIdentity)
	require.NoError(t, err)
	assert.Equal(t, int64(2), decision.Limit)
}

func TestCoordinatorTerminateDropsRuntimeState(t *testing.T) {
	fix := newTestCoordinator(t)
	ctx := context.Background()

	_, err := fix.coordinator.CreateTenant(ctx, CreateTenantParams{ID: "tenant-1", Name: "T"})
	require.NoError(t, err)
	require.NoError(t, fix.coordinator.Authorize(ctx, "tenant-1", model.OpCreateIdentity))
	require.Equal(t, 1, fix.limiter.ActiveTenants())

	_, err = fix.coordinator.TerminateTenant(ctx, "tenant-1")
	require.NoError(t, err)

	assert.Equal(t, 0, fix.limiter.ActiveTenants())
	assert.ErrorIs(t, fix.coordinator.Authorize(ctx, "tenant-1", model.OpCreateIdentity), model.ErrTenantIsolationViolation)
}

func TestCoordinatorMaintainPurgesTerminatedState(t *testing.T) {
	fix := newTestCoordinator(t)
	ctx := context.Background()

	_, err := fix.coordinator.CreateTenant(ctx, CreateTenantParams{ID: "tenant-1", Name: "T"})
	require.NoError(t, err)
	_, err = fix.coordinator.TerminateTenant(ctx, "tenant-1")
	require.NoError(t, err)

	// Limiter state recreated after termination, e.g. by a direct
	// rate-limit check that bypassed the isolation gate
	_, err = fix.coordinator.CheckRateLimit(ctx, "tenant-1", model.OpCreateIdentity)
	require.NoError(t, err)
	require.Equal(t, 1, fix.limiter.ActiveTenants())

	// An expired cache entry for the sweep to collect
	fix.coordinator.CacheSet(ctx, "session:abc", []byte("x"), time.Minute, model.TierL1)
	fix.clk.Add(2 * time.Minute)

	report, err := fix.coordinator.Maintain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.TenantsEvicted)
	assert.Equal(t, 1, report.CountersDropped)
	assert.GreaterOrEqual(t, report.CacheEntriesPurged, 1)
	assert.Equal(t, 0, fix.limiter.ActiveTenants())

	_, cached := fix.cache.Get(ctx, tenantCacheKey("tenant-1"), model.TierL1)
	assert.False(t, cached, "terminated tenant leaves no cached state")
}

func TestCoordinatorScalingPassThrough(t *testing.T) {
	fix := newTestCoordinator(t)
	ctx := context.Background()

	event, err := fix.coordinator.RequestScale(ctx, 4)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, model.TriggerManual, event.Trigger)

	<-fix.prov.started
	assert.Equal(t, model.ScalingStateScaling, fix.coordinator.ScalingStatus().State)

	assert.True(t, fix.coordinator.CancelScaling())
	waitStable(t, fix.autoscaler)
	assert.Equal(t, 2, fix.coordinator.ScalingStatus().CurrentInstances)

	require.NoError(t, fix.coordinator.UpdateScalingPolicy(model.ScalingPolicy{
		MinInstances:        2,
		MaxInstances:        20,
		TargetCPUPercent:    60,
		TargetMemoryPercent: 70,
	}))
	assert.Equal(t, 20, fix.coordinator.ScalingPolicy().MaxInstances)
}

func TestCoordinatorCachePassThrough(t *testing.T) {
	fix := newTestCoordinator(t)
	ctx := context.Background()

	fix.coordinator.CacheSet(ctx, "proof:123", []byte("cached-proof"), 0, model.TierL1)

	value, found := fix.coordinator.CacheGet(ctx, "proof:123", model.TierL1)
	require.True(t, found)
	assert.Equal(t, []byte("cached-proof"), value)

	removed := fix.coordinator.CacheInvalidate(ctx, "proof:*")
	assert.Equal(t, 2, removed, "entry present in both tiers")

	stats := fix.coordinator.CacheStats()
	assert.Equal(t, int64(1), stats.L1.Hits)
}

func TestCoordinatorMetricsPassThrough(t *testing.T) {
	fix := newTestCoordinator(t)

	require.NoError(t, fix.coordinator.RecordMetric(model.Metric{Name: "proof_latency_ms", Value: 42}))

	points := fix.coordinator.QueryMetrics(model.MetricQuery{Name: "proof_latency_ms"})
	require.Len(t, points, 1)
	assert.Equal(t, float64(42), points[0].Value)
}

func TestCoordinatorUsagePassThrough(t *testing.T) {
	fix := newTestCoordinator(t)
	ctx := context.Background()

	quotas := testQuotas
	quotas.MaxIdentities = 10
	_, err := fix.coordinator.CreateTenant(ctx, CreateTenantParams{ID: "tenant-1", Name: "T", Quotas: &quotas})
	require.NoError(t, err)

	_, err = fix.coordinator.ReportUsage(ctx, "tenant-1", model.ResourceIdentities, 4)
	require.NoError(t, err)

	usage, err := fix.coordinator.Usage(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), usage.Identities)

	util, err := fix.coordinator.Utilization(ctx, "tenant-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, util[model.ResourceIdentities], 0.001)
}

func TestCoordinatorPickInstance(t *testing.T) {
	fix := newTestCoordinator(t)

	instance, err := fix.coordinator.PickInstance()
	require.NoError(t, err)
	assert.Equal(t, "node-1", instance.ID)
}

func TestCoordinatorPickInstanceWithoutBalancer(t *testing.T) {
	fix := newTestCoordinator(t)
	bare := NewCoordinatorService(fix.registry, fix.limiter, fix.cache, fix.autoscaler, nil, nil, fix.clk, zap.NewNop())

	_, err := bare.PickInstance()
	assert.ErrorIs(t, err, fleet.ErrNoInstances)
}

func TestCoordinatorHealthPassThrough(t *testing.T) {
	fix := newTestCoordinator(t)

	report := fix.coordinator.Health(context.Background())
	assert.NotEmpty(t, report.Components)
	assert.False(t, report.CheckedAt.IsZero())
}

func TestCoordinatorAuthorizeDenialLeavesBucketIntact(t *testing.T) {
	fix := newTestCoordinator(t)
	ctx := context.Background()

	quotas := testQuotas
	quotas.MaxRequestsPerSecond = 1
	_, err := fix.coordinator.CreateTenant(ctx, CreateTenantParams{ID: "tenant-1", Name: "T", Quotas: &quotas})
	require.NoError(t, err)

	require.NoError(t, fix.coordinator.Authorize(ctx, "tenant-1", model.OpCreateIdentity))
	require.Error(t, fix.coordinator.Authorize(ctx, "tenant-1", model.OpCreateIdentity))

	// Repeated denials push the reset no further out
	firstDenial, err := fix.coordinator.CheckRateLimit(ctx, "tenant-1", model.OpCreateIdentity)
	require.NoError(t, err)
	fix.clk.Add(10 * time.Second)
	secondDenial, err := fix.coordinator.CheckRateLimit(ctx, "tenant-1", model.OpCreateIdentity)
	require.NoError(t, err)

	assert.False(t, firstDenial.Allowed)
	assert.False(t, secondDenial.Allowed)
	wait := firstDenial.RetryAfter - 10*time.Second
	assert.Equal(t, wait, secondDenial.RetryAfter)
}
