package service

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veridex/controlplane/internal/metrics"
	"github.com/veridex/controlplane/internal/model"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

func newTestRateLimiter(quotas model.ResourceQuotas, globalRPS, globalBurst int) (*RateLimitService, *clock.Mock) {
	clk := clock.NewMock()
	svc := NewRateLimitService(60*time.Second, quotas, globalRPS, globalBurst, clk, newTestMetrics(), zap.NewNop())
	return svc, clk
}

func TestRateLimitWindowExhaustionAndRefill(t *testing.T) {
	quotas := model.ResourceQuotas{MaxRequestsPerSecond: 3}
	svc, clk := newTestRateLimiter(quotas, 0, 0)

	for i := 0; i < 3; i++ {
		decision := svc.Check("tenant-1", model.OpCreateIdentity)
		require.True(t, decision.Allowed, "check %d should be allowed", i+1)
		assert.Equal(t, int64(3), decision.Limit)
		assert.Equal(t, int64(2-i), decision.Remaining)
	}

	denied := svc.Check("tenant-1", model.OpCreateIdentity)
	require.False(t, denied.Allowed)
	assert.Equal(t, int64(0), denied.Remaining)
	assert.Greater(t, denied.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, denied.RetryAfter, 60*time.Second)

	// The window rolls over and the bucket refills to its limit
	clk.Add(61 * time.Second)
	refilled := svc.Check("tenant-1", model.OpCreateIdentity)
	require.True(t, refilled.Allowed)
	assert.Equal(t, int64(2), refilled.Remaining)
}

func TestRateLimitProofGenerationQuota(t *testing.T) {
	quotas := model.ResourceQuotas{
		MaxRequestsPerSecond:         100,
		MaxProofGenerationsPerPeriod: 2,
	}
	svc, _ := newTestRateLimiter(quotas, 0, 0)

	first := svc.Check("tenant-1", model.OpGenerateProof)
	require.True(t, first.Allowed)
	assert.Equal(t, int64(2), first.Limit)

	svc.Check("tenant-1", model.OpGenerateProof)
	denied := svc.Check("tenant-1", model.OpGenerateProof)
	assert.False(t, denied.Allowed)

	// Other operations draw from their own bucket
	other := svc.Check("tenant-1", model.OpIssueCredential)
	assert.True(t, other.Allowed)
	assert.Equal(t, int64(100), other.Limit)
}

func TestRateLimitOperationsAreIsolatedPerTenant(t *testing.T) {
	quotas := model.ResourceQuotas{MaxRequestsPerSecond: 1}
	svc, _ := newTestRateLimiter(quotas, 0, 0)

	require.True(t, svc.Check("tenant-a", model.OpCreateIdentity).Allowed)
	require.False(t, svc.Check("tenant-a", model.OpCreateIdentity).Allowed)

	assert.True(t, svc.Check("tenant-b", model.OpCreateIdentity).Allowed)
}

func TestRegisterReCapsExistingBuckets(t *testing.T) {
	svc, _ := newTestRateLimiter(model.ResourceQuotas{MaxRequestsPerSecond: 10}, 0, 0)

	svc.Check("tenant-1", model.OpCreateIdentity)
	svc.Check("tenant-1", model.OpCreateIdentity)

	// Shrinking the quota must not grant more tokens than the new cap
	svc.Register("tenant-1", model.ResourceQuotas{MaxRequestsPerSecond: 3})

	decision := svc.Check("tenant-1", model.OpCreateIdentity)
	require.True(t, decision.Allowed)
	assert.Equal(t, int64(3), decision.Limit)
	assert.Equal(t, int64(2), decision.Remaining)
}

func TestRegisterGrowsQuotaWithoutFreeTokens(t *testing.T) {
	svc, clk := newTestRateLimiter(model.ResourceQuotas{MaxRequestsPerSecond: 2}, 0, 0)

	svc.Check("tenant-1", model.OpCreateIdentity)
	svc.Check("tenant-1", model.OpCreateIdentity)
	require.False(t, svc.Check("tenant-1", model.OpCreateIdentity).Allowed)

	svc.Register("tenant-1", model.ResourceQuotas{MaxRequestsPerSecond: 5})

	// Remaining tokens stay at zero until the window rolls over
	assert.False(t, svc.Check("tenant-1", model.OpCreateIdentity).Allowed)

	clk.Add(61 * time.Second)
	refilled := svc.Check("tenant-1", model.OpCreateIdentity)
	require.True(t, refilled.Allowed)
	assert.Equal(t, int64(5), refilled.Limit)
	assert.Equal(t, int64(4), refilled.Remaining)
}

func TestGlobalLimiterBackstop(t *testing.T) {
	quotas := model.ResourceQuotas{MaxRequestsPerSecond: 100}
	svc, _ := newTestRateLimiter(quotas, 1, 1)

	first := svc.Check("tenant-1", model.OpCreateIdentity)
	require.True(t, first.Allowed)

	// The global limiter denies before the tenant bucket is consulted,
	// so the denial carries no tenant limit and a sub-window retry hint
	denied := svc.Check("tenant-1", model.OpCreateIdentity)
	require.False(t, denied.Allowed)
	assert.Equal(t, int64(0), denied.Limit)
	assert.Greater(t, denied.RetryAfter, time.Duration(0))
	assert.Less(t, denied.RetryAfter, 2*time.Second)
}

func TestUnknownTenantFallsBackToDefaultQuotas(t *testing.T) {
	svc, _ := newTestRateLimiter(model.ResourceQuotas{MaxRequestsPerSecond: 7}, 0, 0)

	decision := svc.Check("never-registered", model.OpRegisterUser)
	require.True(t, decision.Allowed)
	assert.Equal(t, int64(7), decision.Limit)
}

func TestRemoveDropsLimiterState(t *testing.T) {
	svc, _ := newTestRateLimiter(model.ResourceQuotas{MaxRequestsPerSecond: 5}, 0, 0)

	svc.Check("tenant-1", model.OpCreateIdentity)
	svc.Check("tenant-1", model.OpGenerateProof)
	assert.Equal(t, 1, svc.ActiveTenants())
	assert.Equal(t, 2, svc.ActiveCounters())

	assert.Equal(t, 2, svc.Remove("tenant-1"))
	assert.Equal(t, 0, svc.ActiveTenants())
	assert.Equal(t, 0, svc.ActiveCounters())
	assert.Equal(t, 0, svc.Remove("tenant-1"))
}

func TestSeedOnlyAppliesToUnknownTenants(t *testing.T) {
	svc, _ := newTestRateLimiter(model.ResourceQuotas{MaxRequestsPerSecond: 5}, 0, 0)

	svc.Seed("tenant-1", model.ResourceQuotas{MaxRequestsPerSecond: 9})
	assert.Equal(t, int64(9), svc.Check("tenant-1", model.OpCreateIdentity).Limit)

	// A second seed is ignored, an explicit register is not
	svc.Seed("tenant-1", model.ResourceQuotas{MaxRequestsPerSecond: 2})
	assert.Equal(t, int64(9), svc.Check("tenant-1", model.OpCreateIdentity).Limit)

	svc.Register("tenant-1", model.ResourceQuotas{MaxRequestsPerSecond: 2})
	assert.Equal(t, int64(2), svc.Check("tenant-1", model.OpCreateIdentity).Limit)
}

func TestConcurrentSeedAndCheckAcrossTenants(t *testing.T) {
	svc, _ := newTestRateLimiter(model.ResourceQuotas{MaxRequestsPerSecond: 100}, 0, 0)
	quotas := model.ResourceQuotas{MaxRequestsPerSecond: 7}

	// Every check re-seeds; concurrent tenants must not serialize
	// into a single winner or clobber each other's state
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		tenantID := "tenant-" + string(rune('a'+g))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				svc.Seed(tenantID, quotas)
				svc.Check(tenantID, model.OpCreateIdentity)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, svc.ActiveTenants())
	for g := 0; g < 8; g++ {
		tenantID := "tenant-" + string(rune('a'+g))
		decision := svc.Check(tenantID, model.OpCreateIdentity)
		assert.Equal(t, int64(7), decision.Limit, tenantID)
	}
}

func TestConcurrentChecksNeverOverAllow(t *testing.T) {
	svc, _ := newTestRateLimiter(model.ResourceQuotas{MaxRequestsPerSecond: 50}, 0, 0)

	var allowed int64
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if svc.Check("tenant-1", model.OpCreateIdentity).Allowed {
					atomic.AddInt64(&allowed, 1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), atomic.LoadInt64(&allowed))
}
