package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veridex/controlplane/internal/algorithm"
	"github.com/veridex/controlplane/internal/fleet"
	"github.com/veridex/controlplane/internal/metrics"
	"github.com/veridex/controlplane/internal/model"
	"github.com/veridex/controlplane/internal/service"
	"github.com/veridex/controlplane/internal/store"
)

var testQuotas = model.ResourceQuotas{
	MaxIdentities:                1000,
	MaxCredentialsPerIdentity:    100,
	MaxProofGenerationsPerPeriod: 10000,
	MaxRequestsPerSecond:         100,
	MaxStorageGB:                 10,
	MaxActiveUsers:               1000,
	MaxConnectedApplications:     10,
}

var errStoreDown = errors.New("store down")

type unreachableLedger struct {
	*store.MemoryStore
}

func (u unreachableLedger) Ping(ctx context.Context) error {
	return errStoreDown
}

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

func newTestChecker(t *testing.T, ledger store.LedgerStore) *Checker {
	t.Helper()
	clk := clock.NewMock()

	l1 := store.NewMemoryTier(store.MemoryTierConfig{Name: "l1", Policy: store.PolicyLRU}, clk, zap.NewNop())
	l2 := store.NewMemoryTier(store.MemoryTierConfig{Name: "l2", Policy: store.PolicyLRU}, clk, zap.NewNop())
	cache := service.NewCacheService(l1, l2, service.CacheServiceConfig{
		L1TTL:        5 * time.Minute,
		L2TTL:        time.Hour,
		WriteThrough: true,
	}, clk, newTestMetrics(), zap.NewNop())

	shards := algorithm.NewShardMapper(16, 3)
	registry := service.NewRegistryService(ledger, cache, shards, testQuotas, 0, clk, newTestMetrics(), zap.NewNop())
	limiter := service.NewRateLimitService(60*time.Second, testQuotas, 0, 0, clk, newTestMetrics(), zap.NewNop())

	// One instance to match the single-node fleet view, so the fleet
	// probe reports healthy
	policy := model.ScalingPolicy{MinInstances: 1, MaxInstances: 10, TargetCPUPercent: 70, TargetMemoryPercent: 80}
	prov := service.NewTimedProvisioner(0, 0, clk)
	autoscaler := service.NewAutoscalerService(policy, 1, prov, nil, 30*time.Second, clk, newTestMetrics(), zap.NewNop())

	local := fleet.NewLocalInstance("node-1", "10.0.0.1:7946", clk)
	view := fleet.NewStaticView(local)
	balancer := fleet.NewBalancer(view, fleet.StrategyRoundRobin, 30*time.Second, clk)

	healthSvc := service.NewHealthService(ledger, cache, limiter, autoscaler, view, service.HealthServiceConfig{}, clk, newTestMetrics(), zap.NewNop())
	coordinator := service.NewCoordinatorService(registry, limiter, cache, autoscaler, healthSvc, balancer, clk, zap.NewNop())

	return NewChecker(coordinator, zap.NewNop())
}

func TestLivenessHandler(t *testing.T) {
	checker := newTestChecker(t, store.NewMemoryStore())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	checker.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status ProbeStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "alive", status.Status)
}

func TestReadinessHandlerReady(t *testing.T) {
	checker := newTestChecker(t, store.NewMemoryStore())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	checker.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var status ProbeStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "ready", status.Status)
	assert.Len(t, status.Checks, 5)
	assert.Equal(t, "healthy", status.Checks[service.ComponentLedgerStore])
	assert.Equal(t, "healthy", status.Checks[service.ComponentFleet])
}

func TestReadinessHandlerDegraded(t *testing.T) {
	checker := newTestChecker(t, unreachableLedger{store.NewMemoryStore()})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	checker.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status ProbeStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "not_ready", status.Status)
	assert.Contains(t, status.Checks[service.ComponentLedgerStore], "unhealthy")
	assert.Equal(t, "healthy", status.Checks[service.ComponentCache])
}

func TestStatusHandler(t *testing.T) {
	checker := newTestChecker(t, store.NewMemoryStore())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	checker.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var status StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, model.OverallHealthy, status.Health.Status)
	assert.Len(t, status.Health.Components, 5)
	assert.Equal(t, 1, status.Scaling.CurrentInstances)
	assert.Equal(t, int64(0), status.Cache.L1.Hits)
}

func TestScalingStatusHandler(t *testing.T) {
	checker := newTestChecker(t, store.NewMemoryStore())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status/scaling", nil)
	checker.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var status model.ScalingStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, model.ScalingStateStable, status.State)
	assert.Equal(t, 1, status.CurrentInstances)
}

func TestCacheStatsHandler(t *testing.T) {
	checker := newTestChecker(t, store.NewMemoryStore())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status/cache", nil)
	checker.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var stats model.CacheStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, int64(0), stats.L1.Entries)
	assert.Equal(t, int64(0), stats.L2.Entries)
}

func TestHandlerUnknownPath(t *testing.T) {
	checker := newTestChecker(t, store.NewMemoryStore())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	checker.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewServer(t *testing.T) {
	checker := newTestChecker(t, store.NewMemoryStore())

	srv := NewServer(checker, "127.0.0.1", 8090)
	assert.Equal(t, "127.0.0.1:8090", srv.Addr)
	assert.Equal(t, 10*time.Second, srv.ReadTimeout)
	assert.Equal(t, 10*time.Second, srv.WriteTimeout)
}
