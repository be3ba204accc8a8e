package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/veridex/controlplane/internal/fleet"
	"github.com/veridex/controlplane/internal/metrics"
	"github.com/veridex/controlplane/internal/model"
	"github.com/veridex/controlplane/internal/store"
)

// Component names reported by health checks
const (
	ComponentLedgerStore = "ledger_store"
	ComponentCache       = "cache"
	ComponentRateLimiter = "rate_limiter"
	ComponentAutoscaler  = "autoscaler"
	ComponentFleet       = "fleet"
)

// Store probe latency bands
const (
	storeHealthyLatency = 100 * time.Millisecond
	storeSlowLatency    = time.Second
)

// HealthServiceConfig tunes probing and the in-memory metric series
type HealthServiceConfig struct {
	ProbeTimeout    time.Duration
	SeriesRetention time.Duration
	MaxSeriesPoints int
}

// HealthService probes the control-plane components in parallel and
// keeps a small in-memory series of recorded measurements for ad-hoc
// queries. Prometheus handles long-term storage; this buffer serves
// the ops endpoints.
type HealthService struct {
	ledger     store.LedgerStore
	cache      *CacheService
	limiter    *RateLimitService
	autoscaler *AutoscalerService
	view       fleet.View

	probeTimeout time.Duration

	seriesMu  sync.RWMutex
	series    map[string][]model.Metric
	retention time.Duration
	maxPoints int

	clk     clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewHealthService creates the health and metrics collector. view may
// be nil when the node runs without fleet membership.
func NewHealthService(
	ledger store.LedgerStore,
	cache *CacheService,
	limiter *RateLimitService,
	autoscaler *AutoscalerService,
	view fleet.View,
	cfg HealthServiceConfig,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *HealthService {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.SeriesRetention <= 0 {
		cfg.SeriesRetention = time.Hour
	}
	if cfg.MaxSeriesPoints <= 0 {
		cfg.MaxSeriesPoints = 1000
	}
	return &HealthService{
		ledger:       ledger,
		cache:        cache,
		limiter:      limiter,
		autoscaler:   autoscaler,
		view:         view,
		probeTimeout: cfg.ProbeTimeout,
		series:       make(map[string][]model.Metric),
		retention:    cfg.SeriesRetention,
		maxPoints:    cfg.MaxSeriesPoints,
		clk:          clk,
		metrics:      m,
		logger:       logger,
	}
}

// Check probes every component in parallel and aggregates the results.
// A scaling autoscaler is transitional and does not degrade the node.
func (s *HealthService) Check(ctx context.Context) model.HealthReport {
	probes := []func(context.Context) model.ComponentHealth{
		s.probeStore,
		s.probeCache,
		s.probeLimiter,
		s.probeAutoscaler,
	}
	if s.view != nil {
		probes = append(probes, s.probeFleet)
	}

	results := make([]model.ComponentHealth, len(probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, probe := range probes {
		i, probe := i, probe
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, s.probeTimeout)
			defer cancel()
			results[i] = probe(pctx)
			return nil
		})
	}
	g.Wait()

	report := model.HealthReport{
		Status:     model.OverallHealthy,
		Components: results,
		CheckedAt:  s.clk.Now(),
	}
	for _, component := range results {
		s.metrics.RecordHealthCheck(component.Component, string(component.State))
		if component.State.Degrades() {
			report.Status = model.OverallDegraded
			report.Issues = append(report.Issues, fmt.Sprintf("%s: %s", component.Component, component.Detail))
		}
	}

	if report.Status == model.OverallDegraded {
		s.logger.Warn("Node health degraded", zap.Strings("issues", report.Issues))
	}
	return report
}

// RecordMetric appends a measurement to the in-memory series and
// mirrors it to the Prometheus gauge. A zero timestamp is stamped with
// the current time.
func (s *HealthService) RecordMetric(metric model.Metric) error {
	if metric.Name == "" {
		return fmt.Errorf("metric name is required")
	}
	if metric.Timestamp.IsZero() {
		metric.Timestamp = s.clk.Now()
	}

	s.seriesMu.Lock()
	defer s.seriesMu.Unlock()

	points := append(s.series[metric.Name], metric)
	if len(points) > s.maxPoints {
		points = points[len(points)-s.maxPoints:]
	}
	s.series[metric.Name] = points

	s.metrics.SetRecordedMetric(metric.Name, metric.TenantID, metric.Value)
	return nil
}

// QueryMetrics returns recorded points matching the query in
// chronological order. When more points match than the limit, the most
// recent ones win. An empty name matches every series.
func (s *HealthService) QueryMetrics(query model.MetricQuery) []model.Metric {
	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}

	s.seriesMu.RLock()
	var matched []model.Metric
	if query.Name != "" {
		matched = s.filterSeries(s.series[query.Name], query)
	} else {
		for _, points := range s.series {
			matched = append(matched, s.filterSeries(points, query)...)
		}
	}
	s.seriesMu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// PruneSeries drops points older than the retention window and returns
// how many were removed
func (s *HealthService) PruneSeries() int {
	cutoff := s.clk.Now().Add(-s.retention)

	s.seriesMu.Lock()
	defer s.seriesMu.Unlock()

	pruned := 0
	for name, points := range s.series {
		kept := points[:0]
		for _, point := range points {
			if point.Timestamp.After(cutoff) {
				kept = append(kept, point)
			} else {
				pruned++
			}
		}
		if len(kept) == 0 {
			delete(s.series, name)
		} else {
			s.series[name] = kept
		}
	}
	return pruned
}

func (s *HealthService) probeStore(ctx context.Context) model.ComponentHealth {
	start := s.clk.Now()
	err := s.ledger.Ping(ctx)
	latency := s.clk.Now().Sub(start)
	s.metrics.ObserveStoreLatency("ping", latency.Seconds())

	health := model.ComponentHealth{
		Component: ComponentLedgerStore,
		Latency:   latency,
		CheckedAt: s.clk.Now(),
	}
	switch {
	case err != nil:
		health.State = model.ComponentUnhealthy
		health.Detail = err.Error()
	case latency < storeHealthyLatency:
		health.State = model.ComponentHealthy
		health.Detail = fmt.Sprintf("responding in %s", latency)
	case latency < storeSlowLatency:
		health.State = model.ComponentSlow
		health.Detail = fmt.Sprintf("slow response: %s", latency)
	default:
		health.State = model.ComponentUnhealthy
		health.Detail = fmt.Sprintf("response took %s", latency)
	}
	return health
}

func (s *HealthService) probeCache(ctx context.Context) model.ComponentHealth {
	health := model.ComponentHealth{
		Component: ComponentCache,
		CheckedAt: s.clk.Now(),
	}
	if err := s.cache.Ping(ctx); err != nil {
		health.State = model.ComponentUnhealthy
		health.Detail = err.Error()
		return health
	}
	health.State = model.ComponentHealthy
	health.Detail = fmt.Sprintf("hit rate %.2f", s.cache.Stats().HitRate)
	return health
}

func (s *HealthService) probeLimiter(ctx context.Context) model.ComponentHealth {
	return model.ComponentHealth{
		Component: ComponentRateLimiter,
		State:     model.ComponentHealthy,
		Detail:    fmt.Sprintf("%d tenants, %d counters", s.limiter.ActiveTenants(), s.limiter.ActiveCounters()),
		CheckedAt: s.clk.Now(),
	}
}

func (s *HealthService) probeAutoscaler(ctx context.Context) model.ComponentHealth {
	status := s.autoscaler.Status()
	health := model.ComponentHealth{
		Component: ComponentAutoscaler,
		CheckedAt: s.clk.Now(),
	}
	if status.State == model.ScalingStateScaling && status.InFlight != nil {
		health.State = model.ComponentScaling
		health.Detail = fmt.Sprintf("scaling from %d to %d", status.InFlight.PreviousCount, status.InFlight.NewCount)
		return health
	}
	health.State = model.ComponentHealthy
	health.Detail = fmt.Sprintf("%d instances", status.CurrentInstances)
	return health
}

func (s *HealthService) probeFleet(ctx context.Context) model.ComponentHealth {
	live := len(s.view.Instances())
	expected := s.autoscaler.CurrentInstances()

	health := model.ComponentHealth{
		Component: ComponentFleet,
		Detail:    fmt.Sprintf("%d/%d instances visible", live, expected),
		CheckedAt: s.clk.Now(),
	}
	switch {
	case live == 0:
		health.State = model.ComponentUnhealthy
	case live < expected:
		health.State = model.ComponentSlow
	default:
		health.State = model.ComponentHealthy
	}
	return health
}

func (s *HealthService) filterSeries(points []model.Metric, query model.MetricQuery) []model.Metric {
	var matched []model.Metric
	for _, point := range points {
		if query.TenantID != "" && point.TenantID != query.TenantID {
			continue
		}
		if !query.From.IsZero() && point.Timestamp.Before(query.From) {
			continue
		}
		if !query.To.IsZero() && point.Timestamp.After(query.To) {
			continue
		}
		matched = append(matched, point)
	}
	return matched
}
