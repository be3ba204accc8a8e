package service

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/veridex/controlplane/internal/metrics"
	"github.com/veridex/controlplane/internal/model"
	"github.com/veridex/controlplane/internal/store"
)

// weightAdjuster is implemented by tiers whose eviction scoring can be
// retuned from observed traffic
type weightAdjuster interface {
	AdjustWeights()
}

// CacheServiceConfig carries the tunables for the two-tier cache
type CacheServiceConfig struct {
	L1TTL         time.Duration
	L2TTL         time.Duration
	WriteThrough  bool
	SweepInterval time.Duration
}

// CacheService coordinates the L1 and L2 cache tiers: reads fall
// through L1 to L2 and promote hits back into L1, writes go through
// both tiers or around L2 depending on the configured strategy. Tier
// failures are absorbed and surface as misses, never as errors to the
// caller.
type CacheService struct {
	l1  store.CacheTier
	l2  store.CacheTier
	cfg CacheServiceConfig

	clk     clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewCacheService creates the two-tier cache coordinator
func NewCacheService(l1, l2 store.CacheTier, cfg CacheServiceConfig, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *CacheService {
	return &CacheService{
		l1:      l1,
		l2:      l2,
		cfg:     cfg,
		clk:     clk,
		metrics: m,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Get looks the key up starting at the given tier. A read starting at
// L1 falls through to L2 on a miss, and an L2 hit is promoted back
// into L1 so subsequent reads stay local.
func (s *CacheService) Get(ctx context.Context, key string, tier model.CacheTierID) ([]byte, bool) {
	if tier == model.TierL1 {
		value, err := s.l1.Get(ctx, key)
		if err == nil {
			s.metrics.RecordCacheHit(string(model.TierL1))
			return value, true
		}
		if err != store.ErrNotFound {
			s.logger.Warn("L1 cache read failed", zap.String("key", key), zap.Error(err))
		}
		s.metrics.RecordCacheMiss(string(model.TierL1))
	}

	value, err := s.l2.Get(ctx, key)
	if err == nil {
		s.metrics.RecordCacheHit(string(model.TierL2))
		if tier == model.TierL1 {
			s.promote(ctx, key, value)
		}
		return value, true
	}
	if err != store.ErrNotFound {
		s.logger.Warn("L2 cache read failed", zap.String("key", key), zap.Error(err))
	}
	s.metrics.RecordCacheMiss(string(model.TierL2))
	return nil, false
}

// Set stores the value at the given tier. A zero TTL uses the tier's
// configured default. With write-through enabled, an L1 write also
// lands in L2 at the L2 TTL; otherwise L2 is only populated by its own
// writes and by read promotion in reverse.
func (s *CacheService) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tier model.CacheTierID) {
	switch tier {
	case model.TierL2:
		if ttl <= 0 {
			ttl = s.cfg.L2TTL
		}
		if err := s.l2.Set(ctx, key, value, ttl); err != nil {
			s.logger.Warn("L2 cache write failed", zap.String("key", key), zap.Error(err))
		}
	default:
		l1TTL := ttl
		if l1TTL <= 0 {
			l1TTL = s.cfg.L1TTL
		}
		if err := s.l1.Set(ctx, key, value, l1TTL); err != nil {
			s.logger.Warn("L1 cache write failed", zap.String("key", key), zap.Error(err))
		}
		if s.cfg.WriteThrough {
			if err := s.l2.Set(ctx, key, value, s.cfg.L2TTL); err != nil {
				s.logger.Warn("L2 write-through failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
}

// Delete removes the key from both tiers
func (s *CacheService) Delete(ctx context.Context, key string) {
	if err := s.l1.Delete(ctx, key); err != nil && err != store.ErrNotFound {
		s.logger.Warn("L1 cache delete failed", zap.String("key", key), zap.Error(err))
	}
	if err := s.l2.Delete(ctx, key); err != nil && err != store.ErrNotFound {
		s.logger.Warn("L2 cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate removes every key matching the glob pattern from both
// tiers and returns the number of entries dropped
func (s *CacheService) Invalidate(ctx context.Context, pattern string) int {
	removed := 0
	if n, err := s.l1.DeleteMatching(ctx, pattern); err != nil {
		s.logger.Warn("L1 cache invalidation failed", zap.String("pattern", pattern), zap.Error(err))
	} else {
		removed += n
	}
	if n, err := s.l2.DeleteMatching(ctx, pattern); err != nil {
		s.logger.Warn("L2 cache invalidation failed", zap.String("pattern", pattern), zap.Error(err))
	} else {
		removed += n
	}
	if removed > 0 {
		s.logger.Info("Cache invalidated",
			zap.String("pattern", pattern),
			zap.Int("entries_removed", removed))
	}
	return removed
}

// Stats returns a combined snapshot of both tiers
func (s *CacheService) Stats() model.CacheStats {
	l1 := s.l1.Stats()
	l2 := s.l2.Stats()

	stats := model.CacheStats{L1: l1, L2: l2}
	hits := l1.Hits + l2.Hits
	lookups := hits + l2.Misses
	if lookups > 0 {
		stats.HitRate = float64(hits) / float64(lookups)
	}
	return stats
}

// Sweep purges expired entries from both tiers and retunes adaptive
// eviction weights. Returns the number of entries purged.
func (s *CacheService) Sweep(ctx context.Context) int {
	purged := 0
	if n, err := s.l1.PurgeExpired(ctx); err != nil {
		s.logger.Warn("L1 cache sweep failed", zap.Error(err))
	} else {
		purged += n
	}
	if n, err := s.l2.PurgeExpired(ctx); err != nil {
		s.logger.Warn("L2 cache sweep failed", zap.Error(err))
	} else {
		purged += n
	}

	if adj, ok := s.l1.(weightAdjuster); ok {
		adj.AdjustWeights()
	}
	if adj, ok := s.l2.(weightAdjuster); ok {
		adj.AdjustWeights()
	}

	if purged > 0 {
		s.logger.Debug("Cache sweep completed", zap.Int("entries_purged", purged))
	}
	return purged
}

// Ping verifies both tiers are reachable
func (s *CacheService) Ping(ctx context.Context) error {
	if err := s.l1.Ping(ctx); err != nil {
		return err
	}
	return s.l2.Ping(ctx)
}

// Start launches the background sweeper
func (s *CacheService) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.sweepLoop()
	})
}

// Stop halts the sweeper and waits for it to exit
func (s *CacheService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *CacheService) sweepLoop() {
	defer s.wg.Done()

	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := s.clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

func (s *CacheService) promote(ctx context.Context, key string, value []byte) {
	if err := s.l1.Set(ctx, key, value, s.cfg.L1TTL); err != nil {
		s.logger.Warn("L1 promotion failed", zap.String("key", key), zap.Error(err))
	}
}
