package service

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/veridex/controlplane/internal/metrics"
	"github.com/veridex/controlplane/internal/model"
)

// RateLimitService enforces per-tenant, per-operation token buckets
// with a fixed refill window, plus an optional node-wide limiter that
// protects the node as a whole. Buckets are created lazily from the
// tenant's quotas on first check.
type RateLimitService struct {
	mu      sync.RWMutex
	tenants map[string]*tenantLimiter

	window        time.Duration
	defaultQuotas model.ResourceQuotas
	global        *rate.Limiter

	clk     clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// tenantLimiter holds the buckets for one tenant, one per operation
type tenantLimiter struct {
	mu      sync.RWMutex
	quotas  model.ResourceQuotas
	buckets map[string]*bucket
}

// bucket is a fixed-window token bucket. Tokens refill to the limit
// when the window rolls over; they never exceed the limit and never go
// below zero.
type bucket struct {
	mu      sync.Mutex
	limit   int64
	tokens  int64
	resetAt time.Time
}

// NewRateLimitService creates a rate limiter. globalRPS of zero
// disables the node-wide limiter.
func NewRateLimitService(
	window time.Duration,
	defaultQuotas model.ResourceQuotas,
	globalRPS, globalBurst int,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *RateLimitService {
	s := &RateLimitService{
		tenants:       make(map[string]*tenantLimiter),
		window:        window,
		defaultQuotas: defaultQuotas,
		clk:           clk,
		metrics:       m,
		logger:        logger,
	}
	if globalRPS > 0 {
		if globalBurst < 1 {
			globalBurst = 1
		}
		s.global = rate.NewLimiter(rate.Limit(globalRPS), globalBurst)
	}
	return s
}

// Register installs or replaces the quotas the tenant's buckets are
// sized from. Existing buckets are re-capped without granting tokens
// beyond the new bound.
func (s *RateLimitService) Register(tenantID string, quotas model.ResourceQuotas) {
	s.mu.Lock()
	tl, exists := s.tenants[tenantID]
	if !exists {
		s.tenants[tenantID] = &tenantLimiter{
			quotas:  quotas,
			buckets: make(map[string]*bucket),
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.quotas = quotas
	for operation, b := range tl.buckets {
		newLimit := capacityFor(operation, quotas)
		b.mu.Lock()
		b.limit = newLimit
		if b.tokens > newLimit {
			b.tokens = newLimit
		}
		b.mu.Unlock()
	}
}

// UpdateQuotas is Register under its propagation name
func (s *RateLimitService) UpdateQuotas(tenantID string, quotas model.ResourceQuotas) {
	s.Register(tenantID, quotas)
}

// Seed installs quotas for a tenant only if it has no limiter state
// yet, leaving live buckets untouched. Called on every check, so the
// already-seeded path holds only the read lock.
func (s *RateLimitService) Seed(tenantID string, quotas model.ResourceQuotas) {
	s.mu.RLock()
	_, exists := s.tenants[tenantID]
	s.mu.RUnlock()
	if exists {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists = s.tenants[tenantID]; !exists {
		s.tenants[tenantID] = &tenantLimiter{
			quotas:  quotas,
			buckets: make(map[string]*bucket),
		}
	}
}

// Check consumes one token for the operation and returns the decision.
// A deny carries the remaining window as the retry hint.
func (s *RateLimitService) Check(tenantID, operation string) model.RateLimitDecision {
	// Node-wide backstop first; a global deny does not touch the
	// tenant's bucket
	if s.global != nil {
		reservation := s.global.Reserve()
		if delay := reservation.Delay(); delay > 0 {
			reservation.Cancel()
			s.metrics.RecordRateLimit(operation, false)
			s.logger.Warn("Global rate limit exceeded",
				zap.String("tenant_id", tenantID),
				zap.String("operation", operation),
				zap.Duration("retry_after", delay))
			return model.RateLimitDecision{
				Allowed:    false,
				RetryAfter: delay,
				ResetAt:    s.clk.Now().Add(delay),
			}
		}
	}

	tl := s.tenantState(tenantID)
	b := tl.bucket(operation)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := s.clk.Now()
	if now.After(b.resetAt) {
		b.tokens = b.limit
		b.resetAt = now.Add(s.window)
	}

	decision := model.RateLimitDecision{
		Limit:   b.limit,
		ResetAt: b.resetAt,
	}
	if b.tokens > 0 {
		b.tokens--
		decision.Allowed = true
		decision.Remaining = b.tokens
	} else {
		decision.RetryAfter = b.resetAt.Sub(now)
	}

	s.metrics.RecordRateLimit(operation, decision.Allowed)
	if !decision.Allowed {
		s.logger.Debug("Rate limit exceeded",
			zap.String("tenant_id", tenantID),
			zap.String("operation", operation),
			zap.Duration("retry_after", decision.RetryAfter))
	}
	return decision
}

// Remove drops all limiter state for a tenant, returning the number
// of counters released
func (s *RateLimitService) Remove(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	tl, exists := s.tenants[tenantID]
	if !exists {
		return 0
	}
	delete(s.tenants, tenantID)

	tl.mu.RLock()
	defer tl.mu.RUnlock()
	return len(tl.buckets)
}

// ActiveTenants returns the number of tenants with limiter state
func (s *RateLimitService) ActiveTenants() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants)
}

// ActiveCounters returns the total number of live buckets
func (s *RateLimitService) ActiveCounters() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, tl := range s.tenants {
		tl.mu.RLock()
		total += len(tl.buckets)
		tl.mu.RUnlock()
	}
	return total
}

func (s *RateLimitService) tenantState(tenantID string) *tenantLimiter {
	s.mu.RLock()
	tl, exists := s.tenants[tenantID]
	s.mu.RUnlock()
	if exists {
		return tl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tl, exists = s.tenants[tenantID]; exists {
		return tl
	}
	tl = &tenantLimiter{
		quotas:  s.defaultQuotas,
		buckets: make(map[string]*bucket),
	}
	s.tenants[tenantID] = tl
	return tl
}

func (tl *tenantLimiter) bucket(operation string) *bucket {
	tl.mu.RLock()
	b, exists := tl.buckets[operation]
	tl.mu.RUnlock()
	if exists {
		return b
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()
	if b, exists = tl.buckets[operation]; exists {
		return b
	}
	limit := capacityFor(operation, tl.quotas)
	b = &bucket{
		limit:  limit,
		tokens: limit,
	}
	tl.buckets[operation] = b
	return b
}

// capacityFor maps an operation to the quota its bucket is sized from
func capacityFor(operation string, quotas model.ResourceQuotas) int64 {
	switch operation {
	case model.OpGenerateProof:
		return quotas.MaxProofGenerationsPerPeriod
	default:
		return quotas.MaxRequestsPerSecond
	}
}
