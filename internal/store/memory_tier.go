package store

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/veridex/controlplane/internal/model"
)

// Eviction policies supported by the in-memory tier
const (
	PolicyLRU      = "lru"
	PolicyLFU      = "lfu"
	PolicyAdaptive = "adaptive"
)

// Per-entry bookkeeping overhead added to the byte accounting
const entryOverhead = 64

// MemoryTier implements CacheTier with per-entry TTL and score-based
// eviction. The score blends recency and frequency; the policy fixes
// the weights, except "adaptive" which re-tunes them from the observed
// access pattern.
type MemoryTier struct {
	name    string
	entries map[string]*tierEntry
	mu      sync.RWMutex

	maxBytes int64
	curBytes int64

	policy          string
	frequencyWeight float64
	recencyWeight   float64
	adaptiveWindow  time.Duration

	clk    clock.Clock
	logger *zap.Logger

	hits      int64
	misses    int64
	sets      int64
	evictions int64
	expired   int64
}

type tierEntry struct {
	key         string
	value       []byte
	expiresAt   time.Time
	accessCount int64
	lastAccess  time.Time
	score       float64
}

// MemoryTierConfig holds tier tunables
type MemoryTierConfig struct {
	Name           string
	MaxBytes       int64
	Policy         string
	AdaptiveWindow time.Duration
}

// NewMemoryTier creates an in-memory cache tier
func NewMemoryTier(cfg MemoryTierConfig, clk clock.Clock, logger *zap.Logger) *MemoryTier {
	t := &MemoryTier{
		name:           cfg.Name,
		entries:        make(map[string]*tierEntry),
		maxBytes:       cfg.MaxBytes,
		policy:         cfg.Policy,
		adaptiveWindow: cfg.AdaptiveWindow,
		clk:            clk,
		logger:         logger,
	}
	if t.adaptiveWindow <= 0 {
		t.adaptiveWindow = 5 * time.Minute
	}

	switch cfg.Policy {
	case PolicyLFU:
		t.frequencyWeight, t.recencyWeight = 1.0, 0.0
	case PolicyAdaptive:
		t.frequencyWeight, t.recencyWeight = 0.5, 0.5
	default:
		// LRU: score is pure recency
		t.frequencyWeight, t.recencyWeight = 0.0, 1.0
	}
	return t
}

// Get retrieves a value, treating expired entries as misses
func (t *MemoryTier) Get(ctx context.Context, key string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, found := t.entries[key]
	if !found {
		t.misses++
		return nil, ErrNotFound
	}

	now := t.clk.Now()
	if now.After(entry.expiresAt) {
		t.removeLocked(entry)
		t.expired++
		t.misses++
		return nil, ErrNotFound
	}

	entry.accessCount++
	entry.lastAccess = now
	entry.score = t.scoreLocked(entry, now)
	t.hits++

	return append([]byte(nil), entry.value...), nil
}

// Set stores a value with its own TTL, evicting lowest-score entries
// until the byte budget holds
func (t *MemoryTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	entrySize := entrySizeOf(key, value)

	// An entry bigger than the whole budget would evict everything and
	// still leave the tier over its ceiling
	if t.maxBytes > 0 && entrySize > t.maxBytes {
		t.logger.Warn("Rejected oversized cache entry",
			zap.String("tier", t.name),
			zap.String("key", key),
			zap.Int64("entry_bytes", entrySize),
			zap.Int64("max_bytes", t.maxBytes))
		return ErrEntryTooLarge
	}

	if existing, found := t.entries[key]; found {
		t.curBytes -= entrySizeOf(existing.key, existing.value)
		existing.value = append([]byte(nil), value...)
		existing.expiresAt = now.Add(ttl)
		existing.accessCount++
		existing.lastAccess = now
		existing.score = t.scoreLocked(existing, now)
		t.curBytes += entrySize
		t.sets++
		return nil
	}

	for t.maxBytes > 0 && t.curBytes+entrySize > t.maxBytes && len(t.entries) > 0 {
		t.evictLowestScoreLocked(now)
	}

	entry := &tierEntry{
		key:         key,
		value:       append([]byte(nil), value...),
		expiresAt:   now.Add(ttl),
		accessCount: 1,
		lastAccess:  now,
	}
	entry.score = t.scoreLocked(entry, now)

	t.entries[key] = entry
	t.curBytes += entrySize
	t.sets++
	return nil
}

// Delete removes a key
func (t *MemoryTier) Delete(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, found := t.entries[key]; found {
		t.removeLocked(entry)
	}
	return nil
}

// DeleteMatching removes entries whose key matches the glob pattern
func (t *MemoryTier) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, entry := range t.entries {
		matched, err := path.Match(pattern, key)
		if err != nil {
			return removed, err
		}
		if matched {
			t.removeLocked(entry)
			removed++
		}
	}
	return removed, nil
}

// PurgeExpired removes all entries past their TTL
func (t *MemoryTier) PurgeExpired(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	purged := 0
	for _, entry := range t.entries {
		if now.After(entry.expiresAt) {
			t.removeLocked(entry)
			t.expired++
			purged++
		}
	}
	return purged, nil
}

// Stats returns a snapshot of tier counters
func (t *MemoryTier) Stats() model.TierStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := model.TierStats{
		Hits:      t.hits,
		Misses:    t.misses,
		Sets:      t.sets,
		Evictions: t.evictions,
		Expired:   t.expired,
		Entries:   int64(len(t.entries)),
		SizeBytes: t.curBytes,
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Ping always succeeds for the in-memory tier
func (t *MemoryTier) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (t *MemoryTier) Close() error {
	return nil
}

// AdjustWeights re-tunes the adaptive policy from the observed access
// pattern. No-op for fixed policies.
func (t *MemoryTier) AdjustWeights() {
	if t.policy != PolicyAdaptive {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) == 0 {
		return
	}

	recentThreshold := t.clk.Now().Add(-t.adaptiveWindow)
	recent := 0
	for _, entry := range t.entries {
		if entry.lastAccess.After(recentThreshold) {
			recent++
		}
	}

	hotness := float64(recent) / float64(len(t.entries))
	switch {
	case hotness > 0.7:
		// Recency-dominated workload
		t.recencyWeight, t.frequencyWeight = 0.7, 0.3
	case hotness < 0.3:
		// Frequency-dominated workload
		t.recencyWeight, t.frequencyWeight = 0.3, 0.7
	default:
		t.recencyWeight, t.frequencyWeight = 0.5, 0.5
	}

	t.logger.Debug("Adjusted cache tier weights",
		zap.String("tier", t.name),
		zap.Float64("recency_weight", t.recencyWeight),
		zap.Float64("frequency_weight", t.frequencyWeight),
		zap.Float64("hotness", hotness))
}

func (t *MemoryTier) scoreLocked(entry *tierEntry, now time.Time) float64 {
	frequencyScore := float64(entry.accessCount)
	recencyScore := now.Sub(entry.lastAccess).Seconds()
	return t.frequencyWeight*frequencyScore - t.recencyWeight*recencyScore
}

func (t *MemoryTier) evictLowestScoreLocked(now time.Time) {
	var lowestKey string
	lowestScore := 1e18

	for key, entry := range t.entries {
		// Refresh recency component before comparing
		score := t.scoreLocked(entry, now)
		if score < lowestScore {
			lowestScore = score
			lowestKey = key
		}
	}

	if lowestKey != "" {
		t.removeLocked(t.entries[lowestKey])
		t.evictions++
		t.logger.Debug("Evicted cache entry",
			zap.String("tier", t.name),
			zap.String("key", lowestKey),
			zap.Float64("score", lowestScore))
	}
}

func (t *MemoryTier) removeLocked(entry *tierEntry) {
	delete(t.entries, entry.key)
	t.curBytes -= entrySizeOf(entry.key, entry.value)
}

func entrySizeOf(key string, value []byte) int64 {
	return int64(len(key) + len(value) + entryOverhead)
}
