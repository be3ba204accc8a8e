package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/veridex/controlplane/internal/model"
)

// RedisTier implements CacheTier backed by Redis. Used as the L2 tier
// when cache.l2.backend is "redis"; expiry and eviction happen
// server-side, so PurgeExpired is a no-op and eviction counters stay
// zero.
type RedisTier struct {
	client *redis.Client
	logger *zap.Logger

	hits   int64
	misses int64
	sets   int64
	faults int64
}

// NewRedisTier creates a Redis-backed cache tier
func NewRedisTier(host string, port int, password string, db int, logger *zap.Logger) (*RedisTier, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisTier{
		client: client,
		logger: logger,
	}, nil
}

// Get retrieves a value by key
func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := t.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		atomic.AddInt64(&t.misses, 1)
		return nil, ErrNotFound
	}
	if err != nil {
		atomic.AddInt64(&t.faults, 1)
		return nil, err
	}

	atomic.AddInt64(&t.hits, 1)
	return data, nil
}

// Set stores a value with TTL
func (t *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.client.Set(ctx, key, value, ttl).Err(); err != nil {
		atomic.AddInt64(&t.faults, 1)
		return err
	}
	atomic.AddInt64(&t.sets, 1)
	return nil
}

// Delete removes a key
func (t *RedisTier) Delete(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, key).Err(); err != nil {
		atomic.AddInt64(&t.faults, 1)
		return err
	}
	return nil
}

// DeleteMatching removes keys matching the glob pattern using SCAN
func (t *RedisTier) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	removed := 0
	iter := t.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := t.client.Del(ctx, iter.Val()).Err(); err != nil {
			atomic.AddInt64(&t.faults, 1)
			return removed, err
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		atomic.AddInt64(&t.faults, 1)
		return removed, err
	}
	return removed, nil
}

// PurgeExpired is a no-op; Redis expires entries server-side
func (t *RedisTier) PurgeExpired(ctx context.Context) (int, error) {
	return 0, nil
}

// Stats returns client-side counters. Entry counts and sizes live on
// the server and are not polled here.
func (t *RedisTier) Stats() model.TierStats {
	stats := model.TierStats{
		Hits:   atomic.LoadInt64(&t.hits),
		Misses: atomic.LoadInt64(&t.misses),
		Sets:   atomic.LoadInt64(&t.sets),
		Faults: atomic.LoadInt64(&t.faults),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Ping checks the Redis connection
func (t *RedisTier) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (t *RedisTier) Close() error {
	return t.client.Close()
}
