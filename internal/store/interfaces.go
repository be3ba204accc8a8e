package store

import (
	"context"
	"errors"
	"time"

	"github.com/veridex/controlplane/internal/model"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// ErrEntryTooLarge is returned by a bounded cache tier when a single
// entry would not fit even with everything else evicted
var ErrEntryTooLarge = errors.New("cache entry exceeds tier capacity")

// KV is a single key-value pair returned by prefix scans
type KV struct {
	Key   string
	Value []byte
}

// LedgerStore is the durable key-value storage underneath the control
// plane. When embedded in the identity ledger the node supplies its own
// transactional store; the implementations here back the standalone
// daemon and tests. Writes must be atomic per key.
type LedgerStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	// List returns all pairs under prefix ordered by key
	List(ctx context.Context, prefix string) ([]KV, error)

	// Health check
	Ping(ctx context.Context) error
	Close()
}

// CacheTier is one level of the two-tier cache. Entries carry their own
// TTL; an expired entry is indistinguishable from a missing one.
type CacheTier interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeleteMatching removes entries whose key matches the glob pattern
	// and returns how many were removed
	DeleteMatching(ctx context.Context, pattern string) (int, error)
	// PurgeExpired removes entries past their TTL and returns the count.
	// Backends with server-side expiry return 0.
	PurgeExpired(ctx context.Context) (int, error)

	Stats() model.TierStats
	Ping(ctx context.Context) error
	Close() error
}
