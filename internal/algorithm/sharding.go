package algorithm

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// ShardMapper deterministically assigns tenants to shards. The assignment
// is a pure function of the tenant identifier and the shard count, so any
// node computes the same placement without coordination. A tenant keeps
// its shard for its whole lifetime; changing totalShards on a live fleet
// requires a resharding migration, which is out of scope here.
type ShardMapper struct {
	totalShards       int
	replicationFactor int
}

// NewShardMapper creates a mapper over totalShards shards. A replication
// factor larger than the shard count is capped to it.
func NewShardMapper(totalShards, replicationFactor int) *ShardMapper {
	if totalShards < 1 {
		totalShards = 1
	}
	if replicationFactor < 1 {
		replicationFactor = 1
	}
	if replicationFactor > totalShards {
		replicationFactor = totalShards
	}
	return &ShardMapper{
		totalShards:       totalShards,
		replicationFactor: replicationFactor,
	}
}

func (m *ShardMapper) hash(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}

// ShardIndex returns the shard ordinal in [0, totalShards) for a tenant
func (m *ShardMapper) ShardIndex(tenantID string) int {
	return int(m.hash(tenantID) % uint64(m.totalShards))
}

// Assign returns the shard key for a tenant, e.g. "shard_7"
func (m *ShardMapper) Assign(tenantID string) string {
	return fmt.Sprintf("shard_%d", m.ShardIndex(tenantID))
}

// Replicas returns the primary shard key followed by the successor shards
// holding the tenant's replicas, replicationFactor keys in total.
func (m *ShardMapper) Replicas(tenantID string) []string {
	primary := m.ShardIndex(tenantID)
	keys := make([]string, 0, m.replicationFactor)
	for i := 0; i < m.replicationFactor; i++ {
		keys = append(keys, fmt.Sprintf("shard_%d", (primary+i)%m.totalShards))
	}
	return keys
}

// TotalShards returns the configured shard count
func (m *ShardMapper) TotalShards() int {
	return m.totalShards
}
