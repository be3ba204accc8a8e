package algorithm

import (
	"fmt"
	"strings"
	"testing"
)

func TestShardMapperDeterministic(t *testing.T) {
	m := NewShardMapper(16, 3)

	tests := []struct {
		name     string
		tenantID string
	}{
		{"simple", "tenant-1"},
		{"uuid-like", "9f3b2c4a-8a1d-4e9b-b0f2-1c7d2a6e5f00"},
		{"unicode", "tenant-ünïcode"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := m.Assign(tt.tenantID)
			for i := 0; i < 10; i++ {
				if got := m.Assign(tt.tenantID); got != first {
					t.Errorf("Assignment should be deterministic: %s != %s", got, first)
				}
			}
		})
	}
}

func TestShardMapperIndexRange(t *testing.T) {
	m := NewShardMapper(16, 3)

	for i := 0; i < 5000; i++ {
		idx := m.ShardIndex(fmt.Sprintf("tenant-%d", i))
		if idx < 0 || idx >= 16 {
			t.Fatalf("Shard index %d out of range [0, 16)", idx)
		}
	}
}

func TestShardMapperDistribution(t *testing.T) {
	m := NewShardMapper(16, 3)

	seen := make(map[int]int)
	for i := 0; i < 5000; i++ {
		seen[m.ShardIndex(fmt.Sprintf("tenant-%d", i))]++
	}

	for shard := 0; shard < 16; shard++ {
		if seen[shard] == 0 {
			t.Errorf("Shard %d received no tenants across 5000 assignments", shard)
		}
	}
}

func TestShardMapperKeyFormat(t *testing.T) {
	m := NewShardMapper(8, 1)

	key := m.Assign("tenant-42")
	if !strings.HasPrefix(key, "shard_") {
		t.Errorf("Expected shard_N key format, got %s", key)
	}
	expected := fmt.Sprintf("shard_%d", m.ShardIndex("tenant-42"))
	if key != expected {
		t.Errorf("Expected %s, got %s", expected, key)
	}
}

func TestShardMapperReplicas(t *testing.T) {
	m := NewShardMapper(4, 3)

	replicas := m.Replicas("tenant-7")
	if len(replicas) != 3 {
		t.Fatalf("Expected 3 replica shards, got %d", len(replicas))
	}

	if replicas[0] != m.Assign("tenant-7") {
		t.Errorf("First replica should be the primary shard: %s != %s", replicas[0], m.Assign("tenant-7"))
	}

	distinct := make(map[string]bool)
	for _, r := range replicas {
		distinct[r] = true
	}
	if len(distinct) != 3 {
		t.Errorf("Replica shards should be distinct, got %v", replicas)
	}
}

func TestShardMapperBounds(t *testing.T) {
	// Degenerate inputs fall back to sane minimums
	m := NewShardMapper(0, 0)
	if m.TotalShards() != 1 {
		t.Errorf("Expected shard count 1, got %d", m.TotalShards())
	}
	if got := m.Assign("anything"); got != "shard_0" {
		t.Errorf("Single-shard mapper should always assign shard_0, got %s", got)
	}

	// Replication factor is capped at the shard count
	m = NewShardMapper(2, 10)
	if got := len(m.Replicas("tenant-1")); got != 2 {
		t.Errorf("Expected replication capped at 2, got %d", got)
	}
}

func BenchmarkShardAssign(b *testing.B) {
	m := NewShardMapper(16, 3)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Assign("tenant-benchmark-id")
	}
}
