package model

// CacheTierID identifies one of the two cache tiers
type CacheTierID string

const (
	// TierL1 is the small fast tier consulted first
	TierL1 CacheTierID = "l1"
	// TierL2 is the larger tier with longer retention
	TierL2 CacheTierID = "l2"
)

// TierStats holds counters for a single cache tier
type TierStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	Evictions int64   `json:"evictions"`
	Expired   int64   `json:"expired"`
	Faults    int64   `json:"faults"`
	Entries   int64   `json:"entries"`
	SizeBytes int64   `json:"size_bytes"`
	HitRate   float64 `json:"hit_rate"`
}

// CacheStats aggregates both tiers plus the combined hit rate
type CacheStats struct {
	L1      TierStats `json:"l1"`
	L2      TierStats `json:"l2"`
	HitRate float64   `json:"hit_rate"`
}
