package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/veridex/controlplane/internal/model"
)

// Config represents the control-plane configuration
type Config struct {
	MultiTenancy MultiTenancyConfig `mapstructure:"multiTenancy"`
	Sharding     ShardingConfig     `mapstructure:"sharding"`
	Cache        CacheConfig        `mapstructure:"cache"`
	RateLimiting RateLimitingConfig `mapstructure:"rateLimiting"`
	Autoscaling  AutoscalingConfig  `mapstructure:"autoscaling"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Fleet        FleetConfig        `mapstructure:"fleet"`
	Ops          OpsConfig          `mapstructure:"ops"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// MultiTenancyConfig governs the tenant registry
type MultiTenancyConfig struct {
	MaxTenants        int          `mapstructure:"maxTenants"`
	IsolationStrategy string       `mapstructure:"isolationStrategy"`
	DefaultQuotas     QuotasConfig `mapstructure:"defaultQuotas"`
}

// QuotasConfig holds the quota values applied to tenants created
// without explicit quotas
type QuotasConfig struct {
	MaxIdentities                int64 `mapstructure:"maxIdentities"`
	MaxCredentialsPerIdentity    int64 `mapstructure:"maxCredentialsPerIdentity"`
	MaxProofGenerationsPerPeriod int64 `mapstructure:"maxProofGenerationsPerPeriod"`
	MaxRequestsPerSecond         int64 `mapstructure:"maxRequestsPerSecond"`
	MaxStorageGB                 int64 `mapstructure:"maxStorageGB"`
	MaxActiveUsers               int64 `mapstructure:"maxActiveUsers"`
	MaxConnectedApplications     int64 `mapstructure:"maxConnectedApplications"`
}

// Quotas converts the config block into the domain type
func (q QuotasConfig) Quotas() model.ResourceQuotas {
	return model.ResourceQuotas{
		MaxIdentities:                q.MaxIdentities,
		MaxCredentialsPerIdentity:    q.MaxCredentialsPerIdentity,
		MaxProofGenerationsPerPeriod: q.MaxProofGenerationsPerPeriod,
		MaxRequestsPerSecond:         q.MaxRequestsPerSecond,
		MaxStorageGB:                 q.MaxStorageGB,
		MaxActiveUsers:               q.MaxActiveUsers,
		MaxConnectedApplications:     q.MaxConnectedApplications,
	}
}

// ShardingConfig governs deterministic shard assignment
type ShardingConfig struct {
	TotalShards       int    `mapstructure:"totalShards"`
	ReplicationFactor int    `mapstructure:"replicationFactor"`
	ConsistencyLevel  string `mapstructure:"consistencyLevel"`
}

// CacheConfig governs the two-tier cache
type CacheConfig struct {
	Strategy      string          `mapstructure:"strategy"`
	L1            CacheTierConfig `mapstructure:"l1"`
	L2            CacheTierConfig `mapstructure:"l2"`
	SweepInterval time.Duration   `mapstructure:"sweepInterval"`
	Redis         RedisConfig     `mapstructure:"redis"`
}

// CacheTierConfig holds per-tier tunables
type CacheTierConfig struct {
	TTLSeconds     int    `mapstructure:"ttlSeconds"`
	MaxSizeGB      int    `mapstructure:"maxSizeGB"`
	EvictionPolicy string `mapstructure:"evictionPolicy"`
	Backend        string `mapstructure:"backend"`
}

// TTL returns the tier default TTL as a duration
func (c CacheTierConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// MaxBytes returns the tier byte budget
func (c CacheTierConfig) MaxBytes() int64 {
	return int64(c.MaxSizeGB) << 30
}

// RedisConfig represents the Redis L2 backend connection
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RateLimitingConfig governs per-tenant and global rate limiting
type RateLimitingConfig struct {
	Algorithm               string `mapstructure:"algorithm"`
	TimeWindowSeconds       int    `mapstructure:"timeWindowSeconds"`
	GlobalRequestsPerSecond int    `mapstructure:"globalRequestsPerSecond"`
	GlobalBurst             int    `mapstructure:"globalBurst"`
}

// Window returns the refill window as a duration
func (c RateLimitingConfig) Window() time.Duration {
	return time.Duration(c.TimeWindowSeconds) * time.Second
}

// AutoscalingConfig governs the autoscaler
type AutoscalingConfig struct {
	MinInstances        int           `mapstructure:"minInstances"`
	MaxInstances        int           `mapstructure:"maxInstances"`
	InitialInstances    int           `mapstructure:"initialInstances"`
	TargetCPUPercent    float64       `mapstructure:"targetCPUPercent"`
	TargetMemoryPercent float64       `mapstructure:"targetMemoryPercent"`
	ScaleUpCooldown     time.Duration `mapstructure:"scaleUpCooldown"`
	ScaleDownCooldown   time.Duration `mapstructure:"scaleDownCooldown"`
	ScaleUpDuration     time.Duration `mapstructure:"scaleUpDuration"`
	ScaleDownDuration   time.Duration `mapstructure:"scaleDownDuration"`
	EvaluateInterval    time.Duration `mapstructure:"evaluateInterval"`
}

// Policy converts the config block into the domain type
func (c AutoscalingConfig) Policy() model.ScalingPolicy {
	return model.ScalingPolicy{
		MinInstances:        c.MinInstances,
		MaxInstances:        c.MaxInstances,
		TargetCPUPercent:    c.TargetCPUPercent,
		TargetMemoryPercent: c.TargetMemoryPercent,
		ScaleUpCooldown:     c.ScaleUpCooldown,
		ScaleDownCooldown:   c.ScaleDownCooldown,
	}
}

// StorageConfig selects and configures the durable store backend
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig represents the PostgreSQL ledger store connection
type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"maxConnections"`
	MinConnections int    `mapstructure:"minConnections"`
}

// FleetConfig governs fleet membership and load balancing
type FleetConfig struct {
	Gossip   GossipConfig   `mapstructure:"gossip"`
	Balancer BalancerConfig `mapstructure:"balancer"`
}

// GossipConfig governs memberlist-based fleet membership
type GossipConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	NodeName  string        `mapstructure:"nodeName"`
	BindAddr  string        `mapstructure:"bindAddr"`
	BindPort  int           `mapstructure:"bindPort"`
	SeedNodes []string      `mapstructure:"seedNodes"`
	Interval  time.Duration `mapstructure:"interval"`
}

// BalancerConfig selects the instance-picking strategy
type BalancerConfig struct {
	Strategy  string        `mapstructure:"strategy"`
	Staleness time.Duration `mapstructure:"staleness"`
}

// OpsConfig represents the operational HTTP server
type OpsConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

// MetricsConfig represents Prometheus metrics exposition
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.MultiTenancy.MaxTenants <= 0 {
		return errors.New("multiTenancy.maxTenants must be positive")
	}
	if c.Sharding.TotalShards <= 0 {
		return errors.New("sharding.totalShards must be positive")
	}
	if c.Sharding.ReplicationFactor <= 0 {
		return errors.New("sharding.replicationFactor must be positive")
	}
	if !isValidConsistencyLevel(c.Sharding.ConsistencyLevel) {
		return errors.New("sharding.consistencyLevel must be one of: strong, eventual")
	}
	if c.Cache.Strategy != "write_through" && c.Cache.Strategy != "write_around" {
		return errors.New("cache.strategy must be one of: write_through, write_around")
	}
	for _, tier := range []struct {
		name string
		cfg  CacheTierConfig
	}{{"l1", c.Cache.L1}, {"l2", c.Cache.L2}} {
		if tier.cfg.TTLSeconds <= 0 {
			return fmt.Errorf("cache.%s.ttlSeconds must be positive", tier.name)
		}
		if !isValidEvictionPolicy(tier.cfg.EvictionPolicy) {
			return fmt.Errorf("cache.%s.evictionPolicy must be one of: lru, lfu, adaptive", tier.name)
		}
	}
	if c.Cache.L2.Backend != "memory" && c.Cache.L2.Backend != "redis" {
		return errors.New("cache.l2.backend must be one of: memory, redis")
	}
	if c.Cache.L2.Backend == "redis" && c.Cache.Redis.Host == "" {
		return errors.New("cache.redis.host is required when cache.l2.backend is redis")
	}
	if c.RateLimiting.Algorithm != "tokenBucket" {
		return errors.New("rateLimiting.algorithm must be tokenBucket")
	}
	if c.RateLimiting.TimeWindowSeconds <= 0 {
		return errors.New("rateLimiting.timeWindowSeconds must be positive")
	}
	if c.Autoscaling.MinInstances < 1 {
		return errors.New("autoscaling.minInstances must be at least 1")
	}
	if c.Autoscaling.MaxInstances < c.Autoscaling.MinInstances {
		return errors.New("autoscaling.maxInstances must be >= minInstances")
	}
	if c.Autoscaling.TargetCPUPercent <= 0 || c.Autoscaling.TargetCPUPercent > 100 {
		return errors.New("autoscaling.targetCPUPercent must be in (0, 100]")
	}
	if c.Autoscaling.TargetMemoryPercent <= 0 || c.Autoscaling.TargetMemoryPercent > 100 {
		return errors.New("autoscaling.targetMemoryPercent must be in (0, 100]")
	}
	if c.Storage.Backend != "memory" && c.Storage.Backend != "postgres" {
		return errors.New("storage.backend must be one of: memory, postgres")
	}
	if c.Storage.Backend == "postgres" {
		if c.Storage.Postgres.Host == "" {
			return errors.New("storage.postgres.host is required")
		}
		if c.Storage.Postgres.Database == "" {
			return errors.New("storage.postgres.database is required")
		}
		if c.Storage.Postgres.User == "" {
			return errors.New("storage.postgres.user is required")
		}
	}
	if !isValidBalancerStrategy(c.Fleet.Balancer.Strategy) {
		return errors.New("fleet.balancer.strategy must be one of: round_robin, least_loaded")
	}
	if c.Fleet.Gossip.Enabled && c.Fleet.Gossip.BindPort <= 0 {
		return errors.New("fleet.gossip.bindPort must be positive when gossip is enabled")
	}
	if c.Ops.Port <= 0 || c.Ops.Port > 65535 {
		return errors.New("ops.port must be between 1 and 65535")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

func isValidConsistencyLevel(level string) bool {
	switch level {
	case "strong", "eventual":
		return true
	default:
		return false
	}
}

func isValidEvictionPolicy(policy string) bool {
	switch policy {
	case "lru", "lfu", "adaptive":
		return true
	default:
		return false
	}
}

func isValidBalancerStrategy(strategy string) bool {
	switch strategy {
	case "round_robin", "least_loaded":
		return true
	default:
		return false
	}
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		MultiTenancy: MultiTenancyConfig{
			MaxTenants:        10000,
			IsolationStrategy: "strict",
			DefaultQuotas: QuotasConfig{
				MaxIdentities:                1000,
				MaxCredentialsPerIdentity:    100,
				MaxProofGenerationsPerPeriod: 10000,
				MaxRequestsPerSecond:         100,
				MaxStorageGB:                 10,
				MaxActiveUsers:               1000,
				MaxConnectedApplications:     10,
			},
		},
		Sharding: ShardingConfig{
			TotalShards:       16,
			ReplicationFactor: 3,
			ConsistencyLevel:  "strong",
		},
		Cache: CacheConfig{
			Strategy: "write_through",
			L1: CacheTierConfig{
				TTLSeconds:     300,
				MaxSizeGB:      2,
				EvictionPolicy: "lru",
				Backend:        "memory",
			},
			L2: CacheTierConfig{
				TTLSeconds:     3600,
				MaxSizeGB:      20,
				EvictionPolicy: "lru",
				Backend:        "memory",
			},
			SweepInterval: time.Minute,
			Redis: RedisConfig{
				Host:     "localhost",
				Port:     6379,
				Password: "",
				DB:       0,
			},
		},
		RateLimiting: RateLimitingConfig{
			Algorithm:               "tokenBucket",
			TimeWindowSeconds:       60,
			GlobalRequestsPerSecond: 1000,
			GlobalBurst:             100,
		},
		Autoscaling: AutoscalingConfig{
			MinInstances:        2,
			MaxInstances:        100,
			InitialInstances:    2,
			TargetCPUPercent:    70,
			TargetMemoryPercent: 80,
			ScaleUpCooldown:     5 * time.Minute,
			ScaleDownCooldown:   10 * time.Minute,
			ScaleUpDuration:     30 * time.Second,
			ScaleDownDuration:   60 * time.Second,
			EvaluateInterval:    30 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "memory",
			Postgres: PostgresConfig{
				Host:           "localhost",
				Port:           5432,
				Database:       "controlplane",
				User:           "controlplane",
				Password:       "",
				MaxConnections: 20,
				MinConnections: 2,
			},
		},
		Fleet: FleetConfig{
			Gossip: GossipConfig{
				Enabled:   false,
				NodeName:  "",
				BindAddr:  "0.0.0.0",
				BindPort:  7946,
				SeedNodes: nil,
				Interval:  200 * time.Millisecond,
			},
			Balancer: BalancerConfig{
				Strategy:  "round_robin",
				Staleness: 30 * time.Second,
			},
		},
		Ops: OpsConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
