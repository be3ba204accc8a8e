package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Set defaults
	cfg := DefaultConfig()

	// Set up viper
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	// Read config file (optional - if file doesn't exist, continue with defaults)
	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional if environment variables are set
		fmt.Printf("Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
	} else {
		// Unmarshal file contents
		if err := viper.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	// Override with environment variables (these take precedence)
	applyEnvironmentOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	// Storage configuration
	if backend := os.Getenv("STORAGE_BACKEND"); backend != "" {
		cfg.Storage.Backend = backend
	}
	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		cfg.Storage.Postgres.Host = dbHost
	}
	if dbPort := os.Getenv("DATABASE_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			cfg.Storage.Postgres.Port = p
		}
	}
	if dbName := os.Getenv("DATABASE_NAME"); dbName != "" {
		cfg.Storage.Postgres.Database = dbName
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		cfg.Storage.Postgres.User = dbUser
	}
	if dbPassword := os.Getenv("DATABASE_PASSWORD"); dbPassword != "" {
		cfg.Storage.Postgres.Password = dbPassword
	}

	// Cache backend configuration
	if backend := os.Getenv("CACHE_L2_BACKEND"); backend != "" {
		cfg.Cache.L2.Backend = backend
	}
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Cache.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Cache.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Cache.Redis.Password = redisPassword
	}

	// Fleet configuration
	if nodeName := os.Getenv("FLEET_NODE_NAME"); nodeName != "" {
		cfg.Fleet.Gossip.NodeName = nodeName
	}
	if seeds := os.Getenv("FLEET_GOSSIP_SEEDS"); seeds != "" {
		cfg.Fleet.Gossip.SeedNodes = strings.Split(seeds, ",")
	}
	if bindPort := os.Getenv("FLEET_GOSSIP_PORT"); bindPort != "" {
		if p, err := strconv.Atoi(bindPort); err == nil {
			cfg.Fleet.Gossip.BindPort = p
		}
	}

	// Server ports
	if opsPort := os.Getenv("OPS_PORT"); opsPort != "" {
		if p, err := strconv.Atoi(opsPort); err == nil {
			cfg.Ops.Port = p
		}
	}
	if metricsPort := os.Getenv("METRICS_PORT"); metricsPort != "" {
		if p, err := strconv.Atoi(metricsPort); err == nil {
			cfg.Metrics.Port = p
		}
	}

	// Logging configuration
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
