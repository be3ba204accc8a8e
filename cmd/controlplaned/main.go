package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veridex/controlplane/internal/algorithm"
	"github.com/veridex/controlplane/internal/config"
	"github.com/veridex/controlplane/internal/fleet"
	"github.com/veridex/controlplane/internal/health"
	"github.com/veridex/controlplane/internal/metrics"
	"github.com/veridex/controlplane/internal/service"
	"github.com/veridex/controlplane/internal/store"
)

const maintenanceInterval = 10 * time.Minute

func main() {
	// Initialize bootstrap logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	logger.Info("Starting Veridex Control Plane")

	// Load configuration. The -config flag wins over CONFIG_PATH.
	configFlag := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Rebuild the logger with the configured level and format
	logger, err = buildLogger(cfg.Logging)
	if err != nil {
		logger.Fatal("Failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Int("total_shards", cfg.Sharding.TotalShards),
		zap.Int("max_tenants", cfg.MultiTenancy.MaxTenants),
		zap.Int("ops_port", cfg.Ops.Port))

	// Initialize metrics
	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	clk := clock.New()
	logger.Info("Metrics initialized")

	// Initialize ledger store
	var ledger store.LedgerStore
	if cfg.Storage.Backend == "postgres" {
		ledger, err = store.NewPostgresStore(
			cfg.Storage.Postgres.Host,
			cfg.Storage.Postgres.Port,
			cfg.Storage.Postgres.Database,
			cfg.Storage.Postgres.User,
			cfg.Storage.Postgres.Password,
			cfg.Storage.Postgres.MaxConnections,
			cfg.Storage.Postgres.MinConnections,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize ledger store", zap.Error(err))
		}
	} else {
		ledger = store.NewMemoryStore()
	}
	logger.Info("Ledger store initialized", zap.String("backend", cfg.Storage.Backend))

	// Initialize cache tiers
	l1 := store.NewMemoryTier(store.MemoryTierConfig{
		Name:     "l1",
		MaxBytes: cfg.Cache.L1.MaxBytes(),
		Policy:   cfg.Cache.L1.EvictionPolicy,
	}, clk, logger)

	var l2 store.CacheTier
	if cfg.Cache.L2.Backend == "redis" {
		l2, err = store.NewRedisTier(
			cfg.Cache.Redis.Host,
			cfg.Cache.Redis.Port,
			cfg.Cache.Redis.Password,
			cfg.Cache.Redis.DB,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize L2 cache tier", zap.Error(err))
		}
	} else {
		l2 = store.NewMemoryTier(store.MemoryTierConfig{
			Name:     "l2",
			MaxBytes: cfg.Cache.L2.MaxBytes(),
			Policy:   cfg.Cache.L2.EvictionPolicy,
		}, clk, logger)
	}
	logger.Info("Cache tiers initialized", zap.String("l2_backend", cfg.Cache.L2.Backend))

	// Initialize services
	logger.Info("Initializing services")

	cacheService := service.NewCacheService(l1, l2, service.CacheServiceConfig{
		L1TTL:         cfg.Cache.L1.TTL(),
		L2TTL:         cfg.Cache.L2.TTL(),
		WriteThrough:  cfg.Cache.Strategy == "write_through",
		SweepInterval: cfg.Cache.SweepInterval,
	}, clk, m, logger)
	cacheService.Start()

	shardMapper := algorithm.NewShardMapper(cfg.Sharding.TotalShards, cfg.Sharding.ReplicationFactor)
	defaultQuotas := cfg.MultiTenancy.DefaultQuotas.Quotas()

	registryService := service.NewRegistryService(ledger, cacheService, shardMapper, defaultQuotas, cfg.MultiTenancy.MaxTenants, clk, m, logger)
	rateLimitService := service.NewRateLimitService(
		cfg.RateLimiting.Window(),
		defaultQuotas,
		cfg.RateLimiting.GlobalRequestsPerSecond,
		cfg.RateLimiting.GlobalBurst,
		clk, m, logger,
	)

	// Initialize fleet membership
	nodeName := cfg.Fleet.Gossip.NodeName
	if nodeName == "" {
		nodeName, _ = os.Hostname()
	}
	localAddr := fmt.Sprintf("%s:%d", cfg.Fleet.Gossip.BindAddr, cfg.Fleet.Gossip.BindPort)
	local := fleet.NewLocalInstance(nodeName, localAddr, clk)

	var view fleet.View
	var gossip *fleet.GossipView
	if cfg.Fleet.Gossip.Enabled {
		gossip, err = fleet.NewGossipView(fleet.GossipConfig{
			NodeName:  nodeName,
			BindAddr:  cfg.Fleet.Gossip.BindAddr,
			BindPort:  cfg.Fleet.Gossip.BindPort,
			SeedNodes: cfg.Fleet.Gossip.SeedNodes,
			Interval:  cfg.Fleet.Gossip.Interval,
		}, local, clk, logger)
		if err != nil {
			logger.Fatal("Failed to join fleet gossip mesh", zap.Error(err))
		}
		view = gossip
	} else {
		view = fleet.NewStaticView(local)
	}
	logger.Info("Fleet view initialized",
		zap.String("node", nodeName),
		zap.Bool("gossip", cfg.Fleet.Gossip.Enabled))

	signals := fleet.NewViewSignalSource(view, cfg.Fleet.Balancer.Staleness, clk)
	balancer := fleet.NewBalancer(view, cfg.Fleet.Balancer.Strategy, cfg.Fleet.Balancer.Staleness, clk)

	provisioner := service.NewTimedProvisioner(cfg.Autoscaling.ScaleUpDuration, cfg.Autoscaling.ScaleDownDuration, clk)
	autoscalerService := service.NewAutoscalerService(
		cfg.Autoscaling.Policy(),
		cfg.Autoscaling.InitialInstances,
		provisioner,
		signals,
		cfg.Autoscaling.EvaluateInterval,
		clk, m, logger,
	)

	healthService := service.NewHealthService(ledger, cacheService, rateLimitService, autoscalerService, view, service.HealthServiceConfig{}, clk, m, logger)

	coordinatorService := service.NewCoordinatorService(registryService, rateLimitService, cacheService, autoscalerService, healthService, balancer, clk, logger)

	logger.Info("All services initialized")

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	// Start the autoscaling control loop
	go autoscalerService.Run(runCtx)

	// Start maintenance background process. Purges terminated tenants,
	// drops their rate-limit counters, and prunes stale metric series.
	go func() {
		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := coordinatorService.Maintain(runCtx); err != nil {
					logger.Warn("Maintenance pass failed", zap.Error(err))
				}
			case <-runCtx.Done():
				return
			}
		}
	}()
	logger.Info("Started maintenance background process", zap.Duration("interval", maintenanceInterval))

	// Start metrics server
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Starting metrics server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// Start ops server
	checker := health.NewChecker(coordinatorService, logger)
	opsServer := health.NewServer(checker, cfg.Ops.Host, cfg.Ops.Port)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting ops server", zap.String("address", opsServer.Addr))
		serverErrors <- opsServer.ListenAndServe()
	}()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	// Graceful shutdown
	logger.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Ops.ShutdownTimeout)
	defer cancel()

	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Ops server shutdown failed", zap.Error(err))
	}

	// Stop services
	runCancel()
	autoscalerService.Stop()
	cacheService.Stop()
	if gossip != nil {
		if err := gossip.Shutdown(); err != nil {
			logger.Warn("Gossip shutdown failed", zap.Error(err))
		}
	}

	// Close stores
	ledger.Close()
	if err := l1.Close(); err != nil {
		logger.Warn("L1 tier close failed", zap.Error(err))
	}
	if err := l2.Close(); err != nil {
		logger.Warn("L2 tier close failed", zap.Error(err))
	}

	logger.Info("Control plane stopped")
}

// buildLogger constructs the process logger from the logging config
func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format == "console" {
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	return zapCfg.Build()
}
