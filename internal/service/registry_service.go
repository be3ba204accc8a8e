package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veridex/controlplane/internal/algorithm"
	"github.com/veridex/controlplane/internal/metrics"
	"github.com/veridex/controlplane/internal/model"
	"github.com/veridex/controlplane/internal/store"
)

const (
	tenantKeyPrefix = "tenant/"
	usageKeyPrefix  = "tenant_usage/"

	registryStripes = 64
)

// CreateTenantParams carries the caller-supplied fields for a new
// tenant. An empty ID is filled with a generated one, an empty tier
// defaults to free, and nil quotas fall back to the node defaults.
type CreateTenantParams struct {
	ID       string
	Name     string
	Tier     model.SubscriptionTier
	Quotas   *model.ResourceQuotas
	Metadata map[string]string
}

// UpdateTenantParams carries partial tenant updates. Nil fields are
// left unchanged.
type UpdateTenantParams struct {
	Name     *string
	Tier     *model.SubscriptionTier
	Status   *model.TenantStatus
	Quotas   *model.ResourceQuotas
	Metadata map[string]string
}

// RegistryService manages the tenant lifecycle on the ledger store:
// registration, lookup, updates, usage accounting, and the isolation
// checks every tenant-scoped operation passes through first.
type RegistryService struct {
	ledger        store.LedgerStore
	cache         *CacheService
	shards        *algorithm.ShardMapper
	defaultQuotas model.ResourceQuotas
	maxTenants    int

	// Creation and usage writes for one tenant serialize on a stripe
	// so concurrent creates of the same ID elect exactly one winner
	stripes [registryStripes]sync.Mutex

	clk     clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRegistryService creates the tenant registry
func NewRegistryService(
	ledger store.LedgerStore,
	cache *CacheService,
	shards *algorithm.ShardMapper,
	defaultQuotas model.ResourceQuotas,
	maxTenants int,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *RegistryService {
	return &RegistryService{
		ledger:        ledger,
		cache:         cache,
		shards:        shards,
		defaultQuotas: defaultQuotas,
		maxTenants:    maxTenants,
		clk:           clk,
		metrics:       m,
		logger:        logger,
	}
}

// Create registers a new tenant, assigns its shard, and seeds an empty
// usage record. Returns ErrTenantAlreadyExists if the ID is taken and
// ErrQuotaExceeded when the node is at tenant capacity.
func (s *RegistryService) Create(ctx context.Context, params CreateTenantParams) (*model.Tenant, error) {
	if params.ID == "" {
		params.ID = uuid.NewString()
	}
	if params.Name == "" {
		s.metrics.RecordTenantOperation("create", "invalid")
		return nil, fmt.Errorf("tenant name is required")
	}
	if params.Tier == "" {
		params.Tier = model.TierFree
	}
	if !model.ValidTier(params.Tier) {
		s.metrics.RecordTenantOperation("create", "invalid")
		return nil, fmt.Errorf("invalid subscription tier %q", params.Tier)
	}

	stripe := s.stripeFor(params.ID)
	stripe.Lock()
	defer stripe.Unlock()

	exists, err := s.ledger.Has(ctx, tenantKey(params.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to check tenant existence: %w", err)
	}
	if exists {
		s.metrics.RecordTenantOperation("create", "conflict")
		return nil, fmt.Errorf("%w: %s", model.ErrTenantAlreadyExists, params.ID)
	}

	if s.maxTenants > 0 {
		count, err := s.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count tenants: %w", err)
		}
		if count >= s.maxTenants {
			s.metrics.RecordTenantOperation("create", "capacity")
			return nil, fmt.Errorf("%w: node at tenant capacity (%d)", model.ErrQuotaExceeded, s.maxTenants)
		}
	}

	quotas := s.defaultQuotas
	if params.Quotas != nil {
		quotas = *params.Quotas
	}

	now := s.clk.Now()
	tenant := &model.Tenant{
		ID:        params.ID,
		Name:      params.Name,
		Tier:      params.Tier,
		Status:    model.TenantStatusActive,
		Quotas:    quotas,
		ShardKey:  s.shards.Assign(params.ID),
		Metadata:  params.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.persistTenant(ctx, tenant); err != nil {
		return nil, err
	}

	usage := &model.TenantUsage{TenantID: tenant.ID, UpdatedAt: now}
	if err := s.persistUsage(ctx, usage); err != nil {
		return nil, err
	}

	s.cacheTenant(ctx, tenant)
	s.updateActiveGauge(ctx)
	s.metrics.RecordTenantOperation("create", "ok")

	s.logger.Info("Tenant created",
		zap.String("tenant_id", tenant.ID),
		zap.String("tier", string(tenant.Tier)),
		zap.String("shard_key", tenant.ShardKey))

	return tenant, nil
}

// Get retrieves a tenant, cache first
func (s *RegistryService) Get(ctx context.Context, tenantID string) (*model.Tenant, error) {
	cacheKey := tenantCacheKey(tenantID)
	if cached, found := s.cache.Get(ctx, cacheKey, model.TierL1); found {
		var tenant model.Tenant
		if err := json.Unmarshal(cached, &tenant); err == nil {
			return &tenant, nil
		}
		s.logger.Warn("Failed to decode cached tenant", zap.String("tenant_id", tenantID))
	}

	tenant, err := s.loadTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	s.cacheTenant(ctx, tenant)
	return tenant, nil
}

// Update applies partial changes to a tenant. The shard key and
// creation time are immutable.
func (s *RegistryService) Update(ctx context.Context, tenantID string, params UpdateTenantParams) (*model.Tenant, error) {
	stripe := s.stripeFor(tenantID)
	stripe.Lock()
	defer stripe.Unlock()

	tenant, err := s.loadTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if params.Name != nil {
		tenant.Name = *params.Name
	}
	if params.Tier != nil {
		if !model.ValidTier(*params.Tier) {
			return nil, fmt.Errorf("invalid subscription tier %q", *params.Tier)
		}
		tenant.Tier = *params.Tier
	}
	if params.Status != nil {
		switch *params.Status {
		case model.TenantStatusActive, model.TenantStatusSuspended, model.TenantStatusTerminated:
			tenant.Status = *params.Status
		default:
			return nil, fmt.Errorf("invalid tenant status %q", *params.Status)
		}
	}
	if params.Quotas != nil {
		tenant.Quotas = *params.Quotas
	}
	if params.Metadata != nil {
		tenant.Metadata = params.Metadata
	}
	tenant.UpdatedAt = s.clk.Now()

	if err := s.persistTenant(ctx, tenant); err != nil {
		return nil, err
	}

	s.cacheTenant(ctx, tenant)
	s.updateActiveGauge(ctx)
	s.metrics.RecordTenantOperation("update", "ok")

	s.logger.Info("Tenant updated", zap.String("tenant_id", tenantID))
	return tenant, nil
}

// Terminate marks a tenant terminated and evicts its cached state.
// The record itself stays on the ledger for audit. Terminating an
// already-terminated tenant is a no-op.
func (s *RegistryService) Terminate(ctx context.Context, tenantID string) (*model.Tenant, error) {
	stripe := s.stripeFor(tenantID)
	stripe.Lock()
	defer stripe.Unlock()

	tenant, err := s.loadTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant.Status == model.TenantStatusTerminated {
		return tenant, nil
	}

	tenant.Status = model.TenantStatusTerminated
	tenant.UpdatedAt = s.clk.Now()

	if err := s.persistTenant(ctx, tenant); err != nil {
		return nil, err
	}

	s.evictTenant(ctx, tenantID)
	s.updateActiveGauge(ctx)
	s.metrics.RecordTenantOperation("terminate", "ok")

	s.logger.Info("Tenant terminated", zap.String("tenant_id", tenantID))
	return tenant, nil
}

// List returns tenants, optionally filtered by status and tier. Empty
// filter values match everything.
func (s *RegistryService) List(ctx context.Context, status model.TenantStatus, tier model.SubscriptionTier) ([]*model.Tenant, error) {
	kvs, err := s.ledger.List(ctx, tenantKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	tenants := make([]*model.Tenant, 0, len(kvs))
	for _, kv := range kvs {
		var tenant model.Tenant
		if err := json.Unmarshal(kv.Value, &tenant); err != nil {
			s.logger.Warn("Skipping undecodable tenant record", zap.String("key", kv.Key), zap.Error(err))
			continue
		}
		if status != "" && tenant.Status != status {
			continue
		}
		if tier != "" && tenant.Tier != tier {
			continue
		}
		t := tenant
		tenants = append(tenants, &t)
	}
	return tenants, nil
}

// Count returns the total number of registered tenants, terminated
// included
func (s *RegistryService) Count(ctx context.Context) (int, error) {
	kvs, err := s.ledger.List(ctx, tenantKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to count tenants: %w", err)
	}
	return len(kvs), nil
}

// ValidateIsolation verifies the tenant may run the operation: it must
// exist, be active, live on the shard its ID hashes to, and have quota
// headroom for the operation's resource dimension.
func (s *RegistryService) ValidateIsolation(ctx context.Context, tenantID, operation string) error {
	tenant, err := s.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	if !tenant.IsActive() {
		s.metrics.RecordIsolationViolation(string(tenant.Status))
		return fmt.Errorf("%w: tenant %s is %s", model.ErrTenantIsolationViolation, tenantID, tenant.Status)
	}

	if expected := s.shards.Assign(tenantID); expected != tenant.ShardKey {
		s.metrics.RecordIsolationViolation("shard_mismatch")
		return fmt.Errorf("%w: tenant %s maps to %s but is registered on %s",
			model.ErrTenantIsolationViolation, tenantID, expected, tenant.ShardKey)
	}

	usage, err := s.Usage(ctx, tenantID)
	if err != nil {
		return err
	}
	if used, limit, resource, capped := quotaFor(operation, usage, tenant.Quotas); capped && used >= limit {
		return fmt.Errorf("%w: %s limit reached (%d/%d)", model.ErrQuotaExceeded, resource, used, limit)
	}
	return nil
}

// ReportUsage applies a delta to one of the tenant's usage counters.
// Counters never go below zero.
func (s *RegistryService) ReportUsage(ctx context.Context, tenantID, resource string, delta int64) (*model.TenantUsage, error) {
	stripe := s.stripeFor(tenantID)
	stripe.Lock()
	defer stripe.Unlock()

	exists, err := s.ledger.Has(ctx, tenantKey(tenantID))
	if err != nil {
		return nil, fmt.Errorf("failed to check tenant existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", model.ErrTenantNotFound, tenantID)
	}

	usage, err := s.loadUsage(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var counter *int64
	switch resource {
	case model.ResourceIdentities:
		counter = &usage.Identities
	case model.ResourceCredentials:
		counter = &usage.Credentials
	case model.ResourceProofGenerations:
		counter = &usage.ProofGenerations
	case model.ResourceStorageBytes:
		counter = &usage.StorageBytes
	case model.ResourceActiveUsers:
		counter = &usage.ActiveUsers
	case model.ResourceConnectedApps:
		counter = &usage.ConnectedApplications
	default:
		return nil, fmt.Errorf("unknown resource %q", resource)
	}

	*counter += delta
	if *counter < 0 {
		*counter = 0
	}
	usage.UpdatedAt = s.clk.Now()

	if err := s.persistUsage(ctx, usage); err != nil {
		return nil, err
	}
	s.cacheUsage(ctx, usage)
	return usage, nil
}

// Usage returns the tenant's usage counters, cache first. A tenant
// with no usage record yet reads as all zeros.
func (s *RegistryService) Usage(ctx context.Context, tenantID string) (*model.TenantUsage, error) {
	cacheKey := usageCacheKey(tenantID)
	if cached, found := s.cache.Get(ctx, cacheKey, model.TierL1); found {
		var usage model.TenantUsage
		if err := json.Unmarshal(cached, &usage); err == nil {
			return &usage, nil
		}
		s.logger.Warn("Failed to decode cached usage", zap.String("tenant_id", tenantID))
	}

	exists, err := s.ledger.Has(ctx, tenantKey(tenantID))
	if err != nil {
		return nil, fmt.Errorf("failed to check tenant existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", model.ErrTenantNotFound, tenantID)
	}

	usage, err := s.loadUsage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	s.cacheUsage(ctx, usage)
	return usage, nil
}

// Utilization returns per-resource usage as a fraction of quota
func (s *RegistryService) Utilization(ctx context.Context, tenantID string) (map[string]float64, error) {
	tenant, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	usage, err := s.Usage(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	ratio := func(used, limit int64) float64 {
		if limit <= 0 {
			return 0
		}
		return float64(used) / float64(limit)
	}
	return map[string]float64{
		model.ResourceIdentities:       ratio(usage.Identities, tenant.Quotas.MaxIdentities),
		model.ResourceCredentials:      ratio(usage.Credentials, tenant.Quotas.MaxCredentialsPerIdentity*tenant.Quotas.MaxIdentities),
		model.ResourceProofGenerations: ratio(usage.ProofGenerations, tenant.Quotas.MaxProofGenerationsPerPeriod),
		model.ResourceStorageBytes:     ratio(usage.StorageBytes, tenant.Quotas.MaxStorageGB<<30),
		model.ResourceActiveUsers:      ratio(usage.ActiveUsers, tenant.Quotas.MaxActiveUsers),
		model.ResourceConnectedApps:    ratio(usage.ConnectedApplications, tenant.Quotas.MaxConnectedApplications),
	}, nil
}

// PurgeTerminated evicts cached state for terminated tenants and
// returns their IDs so callers can drop associated runtime state
func (s *RegistryService) PurgeTerminated(ctx context.Context) ([]string, error) {
	terminated, err := s.List(ctx, model.TenantStatusTerminated, "")
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(terminated))
	for _, tenant := range terminated {
		s.evictTenant(ctx, tenant.ID)
		ids = append(ids, tenant.ID)
	}
	return ids, nil
}

func (s *RegistryService) loadTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	raw, err := s.ledger.Get(ctx, tenantKey(tenantID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", model.ErrTenantNotFound, tenantID)
		}
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}

	var tenant model.Tenant
	if err := json.Unmarshal(raw, &tenant); err != nil {
		return nil, fmt.Errorf("failed to decode tenant %s: %w", tenantID, err)
	}
	return &tenant, nil
}

func (s *RegistryService) loadUsage(ctx context.Context, tenantID string) (*model.TenantUsage, error) {
	raw, err := s.ledger.Get(ctx, usageKey(tenantID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &model.TenantUsage{TenantID: tenantID}, nil
		}
		return nil, fmt.Errorf("failed to load tenant usage: %w", err)
	}

	var usage model.TenantUsage
	if err := json.Unmarshal(raw, &usage); err != nil {
		return nil, fmt.Errorf("failed to decode usage for tenant %s: %w", tenantID, err)
	}
	return &usage, nil
}

func (s *RegistryService) persistTenant(ctx context.Context, tenant *model.Tenant) error {
	raw, err := json.Marshal(tenant)
	if err != nil {
		return fmt.Errorf("failed to encode tenant: %w", err)
	}
	if err := s.ledger.Set(ctx, tenantKey(tenant.ID), raw); err != nil {
		return fmt.Errorf("failed to store tenant: %w", err)
	}
	return nil
}

func (s *RegistryService) persistUsage(ctx context.Context, usage *model.TenantUsage) error {
	raw, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("failed to encode tenant usage: %w", err)
	}
	if err := s.ledger.Set(ctx, usageKey(usage.TenantID), raw); err != nil {
		return fmt.Errorf("failed to store tenant usage: %w", err)
	}
	return nil
}

func (s *RegistryService) cacheTenant(ctx context.Context, tenant *model.Tenant) {
	raw, err := json.Marshal(tenant)
	if err != nil {
		return
	}
	s.cache.Set(ctx, tenantCacheKey(tenant.ID), raw, 0, model.TierL1)
}

func (s *RegistryService) cacheUsage(ctx context.Context, usage *model.TenantUsage) {
	raw, err := json.Marshal(usage)
	if err != nil {
		return
	}
	s.cache.Set(ctx, usageCacheKey(usage.TenantID), raw, 0, model.TierL1)
}

func (s *RegistryService) evictTenant(ctx context.Context, tenantID string) {
	s.cache.Delete(ctx, tenantCacheKey(tenantID))
	s.cache.Delete(ctx, usageCacheKey(tenantID))
}

func (s *RegistryService) updateActiveGauge(ctx context.Context) {
	active, err := s.List(ctx, model.TenantStatusActive, "")
	if err != nil {
		return
	}
	s.metrics.UpdateActiveTenants(len(active))
}

func (s *RegistryService) stripeFor(tenantID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return &s.stripes[h.Sum32()%registryStripes]
}

// quotaFor maps an operation to the usage counter and quota bound it
// consumes. Operations without a quota dimension return capped=false.
func quotaFor(operation string, usage *model.TenantUsage, quotas model.ResourceQuotas) (used, limit int64, resource string, capped bool) {
	switch operation {
	case model.OpCreateIdentity:
		return usage.Identities, quotas.MaxIdentities, model.ResourceIdentities, true
	case model.OpIssueCredential:
		// Credentials are capped in aggregate across the identity
		// allowance
		return usage.Credentials, quotas.MaxCredentialsPerIdentity * quotas.MaxIdentities, model.ResourceCredentials, true
	case model.OpGenerateProof:
		return usage.ProofGenerations, quotas.MaxProofGenerationsPerPeriod, model.ResourceProofGenerations, true
	case model.OpRegisterApplication:
		return usage.ConnectedApplications, quotas.MaxConnectedApplications, model.ResourceConnectedApps, true
	case model.OpRegisterUser:
		return usage.ActiveUsers, quotas.MaxActiveUsers, model.ResourceActiveUsers, true
	}
	return 0, 0, "", false
}

func tenantKey(tenantID string) string {
	return tenantKeyPrefix + tenantID
}

func usageKey(tenantID string) string {
	return usageKeyPrefix + tenantID
}

func tenantCacheKey(tenantID string) string {
	return "tenant:" + tenantID
}

func usageCacheKey(tenantID string) string {
	return "tenant_usage:" + tenantID
}
