package model

import "time"

// TenantStatus defines the lifecycle state of a tenant
type TenantStatus string

const (
	TenantStatusActive     TenantStatus = "active"
	TenantStatusSuspended  TenantStatus = "suspended"
	TenantStatusTerminated TenantStatus = "terminated"
)

// SubscriptionTier defines the service tier a tenant is subscribed to
type SubscriptionTier string

const (
	TierFree         SubscriptionTier = "free"
	TierProfessional SubscriptionTier = "professional"
	TierEnterprise   SubscriptionTier = "enterprise"
	TierGovernment   SubscriptionTier = "government"
)

// ValidTier reports whether t is a known subscription tier
func ValidTier(t SubscriptionTier) bool {
	switch t {
	case TierFree, TierProfessional, TierEnterprise, TierGovernment:
		return true
	}
	return false
}

// Tenant represents an isolated tenant hosted on the node
type Tenant struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Tier      SubscriptionTier  `json:"tier"`
	Status    TenantStatus      `json:"status"`
	Quotas    ResourceQuotas    `json:"quotas"`
	ShardKey  string            `json:"shard_key"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// IsActive reports whether the tenant may serve requests
func (t *Tenant) IsActive() bool {
	return t.Status == TenantStatusActive
}

// ResourceQuotas caps the resources a tenant may consume
type ResourceQuotas struct {
	MaxIdentities                int64 `json:"max_identities"`
	MaxCredentialsPerIdentity    int64 `json:"max_credentials_per_identity"`
	MaxProofGenerationsPerPeriod int64 `json:"max_proof_generations_per_period"`
	MaxRequestsPerSecond         int64 `json:"max_requests_per_second"`
	MaxStorageGB                 int64 `json:"max_storage_gb"`
	MaxActiveUsers               int64 `json:"max_active_users"`
	MaxConnectedApplications     int64 `json:"max_connected_applications"`
}

// TenantUsage tracks per-tenant resource consumption counters
type TenantUsage struct {
	TenantID              string    `json:"tenant_id"`
	Identities            int64     `json:"identities"`
	Credentials           int64     `json:"credentials"`
	ProofGenerations      int64     `json:"proof_generations"`
	StorageBytes          int64     `json:"storage_bytes"`
	ActiveUsers           int64     `json:"active_users"`
	ConnectedApplications int64     `json:"connected_applications"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Resource names accepted by usage reporting
const (
	ResourceIdentities       = "identities"
	ResourceCredentials      = "credentials"
	ResourceProofGenerations = "proof_generations"
	ResourceStorageBytes     = "storage_bytes"
	ResourceActiveUsers      = "active_users"
	ResourceConnectedApps    = "connected_applications"
)

// Well-known operation names checked against quotas and rate limits
const (
	OpCreateIdentity      = "create_identity"
	OpIssueCredential     = "issue_credential"
	OpGenerateProof       = "generate_proof"
	OpRegisterApplication = "register_application"
	OpRegisterUser        = "register_user"
)
