package model

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by control-plane operations. Callers match
// them with errors.Is; services wrap them with operation context.
var (
	// ErrTenantAlreadyExists is returned when creating a tenant whose
	// identifier is already registered
	ErrTenantAlreadyExists = errors.New("tenant already exists")
	// ErrTenantNotFound is returned for lookups of unknown tenants
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrTenantIsolationViolation is returned when a tenant fails an
	// isolation check (inactive status or shard mismatch)
	ErrTenantIsolationViolation = errors.New("tenant isolation violation")
	// ErrQuotaExceeded is returned when an operation would push a tenant
	// past one of its resource quotas
	ErrQuotaExceeded = errors.New("resource quota exceeded")
	// ErrScalingInProgress is returned when a scaling request arrives
	// while another instance-count change is in flight
	ErrScalingInProgress = errors.New("scaling operation already in progress")
	// ErrScalingCooldown is returned when a scaling request arrives
	// before the per-direction cooldown has elapsed
	ErrScalingCooldown = errors.New("scaling cooldown active")
	// ErrRateLimitExceeded is returned when a tenant exhausts its
	// request budget for the current window
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// RateLimitError carries the retry hint for a denied request.
// It matches ErrRateLimitExceeded under errors.Is.
type RateLimitError struct {
	TenantID   string
	Operation  string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for tenant %s operation %s, retry after %s",
		e.TenantID, e.Operation, e.RetryAfter)
}

// Is lets errors.Is(err, ErrRateLimitExceeded) match wrapped instances
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}
