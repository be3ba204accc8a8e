package model

import "time"

// ComponentState describes the condition of a single control-plane component
type ComponentState string

const (
	ComponentHealthy   ComponentState = "healthy"
	ComponentSlow      ComponentState = "slow"
	ComponentScaling   ComponentState = "scaling"
	ComponentUnhealthy ComponentState = "unhealthy"
)

// Degrades reports whether this state should flip overall health to degraded.
// Scaling is transitional and does not count against the node.
func (s ComponentState) Degrades() bool {
	return s != ComponentHealthy && s != ComponentScaling
}

// ComponentHealth is the probe result for one component
type ComponentHealth struct {
	Component string         `json:"component"`
	State     ComponentState `json:"state"`
	Detail    string         `json:"detail,omitempty"`
	Latency   time.Duration  `json:"latency,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// OverallStatus summarizes node health
type OverallStatus string

const (
	OverallHealthy  OverallStatus = "healthy"
	OverallDegraded OverallStatus = "degraded"
)

// HealthReport aggregates all component probes
type HealthReport struct {
	Status     OverallStatus     `json:"status"`
	Components []ComponentHealth `json:"components"`
	Issues     []string          `json:"issues,omitempty"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Metric is a single recorded measurement
type Metric struct {
	Name      string            `json:"name"`
	TenantID  string            `json:"tenant_id,omitempty"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// MetricQuery selects recorded metrics by name, tenant and time range
type MetricQuery struct {
	Name     string    `json:"name"`
	TenantID string    `json:"tenant_id,omitempty"`
	From     time.Time `json:"from,omitempty"`
	To       time.Time `json:"to,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}

// MaintenanceReport summarizes one maintenance sweep
type MaintenanceReport struct {
	CacheEntriesPurged int           `json:"cache_entries_purged"`
	TenantsEvicted     int           `json:"tenants_evicted"`
	CountersDropped    int           `json:"counters_dropped"`
	SeriesPruned       int           `json:"series_pruned"`
	Duration           time.Duration `json:"duration"`
}
