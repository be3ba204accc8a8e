package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/veridex/controlplane/internal/model"
	"github.com/veridex/controlplane/internal/service"
)

// Checker serves the ops endpoints: liveness, readiness, and the full
// control-plane status
type Checker struct {
	coordinator *service.CoordinatorService
	logger      *zap.Logger
}

// ProbeStatus is the response for liveness and readiness probes
type ProbeStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// StatusResponse is the full ops status payload
type StatusResponse struct {
	Health    model.HealthReport  `json:"health"`
	Cache     model.CacheStats    `json:"cache"`
	Scaling   model.ScalingStatus `json:"scaling"`
	Timestamp int64               `json:"timestamp"`
}

// NewChecker creates the ops endpoint handler
func NewChecker(coordinator *service.CoordinatorService, logger *zap.Logger) *Checker {
	return &Checker{
		coordinator: coordinator,
		logger:      logger,
	}
}

// LivenessHandler answers liveness probe requests
func (c *Checker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := ProbeStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// ReadinessHandler probes every component and answers 503 while the
// node is degraded
func (c *Checker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report := c.coordinator.Health(ctx)

	checks := make(map[string]string, len(report.Components))
	for _, component := range report.Components {
		if component.State == model.ComponentHealthy {
			checks[component.Component] = string(component.State)
		} else {
			checks[component.Component] = fmt.Sprintf("%s: %s", component.State, component.Detail)
		}
	}

	status := ProbeStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")
	if report.Status == model.OverallHealthy {
		status.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// StatusHandler returns the full health report plus cache and scaling
// snapshots
func (c *Checker) StatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := StatusResponse{
		Health:    c.coordinator.Health(ctx),
		Cache:     c.coordinator.CacheStats(),
		Scaling:   c.coordinator.ScalingStatus(),
		Timestamp: time.Now().Unix(),
	}

	c.writeJSON(w, response)
}

// ScalingStatusHandler returns the autoscaler snapshot
func (c *Checker) ScalingStatusHandler(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, c.coordinator.ScalingStatus())
}

// CacheStatsHandler returns the cache tier statistics
func (c *Checker) CacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, c.coordinator.CacheStats())
}

func (c *Checker) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Handler returns the ops mux
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", c.LivenessHandler)
	mux.HandleFunc("/health/ready", c.ReadinessHandler)
	mux.HandleFunc("/status", c.StatusHandler)
	mux.HandleFunc("/status/scaling", c.ScalingStatusHandler)
	mux.HandleFunc("/status/cache", c.CacheStatsHandler)
	return mux
}

// NewServer wraps the ops mux in an HTTP server with sane timeouts
func NewServer(c *Checker, host string, port int) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      c.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
