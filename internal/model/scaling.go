package model

import "time"

// ScalingState represents the autoscaler lifecycle state
type ScalingState string

const (
	// ScalingStateStable indicates no scaling operation is running
	ScalingStateStable ScalingState = "stable"
	// ScalingStateScaling indicates an instance-count change is in flight
	ScalingStateScaling ScalingState = "scaling"
)

// ScalingDirection indicates whether capacity is being added or removed
type ScalingDirection string

const (
	ScaleUp   ScalingDirection = "scale_up"
	ScaleDown ScalingDirection = "scale_down"
)

// Triggers recorded on scaling events
const (
	TriggerManual = "manual"
	TriggerCPU    = "cpu"
	TriggerMemory = "memory"
	TriggerIdle   = "idle"
)

// ScalingEventStatus tracks the outcome of a scaling event
type ScalingEventStatus string

const (
	ScalingEventInProgress ScalingEventStatus = "in_progress"
	ScalingEventCompleted  ScalingEventStatus = "completed"
	ScalingEventFailed     ScalingEventStatus = "failed"
	ScalingEventCancelled  ScalingEventStatus = "cancelled"
)

// ScalingEvent records a single instance-count change attempt
type ScalingEvent struct {
	ID            string             `json:"id"`
	Timestamp     time.Time          `json:"timestamp"`
	Direction     ScalingDirection   `json:"direction"`
	PreviousCount int                `json:"previous_count"`
	NewCount      int                `json:"new_count"`
	Trigger       string             `json:"trigger"`
	Status        ScalingEventStatus `json:"status"`
	Duration      time.Duration      `json:"duration"`
	Error         string             `json:"error,omitempty"`
}

// ScalingStatus is a point-in-time snapshot of the autoscaler
type ScalingStatus struct {
	State            ScalingState   `json:"state"`
	CurrentInstances int            `json:"current_instances"`
	TargetInstances  int            `json:"target_instances"`
	LastScaleUp      time.Time      `json:"last_scale_up,omitempty"`
	LastScaleDown    time.Time      `json:"last_scale_down,omitempty"`
	InFlight         *ScalingEvent  `json:"in_flight,omitempty"`
	History          []ScalingEvent `json:"history"`
}

// ScalingPolicy bounds and tunes autoscaling decisions
type ScalingPolicy struct {
	MinInstances        int           `json:"min_instances"`
	MaxInstances        int           `json:"max_instances"`
	TargetCPUPercent    float64       `json:"target_cpu_percent"`
	TargetMemoryPercent float64       `json:"target_memory_percent"`
	ScaleUpCooldown     time.Duration `json:"scale_up_cooldown"`
	ScaleDownCooldown   time.Duration `json:"scale_down_cooldown"`
}

// Clamp bounds target into [MinInstances, MaxInstances]
func (p ScalingPolicy) Clamp(target int) int {
	if target < p.MinInstances {
		return p.MinInstances
	}
	if target > p.MaxInstances {
		return p.MaxInstances
	}
	return target
}

// LoadSignal aggregates fleet utilization for scaling decisions
type LoadSignal struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	Instances     int       `json:"instances"`
	InFlight      int64     `json:"in_flight"`
	SampledAt     time.Time `json:"sampled_at"`
}
