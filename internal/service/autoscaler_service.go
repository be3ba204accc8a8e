package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veridex/controlplane/internal/fleet"
	"github.com/veridex/controlplane/internal/metrics"
	"github.com/veridex/controlplane/internal/model"
)

// Scaling events retained in the in-memory history
const scalingHistoryLimit = 64

// Utilization ratio below which an idle fleet sheds one instance per
// evaluation
const scaleInRatio = 0.5

// Provisioner applies an instance-count change. Implementations are
// expected to honor context cancellation.
type Provisioner interface {
	Apply(ctx context.Context, from, to int) error
}

// TimedProvisioner simulates provisioning latency: scale-ups and
// scale-downs each take a fixed duration to complete.
type TimedProvisioner struct {
	upDuration   time.Duration
	downDuration time.Duration
	clk          clock.Clock
}

// NewTimedProvisioner creates a provisioner that waits the given
// durations before reporting success
func NewTimedProvisioner(up, down time.Duration, clk clock.Clock) *TimedProvisioner {
	return &TimedProvisioner{upDuration: up, downDuration: down, clk: clk}
}

// Apply blocks for the configured duration or until the context is
// cancelled
func (p *TimedProvisioner) Apply(ctx context.Context, from, to int) error {
	d := p.upDuration
	if to < from {
		d = p.downDuration
	}
	if d <= 0 {
		return nil
	}

	timer := p.clk.Timer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AutoscalerService manages the node's instance count. Scaling runs as
// a cancellable background task: one change at a time, bounded by the
// policy, with separate cooldowns per direction. A control loop can
// drive it from fleet load signals.
type AutoscalerService struct {
	mu            sync.Mutex
	policy        model.ScalingPolicy
	current       int
	target        int
	state         model.ScalingState
	inFlight      *model.ScalingEvent
	cancelAction  context.CancelFunc
	history       []model.ScalingEvent
	lastScaleUp   time.Time
	lastScaleDown time.Time

	provisioner      Provisioner
	signals          fleet.SignalSource
	evaluateInterval time.Duration

	clk     clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewAutoscalerService creates an autoscaler holding initial instances.
// signals may be nil, in which case the control loop only reconciles
// policy bounds.
func NewAutoscalerService(
	policy model.ScalingPolicy,
	initial int,
	provisioner Provisioner,
	signals fleet.SignalSource,
	evaluateInterval time.Duration,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *AutoscalerService {
	initial = policy.Clamp(initial)
	s := &AutoscalerService{
		policy:           policy,
		current:          initial,
		target:           initial,
		state:            model.ScalingStateStable,
		provisioner:      provisioner,
		signals:          signals,
		evaluateInterval: evaluateInterval,
		clk:              clk,
		metrics:          m,
		logger:           logger,
		stopCh:           make(chan struct{}),
	}
	m.UpdateInstances(initial)
	return s
}

// RequestScale starts a scaling operation toward target instances.
// The target is clamped to the policy bounds. Returns
// ErrScalingInProgress while another change is in flight and
// ErrScalingCooldown inside the direction's cooldown window. A target
// equal to the current count returns a nil event.
func (s *AutoscalerService) RequestScale(ctx context.Context, target int, trigger string) (*model.ScalingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight != nil {
		return nil, fmt.Errorf("%w: event %s", model.ErrScalingInProgress, s.inFlight.ID)
	}

	clamped := s.policy.Clamp(target)
	if clamped == s.current {
		return nil, nil
	}

	now := s.clk.Now()
	direction := model.ScaleUp
	if clamped < s.current {
		direction = model.ScaleDown
	}

	if remaining := s.cooldownRemainingLocked(direction, now); remaining > 0 {
		return nil, fmt.Errorf("%w: %s allowed in %s", model.ErrScalingCooldown, direction, remaining)
	}

	event := model.ScalingEvent{
		ID:            uuid.NewString(),
		Timestamp:     now,
		Direction:     direction,
		PreviousCount: s.current,
		NewCount:      clamped,
		Trigger:       trigger,
		Status:        model.ScalingEventInProgress,
	}

	s.state = model.ScalingStateScaling
	s.target = clamped
	s.inFlight = &event

	// The task is detached from the caller's context; Cancel and Stop
	// are the only ways to abort it
	actionCtx, cancel := context.WithCancel(context.Background())
	s.cancelAction = cancel

	s.wg.Add(1)
	go s.runAction(actionCtx, event)

	s.logger.Info("Scaling started",
		zap.String("event_id", event.ID),
		zap.String("direction", string(direction)),
		zap.Int("from", event.PreviousCount),
		zap.Int("to", event.NewCount),
		zap.String("trigger", trigger))

	result := event
	return &result, nil
}

// Cancel aborts the in-flight scaling operation, if any. Returns true
// when a task was signalled.
func (s *AutoscalerService) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelAction == nil {
		return false
	}
	s.cancelAction()
	return true
}

// Status returns a snapshot of the autoscaler state
func (s *AutoscalerService) Status() model.ScalingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := model.ScalingStatus{
		State:            s.state,
		CurrentInstances: s.current,
		TargetInstances:  s.target,
		LastScaleUp:      s.lastScaleUp,
		LastScaleDown:    s.lastScaleDown,
		History:          append([]model.ScalingEvent(nil), s.history...),
	}
	if s.inFlight != nil {
		inFlight := *s.inFlight
		status.InFlight = &inFlight
	}
	return status
}

// CurrentInstances returns the applied instance count
func (s *AutoscalerService) CurrentInstances() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Policy returns the active scaling policy
func (s *AutoscalerService) Policy() model.ScalingPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// UpdatePolicy replaces the scaling policy. An instance count left
// outside the new bounds is reconciled by the next evaluation.
func (s *AutoscalerService) UpdatePolicy(policy model.ScalingPolicy) error {
	if policy.MinInstances < 1 {
		return fmt.Errorf("minInstances must be at least 1")
	}
	if policy.MaxInstances < policy.MinInstances {
		return fmt.Errorf("maxInstances must be at least minInstances")
	}
	if policy.TargetCPUPercent <= 0 || policy.TargetCPUPercent > 100 {
		return fmt.Errorf("targetCPUPercent must be in (0, 100]")
	}
	if policy.TargetMemoryPercent <= 0 || policy.TargetMemoryPercent > 100 {
		return fmt.Errorf("targetMemoryPercent must be in (0, 100]")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = policy

	s.logger.Info("Scaling policy updated",
		zap.Int("min_instances", policy.MinInstances),
		zap.Int("max_instances", policy.MaxInstances))
	return nil
}

// Evaluate runs one control-loop step: reconcile policy bounds, then
// compare fleet load against the utilization targets. Scale-out is
// proportional to the overload; scale-in sheds one instance at a time.
func (s *AutoscalerService) Evaluate(ctx context.Context) {
	s.mu.Lock()
	if s.inFlight != nil {
		s.mu.Unlock()
		return
	}
	policy := s.policy
	current := s.current
	s.mu.Unlock()

	if clamped := policy.Clamp(current); clamped != current {
		s.requestAbsorbed(ctx, clamped, model.TriggerManual)
		return
	}

	if s.signals == nil {
		return
	}
	signal := s.signals.Signal()
	if signal.Instances == 0 {
		return
	}

	cpuRatio := signal.CPUPercent / policy.TargetCPUPercent
	memRatio := signal.MemoryPercent / policy.TargetMemoryPercent
	ratio := math.Max(cpuRatio, memRatio)

	switch {
	case ratio > 1.0:
		desired := int(math.Ceil(float64(current) * ratio))
		trigger := model.TriggerCPU
		if memRatio > cpuRatio {
			trigger = model.TriggerMemory
		}
		s.requestAbsorbed(ctx, desired, trigger)
	case ratio < scaleInRatio && current > policy.MinInstances:
		s.requestAbsorbed(ctx, current-1, model.TriggerIdle)
	}
}

// Run drives periodic evaluations until the context is cancelled or
// Stop is called
func (s *AutoscalerService) Run(ctx context.Context) {
	interval := s.evaluateInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := s.clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Evaluate(ctx)
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// Stop cancels any in-flight scaling task, halts the control loop, and
// waits for background work to finish
func (s *AutoscalerService) Stop() {
	s.Cancel()
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *AutoscalerService) runAction(ctx context.Context, event model.ScalingEvent) {
	defer s.wg.Done()

	start := s.clk.Now()
	err := s.provisioner.Apply(ctx, event.PreviousCount, event.NewCount)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	event.Duration = now.Sub(start)

	switch {
	case err == nil:
		s.current = event.NewCount
		if event.Direction == model.ScaleUp {
			s.lastScaleUp = now
		} else {
			s.lastScaleDown = now
		}
		event.Status = model.ScalingEventCompleted
		s.metrics.UpdateInstances(s.current)
		s.logger.Info("Scaling completed",
			zap.String("event_id", event.ID),
			zap.Int("instances", s.current),
			zap.Duration("duration", event.Duration))

	case errors.Is(err, context.Canceled):
		event.Status = model.ScalingEventCancelled
		event.Error = err.Error()
		s.logger.Warn("Scaling cancelled",
			zap.String("event_id", event.ID),
			zap.Int("instances", s.current))

	default:
		event.Status = model.ScalingEventFailed
		event.Error = err.Error()
		s.logger.Error("Scaling failed",
			zap.String("event_id", event.ID),
			zap.Int("instances", s.current),
			zap.Error(err))
	}

	s.state = model.ScalingStateStable
	s.inFlight = nil
	s.cancelAction = nil
	s.target = s.current
	s.metrics.RecordScalingEvent(string(event.Direction), string(event.Status))

	s.history = append(s.history, event)
	if len(s.history) > scalingHistoryLimit {
		s.history = s.history[len(s.history)-scalingHistoryLimit:]
	}
}

func (s *AutoscalerService) cooldownRemainingLocked(direction model.ScalingDirection, now time.Time) time.Duration {
	var last time.Time
	var cooldown time.Duration
	if direction == model.ScaleUp {
		last, cooldown = s.lastScaleUp, s.policy.ScaleUpCooldown
	} else {
		last, cooldown = s.lastScaleDown, s.policy.ScaleDownCooldown
	}
	if last.IsZero() || cooldown <= 0 {
		return 0
	}
	return last.Add(cooldown).Sub(now)
}

// requestAbsorbed issues a scale request from the control loop,
// logging instead of propagating the expected refusals
func (s *AutoscalerService) requestAbsorbed(ctx context.Context, target int, trigger string) {
	_, err := s.RequestScale(ctx, target, trigger)
	if err != nil {
		s.logger.Debug("Evaluation skipped scaling",
			zap.Int("target", target),
			zap.String("trigger", trigger),
			zap.Error(err))
	}
}
