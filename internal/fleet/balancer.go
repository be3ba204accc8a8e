package fleet

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Balancing strategies
const (
	StrategyRoundRobin  = "round_robin"
	StrategyLeastLoaded = "least_loaded"
)

// ErrNoInstances is returned when no live instance is available
var ErrNoInstances = errors.New("no live instances available")

// Balancer picks an instance for request routing. Instances not seen
// within the staleness window are skipped.
type Balancer struct {
	view      View
	strategy  string
	staleness time.Duration
	counter   uint64
	clk       clock.Clock
}

// NewBalancer creates a balancer over a fleet view
func NewBalancer(view View, strategy string, staleness time.Duration, clk clock.Clock) *Balancer {
	if staleness <= 0 {
		staleness = 30 * time.Second
	}
	return &Balancer{
		view:      view,
		strategy:  strategy,
		staleness: staleness,
		clk:       clk,
	}
}

// Pick selects an instance according to the configured strategy
func (b *Balancer) Pick() (Instance, error) {
	live := b.liveInstances()
	if len(live) == 0 {
		return Instance{}, ErrNoInstances
	}

	switch b.strategy {
	case StrategyLeastLoaded:
		return b.pickLeastLoaded(live), nil
	default:
		return b.pickRoundRobin(live), nil
	}
}

func (b *Balancer) liveInstances() []Instance {
	cutoff := b.clk.Now().Add(-b.staleness)

	instances := b.view.Instances()
	live := instances[:0]
	for _, inst := range instances {
		if !inst.LastSeen.Before(cutoff) {
			live = append(live, inst)
		}
	}
	return live
}

func (b *Balancer) pickRoundRobin(live []Instance) Instance {
	n := atomic.AddUint64(&b.counter, 1)
	return live[(n-1)%uint64(len(live))]
}

func (b *Balancer) pickLeastLoaded(live []Instance) Instance {
	best := live[0]
	for _, inst := range live[1:] {
		if inst.InFlight < best.InFlight ||
			(inst.InFlight == best.InFlight && inst.CPUPercent < best.CPUPercent) {
			best = inst
		}
	}
	return best
}
