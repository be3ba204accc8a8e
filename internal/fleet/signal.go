package fleet

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/veridex/controlplane/internal/model"
)

// SignalSource produces the load signal the autoscaler evaluates
type SignalSource interface {
	Signal() model.LoadSignal
}

// ViewSignalSource aggregates a fleet view into a load signal. Peers not
// seen within the staleness window are ignored.
type ViewSignalSource struct {
	view      View
	staleness time.Duration
	clk       clock.Clock
}

// NewViewSignalSource creates a signal source over a fleet view
func NewViewSignalSource(view View, staleness time.Duration, clk clock.Clock) *ViewSignalSource {
	if staleness <= 0 {
		staleness = 30 * time.Second
	}
	return &ViewSignalSource{
		view:      view,
		staleness: staleness,
		clk:       clk,
	}
}

// Signal returns mean CPU and memory utilization across live instances
func (s *ViewSignalSource) Signal() model.LoadSignal {
	now := s.clk.Now()
	cutoff := now.Add(-s.staleness)

	var cpuSum, memSum float64
	var inFlight int64
	live := 0

	for _, inst := range s.view.Instances() {
		if inst.LastSeen.Before(cutoff) {
			continue
		}
		cpuSum += inst.CPUPercent
		memSum += inst.MemPercent
		inFlight += inst.InFlight
		live++
	}

	signal := model.LoadSignal{
		Instances: live,
		InFlight:  inFlight,
		SampledAt: now,
	}
	if live > 0 {
		signal.CPUPercent = cpuSum / float64(live)
		signal.MemoryPercent = memSum / float64(live)
	}
	return signal
}
