package fleet

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Instance describes one control-plane node in the fleet
type Instance struct {
	ID         string    `json:"id"`
	Addr       string    `json:"addr"`
	CPUPercent float64   `json:"cpu_percent"`
	MemPercent float64   `json:"mem_percent"`
	InFlight   int64     `json:"in_flight"`
	LastSeen   time.Time `json:"last_seen"`
}

// LocalInstance is the mutable record for this node. The embedding node
// reports its utilization here; the fleet view and gossip layer read
// snapshots from it.
type LocalInstance struct {
	mu   sync.RWMutex
	inst Instance
	clk  clock.Clock
}

// NewLocalInstance creates the local instance record
func NewLocalInstance(id, addr string, clk clock.Clock) *LocalInstance {
	return &LocalInstance{
		inst: Instance{
			ID:       id,
			Addr:     addr,
			LastSeen: clk.Now(),
		},
		clk: clk,
	}
}

// Update reports current utilization for this node
func (l *LocalInstance) Update(cpuPercent, memPercent float64, inFlight int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.inst.CPUPercent = cpuPercent
	l.inst.MemPercent = memPercent
	l.inst.InFlight = inFlight
	l.inst.LastSeen = l.clk.Now()
}

// AddInFlight adjusts the in-flight request count by delta
func (l *LocalInstance) AddInFlight(delta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.inst.InFlight += delta
	if l.inst.InFlight < 0 {
		l.inst.InFlight = 0
	}
	l.inst.LastSeen = l.clk.Now()
}

// Snapshot returns a copy of the local record, stamped fresh
func (l *LocalInstance) Snapshot() Instance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	inst := l.inst
	inst.LastSeen = l.clk.Now()
	return inst
}
