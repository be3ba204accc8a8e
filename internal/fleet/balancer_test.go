package fleet

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeView returns a fixed instance set for balancer and signal tests
type fakeView struct {
	local     *LocalInstance
	instances []Instance
}

func (v *fakeView) Local() *LocalInstance { return v.local }

func (v *fakeView) Instances() []Instance {
	return append([]Instance(nil), v.instances...)
}

func newFakeView(mock *clock.Mock, instances ...Instance) *fakeView {
	return &fakeView{
		local:     NewLocalInstance("local", "127.0.0.1:7000", mock),
		instances: instances,
	}
}

func TestBalancerRoundRobin(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	view := newFakeView(mock,
		Instance{ID: "a", LastSeen: now},
		Instance{ID: "b", LastSeen: now},
		Instance{ID: "c", LastSeen: now},
	)

	b := NewBalancer(view, StrategyRoundRobin, 30*time.Second, mock)

	var picked []string
	for i := 0; i < 6; i++ {
		inst, err := b.Pick()
		require.NoError(t, err)
		picked = append(picked, inst.ID)
	}

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picked)
}

func TestBalancerLeastLoaded(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	view := newFakeView(mock,
		Instance{ID: "busy", InFlight: 40, CPUPercent: 80, LastSeen: now},
		Instance{ID: "idle", InFlight: 2, CPUPercent: 10, LastSeen: now},
		Instance{ID: "medium", InFlight: 15, CPUPercent: 50, LastSeen: now},
	)

	b := NewBalancer(view, StrategyLeastLoaded, 30*time.Second, mock)

	inst, err := b.Pick()
	require.NoError(t, err)
	assert.Equal(t, "idle", inst.ID)
}

func TestBalancerLeastLoadedCPUTiebreak(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	view := newFakeView(mock,
		Instance{ID: "hot", InFlight: 5, CPUPercent: 90, LastSeen: now},
		Instance{ID: "cool", InFlight: 5, CPUPercent: 20, LastSeen: now},
	)

	b := NewBalancer(view, StrategyLeastLoaded, 30*time.Second, mock)

	inst, err := b.Pick()
	require.NoError(t, err)
	assert.Equal(t, "cool", inst.ID)
}

func TestBalancerSkipsStaleInstances(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	view := newFakeView(mock,
		Instance{ID: "stale", InFlight: 0, LastSeen: now.Add(-2 * time.Minute)},
		Instance{ID: "fresh", InFlight: 100, LastSeen: now},
	)

	b := NewBalancer(view, StrategyLeastLoaded, 30*time.Second, mock)

	inst, err := b.Pick()
	require.NoError(t, err)
	assert.Equal(t, "fresh", inst.ID)
}

func TestBalancerNoLiveInstances(t *testing.T) {
	mock := clock.NewMock()
	view := newFakeView(mock,
		Instance{ID: "stale", LastSeen: mock.Now().Add(-time.Hour)},
	)

	b := NewBalancer(view, StrategyRoundRobin, 30*time.Second, mock)

	_, err := b.Pick()
	assert.ErrorIs(t, err, ErrNoInstances)
}

func TestSignalSourceAggregates(t *testing.T) {
	mock := clock.NewMock()
	now := mock.Now()
	view := newFakeView(mock,
		Instance{ID: "a", CPUPercent: 60, MemPercent: 40, InFlight: 10, LastSeen: now},
		Instance{ID: "b", CPUPercent: 80, MemPercent: 60, InFlight: 30, LastSeen: now},
		Instance{ID: "old", CPUPercent: 100, MemPercent: 100, InFlight: 99, LastSeen: now.Add(-time.Hour)},
	)

	source := NewViewSignalSource(view, 30*time.Second, mock)
	signal := source.Signal()

	assert.Equal(t, 2, signal.Instances)
	assert.InDelta(t, 70.0, signal.CPUPercent, 0.001)
	assert.InDelta(t, 50.0, signal.MemoryPercent, 0.001)
	assert.Equal(t, int64(40), signal.InFlight)
}

func TestSignalSourceEmptyView(t *testing.T) {
	mock := clock.NewMock()
	view := &fakeView{local: NewLocalInstance("local", "", mock)}

	source := NewViewSignalSource(view, 30*time.Second, mock)
	signal := source.Signal()

	assert.Equal(t, 0, signal.Instances)
	assert.Zero(t, signal.CPUPercent)
}

func TestLocalInstanceUpdate(t *testing.T) {
	mock := clock.NewMock()
	local := NewLocalInstance("node-1", "10.0.0.1:7946", mock)

	local.Update(55, 35, 7)
	snap := local.Snapshot()

	assert.Equal(t, "node-1", snap.ID)
	assert.Equal(t, 55.0, snap.CPUPercent)
	assert.Equal(t, 35.0, snap.MemPercent)
	assert.Equal(t, int64(7), snap.InFlight)
}

func TestLocalInstanceInFlightFloor(t *testing.T) {
	mock := clock.NewMock()
	local := NewLocalInstance("node-1", "", mock)

	local.AddInFlight(3)
	local.AddInFlight(-10)

	assert.Equal(t, int64(0), local.Snapshot().InFlight)
}

func TestStaticViewContainsLocal(t *testing.T) {
	mock := clock.NewMock()
	local := NewLocalInstance("solo", "", mock)
	view := NewStaticView(local)

	instances := view.Instances()
	require.Len(t, instances, 1)
	assert.Equal(t, "solo", instances[0].ID)
}
