package fleet

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipConfig holds gossip membership configuration
type GossipConfig struct {
	NodeName  string
	BindAddr  string
	BindPort  int
	SeedNodes []string
	Interval  time.Duration
}

// GossipView tracks fleet members over a memberlist gossip mesh. Each
// node publishes its load snapshot as node metadata; peers merge what
// they see into the view.
type GossipView struct {
	local  *LocalInstance
	peers  map[string]Instance
	mu     sync.RWMutex
	ml     *memberlist.Memberlist
	clk    clock.Clock
	logger *zap.Logger
}

// NewGossipView creates a gossip-backed fleet view and joins the seeds
func NewGossipView(cfg GossipConfig, local *LocalInstance, clk clock.Clock, logger *zap.Logger) (*GossipView, error) {
	v := &GossipView{
		local:  local,
		peers:  make(map[string]Instance),
		clk:    clk,
		logger: logger,
	}

	// Configure memberlist
	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeName
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	if cfg.Interval > 0 {
		mlConfig.GossipInterval = cfg.Interval
	}
	mlConfig.Delegate = v
	mlConfig.Events = &gossipEventDelegate{view: v}

	// Create memberlist
	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	v.ml = ml

	// Join seed nodes
	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return v, nil
}

// Local returns the local instance record
func (v *GossipView) Local() *LocalInstance {
	return v.local
}

// Instances returns the local snapshot plus all known peers
func (v *GossipView) Instances() []Instance {
	v.mu.RLock()
	defer v.mu.RUnlock()

	instances := make([]Instance, 0, len(v.peers)+1)
	instances = append(instances, v.local.Snapshot())
	for _, peer := range v.peers {
		instances = append(instances, peer)
	}
	return instances
}

// Shutdown leaves the mesh and stops gossiping
func (v *GossipView) Shutdown() error {
	return v.ml.Shutdown()
}

func (v *GossipView) mergePeer(data []byte) {
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		v.logger.Warn("Failed to unmarshal peer load data", zap.Error(err))
		return
	}
	if inst.ID == "" || inst.ID == v.local.Snapshot().ID {
		return
	}
	inst.LastSeen = v.clk.Now()

	v.mu.Lock()
	v.peers[inst.ID] = inst
	v.mu.Unlock()
}

// dropPeer removes a peer by memberlist node name. Instance IDs equal
// memberlist names; both come from the configured node name.
func (v *GossipView) dropPeer(name string) {
	v.mu.Lock()
	delete(v.peers, name)
	v.mu.Unlock()
}

// NodeMeta implements memberlist.Delegate
func (v *GossipView) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(v.local.Snapshot())
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (v *GossipView) NotifyMsg(data []byte) {
	v.mergePeer(data)
}

// GetBroadcasts implements memberlist.Delegate
func (v *GossipView) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (v *GossipView) LocalState(join bool) []byte {
	data, _ := json.Marshal(v.local.Snapshot())
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (v *GossipView) MergeRemoteState(buf []byte, join bool) {
	v.mergePeer(buf)
}

// gossipEventDelegate handles memberlist membership events
type gossipEventDelegate struct {
	view *GossipView
}

// NotifyJoin is called when a node joins
func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.view.logger.Info("Fleet node joined",
		zap.String("node", node.Name),
		zap.String("addr", node.Addr.String()))
	if len(node.Meta) > 0 {
		d.view.mergePeer(node.Meta)
	}
}

// NotifyLeave is called when a node leaves
func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.view.logger.Info("Fleet node left", zap.String("node", node.Name))
	d.view.dropPeer(node.Name)
}

// NotifyUpdate is called when a node's metadata changes
func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	if len(node.Meta) > 0 {
		d.view.mergePeer(node.Meta)
	}
}
