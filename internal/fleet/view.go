package fleet

// View exposes the known fleet members. The local instance is always
// included in Instances.
type View interface {
	Local() *LocalInstance
	Instances() []Instance
}

// StaticView is the single-node view used when gossip is disabled
type StaticView struct {
	local *LocalInstance
}

// NewStaticView creates a view containing only the local instance
func NewStaticView(local *LocalInstance) *StaticView {
	return &StaticView{local: local}
}

// Local returns the local instance record
func (v *StaticView) Local() *LocalInstance {
	return v.local
}

// Instances returns the local instance snapshot
func (v *StaticView) Instances() []Instance {
	return []Instance{v.local.Snapshot()}
}
