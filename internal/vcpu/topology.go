package vcpu

// Topology describes the guest's socket/die/cluster/core/thread decomposition,
// matching the original CpuTopology layout: NumCPUs logical CPUs are laid
// out dense-first within MaxCPUs hotpluggable slots.
type Topology struct {
	NumCPUs  int
	MaxCPUs  int
	Sockets  int
	Dies     int
	Clusters int
	Cores    int
	Threads  int

	online []bool // length MaxCPUs
}

// NewTopology builds a Topology, raising maxCPUs to numCPUs if it is
// smaller and marking the first NumCPUs slots online. The dimensions are
// not otherwise checked.
func NewTopology(numCPUs, maxCPUs, sockets, dies, clusters, cores, threads int) *Topology {
	if maxCPUs < numCPUs {
		maxCPUs = numCPUs
	}
	t := &Topology{
		NumCPUs:  numCPUs,
		MaxCPUs:  maxCPUs,
		Sockets:  sockets,
		Dies:     dies,
		Clusters: clusters,
		Cores:    cores,
		Threads:  threads,
		online:   make([]bool, maxCPUs),
	}
	for i := 0; i < numCPUs && i < maxCPUs; i++ {
		t.online[i] = true
	}
	return t
}

// TopoItem is the decomposed socket/die/cluster/core/thread address of a
// logical CPU index.
type TopoItem struct {
	SocketID  int
	DieID     int
	ClusterID int
	CoreID    int
	ThreadID  int
}

// GetTopoItem decomposes a logical CPU index (0-based, < MaxCPUs) into its
// socket/die/cluster/core/thread coordinates. The decomposition is a mixed
// radix expansion in Threads, Cores, Clusters, Dies order, matching the
// original cpu::CpuTopology::get_topo_item formula exactly.
func (t *Topology) GetTopoItem(vcpuID int) TopoItem {
	threadID := vcpuID % t.Threads
	rest := vcpuID / t.Threads
	coreID := rest % t.Cores
	rest /= t.Cores
	clusterID := rest % t.Clusters
	rest /= t.Clusters
	dieID := rest % t.Dies
	rest /= t.Dies
	socketID := rest % t.Sockets

	return TopoItem{
		SocketID:  socketID,
		DieID:     dieID,
		ClusterID: clusterID,
		CoreID:    coreID,
		ThreadID:  threadID,
	}
}

// IsOnline reports whether the logical slot is currently populated by a
// vCPU (as opposed to a hotplug-reserved but empty slot).
func (t *Topology) IsOnline(vcpuID int) bool {
	if vcpuID < 0 || vcpuID >= len(t.online) {
		return false
	}
	return t.online[vcpuID]
}

// SetOnline marks a hotplug slot populated or empty.
func (t *Topology) SetOnline(vcpuID int, online bool) {
	if vcpuID < 0 || vcpuID >= len(t.online) {
		return
	}
	t.online[vcpuID] = online
}
