package vcpu

import "testing"

func TestTopologyGetTopoItem(t *testing.T) {
	// 2 sockets x 1 die x 1 cluster x 2 cores x 2 threads = 8 logical CPUs.
	topo := NewTopology(8, 8, 2, 1, 1, 2, 2)

	cases := []struct {
		id   int
		want TopoItem
	}{
		{0, TopoItem{SocketID: 0, DieID: 0, ClusterID: 0, CoreID: 0, ThreadID: 0}},
		{1, TopoItem{SocketID: 0, DieID: 0, ClusterID: 0, CoreID: 0, ThreadID: 1}},
		{2, TopoItem{SocketID: 0, DieID: 0, ClusterID: 0, CoreID: 1, ThreadID: 0}},
		{4, TopoItem{SocketID: 1, DieID: 0, ClusterID: 0, CoreID: 0, ThreadID: 0}},
		{7, TopoItem{SocketID: 1, DieID: 0, ClusterID: 0, CoreID: 1, ThreadID: 1}},
	}
	for _, c := range cases {
		got := topo.GetTopoItem(c.id)
		if got != c.want {
			t.Errorf("GetTopoItem(%d) = %+v, want %+v", c.id, got, c.want)
		}
	}
}

func TestTopologyOnline(t *testing.T) {
	topo := NewTopology(2, 4, 1, 1, 1, 2, 2)
	if !topo.IsOnline(0) || !topo.IsOnline(1) {
		t.Fatal("expected first NumCPUs slots online")
	}
	if topo.IsOnline(2) || topo.IsOnline(3) {
		t.Fatal("expected hotplug-reserved slots offline by default")
	}
	topo.SetOnline(2, true)
	if !topo.IsOnline(2) {
		t.Fatal("expected slot 2 online after SetOnline")
	}
}

func TestTopologyOutOfRange(t *testing.T) {
	topo := NewTopology(1, 1, 1, 1, 1, 1, 1)
	if topo.IsOnline(5) {
		t.Fatal("expected out-of-range index to report offline, not panic")
	}
	topo.SetOnline(-1, true) // must not panic
}
