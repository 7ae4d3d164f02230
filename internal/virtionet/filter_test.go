package virtionet

import "testing"

// ethFrame builds a frame buffer starting at the destination MAC (i.e. the
// Ethernet header with the virtio-net header already stripped): dst(6) |
// src(6) | [TPID(2) TCI(2)]? | ... matching FilterPacket's expected input.
func ethFrame(dst [6]byte, vlanTag bool, vid uint16) []byte {
	buf := make([]byte, 32)
	copy(buf[0:6], dst[:])
	// buf[6:12] is the source MAC; left zeroed, it is never inspected.
	if vlanTag {
		buf[12], buf[13] = 0x81, 0x00
		buf[14] = byte(vid >> 8)
		buf[15] = byte(vid)
	}
	return buf
}

func TestFilterPromiscAcceptsEverything(t *testing.T) {
	c := NewCtrlInfo([6]byte{1, 2, 3, 4, 5, 6})
	frame := ethFrame([6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, false, 0)
	if !c.FilterPacket(frame) {
		t.Fatal("promiscuous mode must accept any packet")
	}
}

func TestFilterBroadcastToggle(t *testing.T) {
	c := NewCtrlInfo([6]byte{1, 2, 3, 4, 5, 6})
	c.mode.promisc = false
	frame := make([]byte, ethernetHdrLen)
	for i := range frame[:6] {
		frame[i] = 0xff
	}

	if !c.FilterPacket(frame) {
		t.Fatal("broadcast should be accepted by default (no_bcast unset)")
	}
	c.mode.noBcast = true
	if c.FilterPacket(frame) {
		t.Fatal("broadcast should be dropped once no_bcast is set")
	}
}

func TestFilterUnicastOwnAddressAlwaysAccepted(t *testing.T) {
	mac := [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	c := NewCtrlInfo(mac)
	c.mode.promisc = false
	frame := make([]byte, ethernetHdrLen)
	copy(frame[0:6], mac[:])
	if !c.FilterPacket(frame) {
		t.Fatal("packet addressed to the device's own MAC must be accepted")
	}
}

func TestFilterUnicastTableMembership(t *testing.T) {
	c := NewCtrlInfo([6]byte{9, 9, 9, 9, 9, 9})
	c.mode.promisc = false
	other := [6]byte{1, 1, 1, 1, 1, 1}
	frame := make([]byte, ethernetHdrLen)
	copy(frame[0:6], other[:])

	if c.FilterPacket(frame) {
		t.Fatal("unicast not in table and not all_uni should be dropped")
	}
	c.uniMAC.setEntries([][6]byte{other}, 0)
	if !c.FilterPacket(frame) {
		t.Fatal("unicast present in table should be accepted")
	}
}

func TestFilterVLANMembership(t *testing.T) {
	c := NewCtrlInfo([6]byte{1, 1, 1, 1, 1, 1})
	c.mode.promisc = false
	c.mode.allUni = true
	dst := [6]byte{2, 2, 2, 2, 2, 2}
	frame := ethFrame(dst, true, 7)

	if c.FilterPacket(frame) {
		t.Fatal("VLAN 7 not yet added should be rejected")
	}
	if !c.vlanAdd(7) {
		t.Fatal("vlanAdd(7) should succeed")
	}
	if !c.FilterPacket(frame) {
		t.Fatal("VLAN 7 after add should be accepted")
	}
	c.vlanDel(7)
	if c.FilterPacket(frame) {
		t.Fatal("VLAN 7 after del should be rejected again")
	}
}

func TestFilterVLANOutOfRangeRejected(t *testing.T) {
	c := NewCtrlInfo([6]byte{})
	if c.vlanAdd(maxVLAN) {
		t.Fatal("vlanAdd must reject vid >= maxVLAN")
	}
}
