package virtionet

const (
	maxVLAN       = 1 << 12
	ethernetHdrLen = 14
)

// rxMode holds the boolean filter switches the control queue's RX-mode
// command toggles. promisc defaults true, matching the original device's
// default (many guest drivers assume promiscuous reception works before
// they've issued their first RX-mode command).
type rxMode struct {
	promisc  bool
	allMulti bool
	allUni   bool
	noMulti  bool
	noUni    bool
	noBcast  bool
}

func defaultRxMode() rxMode {
	return rxMode{promisc: true}
}

// CtrlInfo is the device-side filtering state driven entirely by the
// control virtqueue: RX mode switches, the unicast/multicast MAC tables,
// and the VLAN membership bitmap.
type CtrlInfo struct {
	mode rxMode

	uniMAC   *macTable
	multiMAC *macTable

	vlanMap map[uint16]uint32

	mac [6]byte // the device's own unicast MAC, for the "addressed to us" check
}

// NewCtrlInfo creates filtering state seeded with the device's own MAC.
func NewCtrlInfo(mac [6]byte) *CtrlInfo {
	return &CtrlInfo{
		mode:     defaultRxMode(),
		uniMAC:   newMACTable(),
		multiMAC: newMACTable(),
		vlanMap:  make(map[uint16]uint32),
		mac:      mac,
	}
}

func (c *CtrlInfo) setMAC(mac [6]byte) {
	c.mac = mac
}

func (c *CtrlInfo) vlanAllowed(vid uint16) bool {
	word := c.vlanMap[vid>>5]
	return word&(1<<(vid&0x1f)) != 0
}

func (c *CtrlInfo) vlanAdd(vid uint16) bool {
	if vid >= maxVLAN {
		return false
	}
	c.vlanMap[vid>>5] |= 1 << (vid & 0x1f)
	return true
}

func (c *CtrlInfo) vlanDel(vid uint16) bool {
	if vid >= maxVLAN {
		return false
	}
	c.vlanMap[vid>>5] &^= 1 << (vid & 0x1f)
	return true
}

// FilterPacket decides whether an Ethernet frame (buf starts at the
// destination MAC, i.e. right after the virtio-net header) should be
// delivered to the guest. Mirrors CtrlInfo::filter_packets exactly:
// promiscuous mode bypasses everything; otherwise an 802.1Q tag is checked
// against the VLAN bitmap, then broadcast/multicast/unicast destinations
// are checked against the rx-mode switches and MAC tables in that order.
// Returns true if the packet should be delivered.
func (c *CtrlInfo) FilterPacket(buf []byte) bool {
	if c.mode.promisc {
		return true
	}
	if len(buf) < ethernetHdrLen {
		return false
	}

	// An 802.1Q tag sits after the 12 bytes of dst+src MAC: a 2-byte TPID
	// (0x8100) followed by a 2-byte TCI whose low 12 bits are the VID.
	if buf[12] == 0x81 && buf[13] == 0x00 {
		if len(buf) < 16 {
			return false
		}
		vid := (uint16(buf[14]) << 8) | uint16(buf[15])
		vid &= 0x0fff
		if !c.vlanAllowed(vid) {
			return false
		}
	}

	dst := buf[0:6]
	isBroadcast := dst[0] == 0xff && dst[1] == 0xff && dst[2] == 0xff &&
		dst[3] == 0xff && dst[4] == 0xff && dst[5] == 0xff
	isMulticast := dst[0]&0x01 != 0

	if isMulticast {
		if isBroadcast {
			return !c.mode.noBcast
		}
		if c.mode.noMulti {
			return false
		}
		if c.mode.allMulti || c.multiMAC.overflow {
			return true
		}
		var mac [6]byte
		copy(mac[:], dst)
		return c.multiMAC.contains(mac)
	}

	if c.mode.noUni {
		return false
	}
	if c.mode.allUni || c.uniMAC.overflow || macEqual(dst, c.mac[:]) {
		return true
	}
	var mac [6]byte
	copy(mac[:], dst)
	return c.uniMAC.contains(mac)
}

func macEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
