package virtionet

// Control virtqueue command classes and commands, matching the virtio-net
// spec's VIRTIO_NET_CTRL_* constants.
const (
	ctrlRx   = 0
	ctrlMAC  = 1
	ctrlVLAN = 2
	ctrlMQ   = 4

	ctrlRxPromisc   = 0
	ctrlRxAllMulti  = 1
	ctrlRxAllUni    = 2
	ctrlRxNoMulti   = 3
	ctrlRxNoUni     = 4
	ctrlRxNoBcast   = 5

	ctrlMACTableSet = 0
	ctrlMACAddrSet  = 1

	ctrlVLANAdd = 0
	ctrlVLANDel = 1

	ctrlMQVQPairsSet = 0

	ctrlOK  = 0
	ctrlErr = 1
)

// ctrlHeader is the 2-byte {class, cmd} prefix of every control queue
// command buffer.
type ctrlHeader struct {
	class uint8
	cmd   uint8
}

// MinQueuePairs and MaxQueuePairs bound the VIRTIO_NET_CTRL_MQ_VQ_PAIRS_SET
// request. Must agree with MinQueuePairsVQ/MaxQueuePairsVQ in device.go,
// which bound the same quantity at feature-negotiation time.
const (
	MinQueuePairs = MinQueuePairsVQ
	MaxQueuePairs = MaxQueuePairsVQ
)

// HandleControlCommand dispatches one control-queue command. out is the
// concatenation of every readable descriptor in the chain (header plus
// payload); the return value is the single ack byte (VIRTIO_NET_OK or
// VIRTIO_NET_ERR) to be written into the chain's first writable descriptor.
//
// setQueuePairs, when non-nil, is invoked for a validated MQ request so the
// device façade can reconfigure its active queue count; it returns an error
// if the device rejects the new count for a reason beyond simple range
// validation (e.g. a host tap that doesn't support multiqueue).
func (c *CtrlInfo) HandleControlCommand(out []byte, setQueuePairs func(pairs uint16) error) uint8 {
	if len(out) < 2 {
		return ctrlErr
	}
	hdr := ctrlHeader{class: out[0], cmd: out[1]}
	payload := out[2:]

	switch hdr.class {
	case ctrlRx:
		return c.handleRxMode(hdr.cmd, payload)
	case ctrlMAC:
		return c.handleMAC(hdr.cmd, payload)
	case ctrlVLAN:
		return c.handleVLAN(hdr.cmd, payload)
	case ctrlMQ:
		return c.handleMQ(hdr.cmd, payload, setQueuePairs)
	default:
		return ctrlErr
	}
}

func (c *CtrlInfo) handleRxMode(cmd uint8, payload []byte) uint8 {
	if len(payload) < 1 || (payload[0] != 0 && payload[0] != 1) {
		return ctrlErr
	}
	on := payload[0] == 1
	switch cmd {
	case ctrlRxPromisc:
		c.mode.promisc = on
	case ctrlRxAllMulti:
		c.mode.allMulti = on
	case ctrlRxAllUni:
		c.mode.allUni = on
	case ctrlRxNoMulti:
		c.mode.noMulti = on
	case ctrlRxNoUni:
		c.mode.noUni = on
	case ctrlRxNoBcast:
		c.mode.noBcast = on
	default:
		return ctrlErr
	}
	return ctrlOK
}

func (c *CtrlInfo) handleMAC(cmd uint8, payload []byte) uint8 {
	switch cmd {
	case ctrlMACAddrSet:
		if len(payload) < macAddrLen {
			return ctrlErr
		}
		var mac [6]byte
		copy(mac[:], payload[:macAddrLen])
		c.setMAC(mac)
		return ctrlOK
	case ctrlMACTableSet:
		return c.setMACTable(payload)
	default:
		return ctrlErr
	}
}

// setMACTable parses the VIRTIO_NET_CTRL_MAC_TABLE_SET payload: a uint32
// unicast entry count followed by that many 6-byte MACs, then a uint32
// multicast entry count and its MACs. Mirrors CtrlInfo::set_mac_table's
// exact overflow behavior: the table being filled checks its count against
// ctrlMACTableLen minus the *other* table's already-committed length.
func (c *CtrlInfo) setMACTable(payload []byte) uint8 {
	off := 0
	readCount := func() (uint32, bool) {
		if len(payload) < off+4 {
			return 0, false
		}
		v := uint32(payload[off]) | uint32(payload[off+1])<<8 | uint32(payload[off+2])<<16 | uint32(payload[off+3])<<24
		off += 4
		return v, true
	}
	readEntries := func(n uint32) ([][6]byte, bool) {
		entries := make([][6]byte, 0, n)
		for i := uint32(0); i < n; i++ {
			if len(payload) < off+macAddrLen {
				return nil, false
			}
			var mac [6]byte
			copy(mac[:], payload[off:off+macAddrLen])
			entries = append(entries, mac)
			off += macAddrLen
		}
		return entries, true
	}

	uniCount, ok := readCount()
	if !ok {
		return ctrlErr
	}
	uniEntries, ok := readEntries(uniCount)
	if !ok {
		return ctrlErr
	}
	c.uniMAC.setEntries(uniEntries, 0)

	multiCount, ok := readCount()
	if !ok {
		return ctrlErr
	}
	multiEntries, ok := readEntries(multiCount)
	if !ok {
		return ctrlErr
	}
	c.multiMAC.setEntries(multiEntries, c.uniMAC.len())

	return ctrlOK
}

func (c *CtrlInfo) handleVLAN(cmd uint8, payload []byte) uint8 {
	if len(payload) < 2 {
		return ctrlErr
	}
	vid := uint16(payload[0]) | uint16(payload[1])<<8
	switch cmd {
	case ctrlVLANAdd:
		if !c.vlanAdd(vid) {
			return ctrlErr
		}
	case ctrlVLANDel:
		if !c.vlanDel(vid) {
			return ctrlErr
		}
	default:
		return ctrlErr
	}
	return ctrlOK
}

func (c *CtrlInfo) handleMQ(cmd uint8, payload []byte, setQueuePairs func(uint16) error) uint8 {
	if cmd != ctrlMQVQPairsSet {
		return ctrlErr
	}
	if len(payload) < 2 {
		return ctrlErr
	}
	pairs := uint16(payload[0]) | uint16(payload[1])<<8
	if pairs < MinQueuePairs || pairs > MaxQueuePairs {
		return ctrlErr
	}
	if setQueuePairs != nil {
		if err := setQueuePairs(pairs); err != nil {
			return ctrlErr
		}
	}
	return ctrlOK
}
