package virtionet

import "testing"

func TestHandleRxModeValidAndInvalid(t *testing.T) {
	c := NewCtrlInfo([6]byte{})
	if ack := c.HandleControlCommand([]byte{ctrlRx, ctrlRxAllMulti, 1}, nil); ack != ctrlOK {
		t.Fatalf("expected ctrlOK, got %d", ack)
	}
	if !c.mode.allMulti {
		t.Fatal("expected allMulti to be set")
	}
	if ack := c.HandleControlCommand([]byte{ctrlRx, ctrlRxAllMulti, 2}, nil); ack != ctrlErr {
		t.Fatalf("expected ctrlErr for out-of-range status byte, got %d", ack)
	}
}

func TestHandleMACAddrSet(t *testing.T) {
	c := NewCtrlInfo([6]byte{})
	newMAC := []byte{ctrlMAC, ctrlMACAddrSet, 1, 2, 3, 4, 5, 6}
	if ack := c.HandleControlCommand(newMAC, nil); ack != ctrlOK {
		t.Fatalf("expected ctrlOK, got %d", ack)
	}
	if c.mac != ([6]byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("mac not updated: %v", c.mac)
	}
}

func TestHandleMACTableSet(t *testing.T) {
	c := NewCtrlInfo([6]byte{})
	payload := []byte{ctrlMAC, ctrlMACTableSet}
	payload = append(payload, 1, 0, 0, 0) // 1 unicast entry
	payload = append(payload, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff)
	payload = append(payload, 0, 0, 0, 0) // 0 multicast entries

	if ack := c.HandleControlCommand(payload, nil); ack != ctrlOK {
		t.Fatalf("expected ctrlOK, got %d", ack)
	}
	if !c.uniMAC.contains([6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}) {
		t.Fatal("expected unicast table to contain the supplied entry")
	}
}

func TestHandleVLANAddDelAndRangeCheck(t *testing.T) {
	c := NewCtrlInfo([6]byte{})
	add := []byte{ctrlVLAN, ctrlVLANAdd, 5, 0}
	if ack := c.HandleControlCommand(add, nil); ack != ctrlOK {
		t.Fatalf("expected ctrlOK, got %d", ack)
	}
	if !c.vlanAllowed(5) {
		t.Fatal("expected vid 5 to be allowed after add")
	}

	bad := []byte{ctrlVLAN, ctrlVLANAdd, 0x00, 0x10} // vid = 4096, out of range
	if ack := c.HandleControlCommand(bad, nil); ack != ctrlErr {
		t.Fatalf("expected ctrlErr for out-of-range vid, got %d", ack)
	}
}

func TestHandleMQRange(t *testing.T) {
	c := NewCtrlInfo([6]byte{})
	var got uint16
	setter := func(p uint16) error { got = p; return nil }

	ok := []byte{ctrlMQ, ctrlMQVQPairsSet, 4, 0}
	if ack := c.HandleControlCommand(ok, setter); ack != ctrlOK {
		t.Fatalf("expected ctrlOK, got %d", ack)
	}
	if got != 4 {
		t.Fatalf("expected setter called with 4, got %d", got)
	}

	tooMany := []byte{ctrlMQ, ctrlMQVQPairsSet, 0x01, 0x80} // 0x8001 > MaxQueuePairs
	if ack := c.HandleControlCommand(tooMany, setter); ack != ctrlErr {
		t.Fatalf("expected ctrlErr for out-of-range pairs, got %d", ack)
	}
}

func TestHandleUnknownClassRejected(t *testing.T) {
	c := NewCtrlInfo([6]byte{})
	if ack := c.HandleControlCommand([]byte{0x7f, 0x00}, nil); ack != ctrlErr {
		t.Fatalf("expected ctrlErr for unknown class, got %d", ack)
	}
}
