package virtionet

import "testing"

func realizedNet(t *testing.T) *Net {
	t.Helper()
	n := NewNet(nil, nil)
	if err := n.Realize(Config{Queues: 1}); err != nil {
		t.Fatalf("realize: %v", err)
	}
	return n
}

func TestReadConfigWholeBuffer(t *testing.T) {
	n := realizedNet(t)
	full := n.state.Config.encode()
	got, err := n.ReadConfig(0, len(full))
	if err != nil {
		t.Fatalf("read_config(0, len): %v", err)
	}
	if string(got) != string(full) {
		t.Fatalf("read_config(0, len) = %v, want %v", got, full)
	}
}

func TestReadConfigBoundary(t *testing.T) {
	n := realizedNet(t)
	size := len(n.state.Config.encode())

	if _, err := n.ReadConfig(size, 1); err == nil {
		t.Fatal("read_config(len, 1) should fail")
	}
	if _, err := n.ReadConfig(size-1, 1); err != nil {
		t.Fatalf("read_config(len-1, 1) should succeed: %v", err)
	}
}

func TestReadConfigRejectsNegativeAndOverrun(t *testing.T) {
	n := realizedNet(t)
	size := len(n.state.Config.encode())

	if _, err := n.ReadConfig(-1, 1); err == nil {
		t.Fatal("negative offset should fail")
	}
	if _, err := n.ReadConfig(0, size+1); err == nil {
		t.Fatal("length beyond config size should fail")
	}
}

func TestReadConfigAfterWriteConfig(t *testing.T) {
	n := realizedNet(t)
	n.state.DriverFeatures = 1 << featureCtrlMACAddr

	mac := []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	if err := n.WriteConfig(0, mac); err != nil {
		t.Fatalf("write_config: %v", err)
	}
	got, err := n.ReadConfig(0, macAddrLen)
	if err != nil {
		t.Fatalf("read_config: %v", err)
	}
	if string(got) != string(mac) {
		t.Fatalf("read_config after write_config = %v, want %v", got, mac)
	}
}

func TestDeviceFeaturesMQBounds(t *testing.T) {
	if DeviceFeatures(MaxQueuePairsVQ, true, false)&(1<<featureMQ) == 0 {
		t.Fatal("expected MQ advertised at the maximum queue-pair count")
	}
	if DeviceFeatures(MaxQueuePairsVQ+1, true, false)&(1<<featureMQ) != 0 {
		t.Fatal("MQ must not be advertised beyond MaxQueuePairsVQ")
	}
	if DeviceFeatures(0, true, false)&(1<<featureMQ) != 0 {
		t.Fatal("MQ must not be advertised below MinQueuePairsVQ")
	}
}

func TestHandleMQBoundsMatchDeviceFeatures(t *testing.T) {
	c := NewCtrlInfo([6]byte{})
	payload := func(pairs uint16) []byte {
		return []byte{ctrlMQ, ctrlMQVQPairsSet, byte(pairs), byte(pairs >> 8)}
	}
	if ack := c.HandleControlCommand(payload(MaxQueuePairsVQ), nil); ack != ctrlOK {
		t.Fatalf("expected ctrlOK at MaxQueuePairsVQ, got %d", ack)
	}
	if ack := c.HandleControlCommand(payload(MaxQueuePairsVQ+1), nil); ack != ctrlErr {
		t.Fatalf("expected ctrlErr beyond MaxQueuePairsVQ, got %d", ack)
	}
}
