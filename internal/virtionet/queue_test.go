package virtionet

import (
	"encoding/binary"
	"testing"
)

// fakeGuestMemory is a flat byte slice addressed by absolute offset,
// standing in for guest physical memory in tests.
type fakeGuestMemory struct {
	buf []byte
}

func newFakeGuestMemory(size int) *fakeGuestMemory {
	return &fakeGuestMemory{buf: make([]byte, size)}
}

func (m *fakeGuestMemory) ReadAt(p []byte, off int64) (int, error) {
	copy(p, m.buf[off:])
	return len(p), nil
}

func (m *fakeGuestMemory) WriteAt(p []byte, off int64) (int, error) {
	copy(m.buf[off:], p)
	return len(p), nil
}

// layoutQueue lays out a minimal descriptor table + avail ring (with room
// for its trailing used_event slot) + used ring for a queue of the given
// size at address 0, matching the standard split-virtqueue memory layout.
func layoutQueue(mem *fakeGuestMemory, size uint16) (descAddr, availAddr, usedAddr uint64) {
	descAddr = 0
	availAddr = descAddr + uint64(size)*16
	usedAddr = availAddr + 4 + uint64(size)*2 + 2 // +2 for used_event
	return
}

func writeDescriptor(mem *fakeGuestMemory, descAddr uint64, idx uint16, addr uint64, length uint32, flags, next uint16) {
	off := descAddr + uint64(idx)*16
	binary.LittleEndian.PutUint64(mem.buf[off:], addr)
	binary.LittleEndian.PutUint32(mem.buf[off+8:], length)
	binary.LittleEndian.PutUint16(mem.buf[off+12:], flags)
	binary.LittleEndian.PutUint16(mem.buf[off+14:], next)
}

func pushAvail(mem *fakeGuestMemory, availAddr uint64, size uint16, slot uint16, head uint16) {
	binary.LittleEndian.PutUint16(mem.buf[availAddr+4+uint64(slot%size)*2:], head)
	idx := binary.LittleEndian.Uint16(mem.buf[availAddr+2:])
	binary.LittleEndian.PutUint16(mem.buf[availAddr+2:], idx+1)
}

func TestVirtQueuePopAvailAndReadChain(t *testing.T) {
	mem := newFakeGuestMemory(4096)
	descAddr, availAddr, usedAddr := layoutQueue(mem, 4)

	// One descriptor chain: a 2-descriptor chain, first read-only, second
	// writable.
	writeDescriptor(mem, descAddr, 0, 0x1000, 16, descFNext, 1)
	writeDescriptor(mem, descAddr, 1, 0x2000, 32, descFWrite, 0)
	pushAvail(mem, availAddr, 4, 0, 0)

	q := NewVirtQueue(mem, 4)
	q.Size = 4
	q.Ready = true
	q.DescAddr, q.AvailAddr, q.UsedAddr = descAddr, availAddr, usedAddr

	head, ok, err := q.PopAvail()
	if err != nil {
		t.Fatalf("PopAvail: %v", err)
	}
	if !ok || head != 0 {
		t.Fatalf("expected head 0, got %d ok=%v", head, ok)
	}

	chain, err := q.ReadChain(head)
	if err != nil {
		t.Fatalf("ReadChain: %v", err)
	}
	if len(chain.Out) != 1 || len(chain.In) != 1 {
		t.Fatalf("expected 1 out + 1 in descriptor, got %d/%d", len(chain.Out), len(chain.In))
	}
	if chain.Out[0].Addr != 0x1000 || chain.In[0].Addr != 0x2000 {
		t.Fatalf("unexpected descriptor addresses: %+v", chain)
	}
}

func TestVirtQueueAddUsedAdvancesIndex(t *testing.T) {
	mem := newFakeGuestMemory(4096)
	descAddr, availAddr, usedAddr := layoutQueue(mem, 4)
	q := NewVirtQueue(mem, 4)
	q.Size = 4
	q.Ready = true
	q.DescAddr, q.AvailAddr, q.UsedAddr = descAddr, availAddr, usedAddr

	if err := q.AddUsed(2, 128); err != nil {
		t.Fatalf("AddUsed: %v", err)
	}
	idx := binary.LittleEndian.Uint16(mem.buf[usedAddr+2:])
	if idx != 1 {
		t.Fatalf("expected used idx 1, got %d", idx)
	}
	head := binary.LittleEndian.Uint32(mem.buf[usedAddr+4:])
	length := binary.LittleEndian.Uint32(mem.buf[usedAddr+8:])
	if head != 2 || length != 128 {
		t.Fatalf("unexpected used entry: head=%d length=%d", head, length)
	}
}

func TestVirtQueuePushBackUndoesPop(t *testing.T) {
	mem := newFakeGuestMemory(4096)
	descAddr, availAddr, usedAddr := layoutQueue(mem, 4)
	writeDescriptor(mem, descAddr, 0, 0x1000, 16, 0, 0)
	pushAvail(mem, availAddr, 4, 0, 0)

	q := NewVirtQueue(mem, 4)
	q.Size = 4
	q.Ready = true
	q.DescAddr, q.AvailAddr, q.UsedAddr = descAddr, availAddr, usedAddr

	_, ok, _ := q.PopAvail()
	if !ok {
		t.Fatal("expected a buffer to be available")
	}
	q.PushBack()
	_, ok2, _ := q.PopAvail()
	if !ok2 {
		t.Fatal("expected PushBack to make the same entry available again")
	}
}

func TestVirtQueueShouldNotifyWithoutEventIdx(t *testing.T) {
	mem := newFakeGuestMemory(4096)
	descAddr, availAddr, usedAddr := layoutQueue(mem, 4)
	q := NewVirtQueue(mem, 4)
	q.Size = 4
	q.Ready = true
	q.DescAddr, q.AvailAddr, q.UsedAddr = descAddr, availAddr, usedAddr

	notify, err := q.ShouldNotify(0)
	if err != nil {
		t.Fatalf("ShouldNotify: %v", err)
	}
	if !notify {
		t.Fatal("expected notify=true when VIRTQ_AVAIL_F_NO_INTERRUPT is unset")
	}

	binary.LittleEndian.PutUint16(mem.buf[availAddr:], availFNoInterrupt)
	notify, err = q.ShouldNotify(0)
	if err != nil {
		t.Fatalf("ShouldNotify: %v", err)
	}
	if notify {
		t.Fatal("expected notify=false once VIRTQ_AVAIL_F_NO_INTERRUPT is set")
	}
}
