package virtionet

import (
	"encoding/binary"
	"fmt"
	"io"
)

// GuestMemory abstracts the guest-physical-address accessor a queue needs:
// a plain offset-addressed ReaderAt/WriterAt, exactly the contract the
// example corpus's virtio queue type is built on.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

const (
	descFNext  = 1
	descFWrite = 2

	availFNoInterrupt = 1
	usedFNoNotify     = 1
)

// Descriptor is a single entry in a virtqueue's descriptor table.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// Chain is one fully-walked descriptor chain: the readable prefix in Out,
// the writable suffix in In. Virtio 1.0 requires all readable descriptors
// to precede all writable ones within a chain.
type Chain struct {
	Head uint16
	Out  []Descriptor
	In   []Descriptor
}

// VirtQueue is one virtqueue's worth of ring state: descriptor
// table, available ring, used ring, plus the event-index extension used
// when VIRTIO_F_RING_EVENT_IDX was negotiated.
type VirtQueue struct {
	mem GuestMemory

	Size    uint16
	MaxSize uint16
	Ready   bool

	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64

	lastAvailIdx uint16
	usedIdx      uint16

	EventIdxEnabled bool
}

// NewVirtQueue creates a queue bound to mem with the given maximum size.
func NewVirtQueue(mem GuestMemory, maxSize uint16) *VirtQueue {
	return &VirtQueue{mem: mem, MaxSize: maxSize}
}

// Reset clears ring state, as required on device/queue reset.
func (q *VirtQueue) Reset() {
	q.Size = 0
	q.Ready = false
	q.DescAddr, q.AvailAddr, q.UsedAddr = 0, 0, 0
	q.lastAvailIdx, q.usedIdx = 0, 0
}

func (q *VirtQueue) ensureReady() error {
	if !q.Ready || q.Size == 0 {
		return fmt.Errorf("virtionet: queue not ready")
	}
	return nil
}

// AvailRingLen returns how many buffers the driver has made available but
// the device has not yet consumed.
func (q *VirtQueue) AvailRingLen() (uint16, error) {
	if err := q.ensureReady(); err != nil {
		return 0, err
	}
	idx, err := q.readU16(q.AvailAddr + 2)
	if err != nil {
		return 0, err
	}
	return idx - q.lastAvailIdx, nil
}

// PopAvail pops the next available descriptor chain head, returning
// ok=false if the ring is empty.
func (q *VirtQueue) PopAvail() (head uint16, ok bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}
	idx, err := q.readU16(q.AvailAddr + 2)
	if err != nil {
		return 0, false, err
	}
	if q.lastAvailIdx == idx {
		return 0, false, nil
	}
	ring := q.lastAvailIdx % q.Size
	head, err = q.readU16(q.AvailAddr + 4 + uint64(ring)*2)
	if err != nil {
		return 0, false, err
	}
	q.lastAvailIdx++
	return head, true, nil
}

// PushBack undoes the most recent PopAvail, used when a packet can't be
// delivered right now (TAP backpressure, RX ring has no space) and must be
// retried on the next notification.
func (q *VirtQueue) PushBack() {
	if q.lastAvailIdx > 0 {
		q.lastAvailIdx--
	}
}

// ReadChain walks the descriptor chain starting at head, splitting it into
// readable (Out) and writable (In) segments.
func (q *VirtQueue) ReadChain(head uint16) (Chain, error) {
	chain := Chain{Head: head}
	index := head
	for i := uint16(0); i < q.Size; i++ {
		d, err := q.readDescriptor(index)
		if err != nil {
			return chain, err
		}
		if d.Flags&descFWrite != 0 {
			chain.In = append(chain.In, d)
		} else {
			if len(chain.In) > 0 {
				return chain, fmt.Errorf("%w: readable descriptor after writable one", ErrBadDescriptorChain)
			}
			chain.Out = append(chain.Out, d)
		}
		if d.Flags&descFNext == 0 {
			break
		}
		index = d.Next
	}
	return chain, nil
}

func (q *VirtQueue) readDescriptor(idx uint16) (Descriptor, error) {
	if idx >= q.Size {
		return Descriptor{}, fmt.Errorf("virtionet: descriptor index %d out of bounds (size %d)", idx, q.Size)
	}
	var buf [16]byte
	if err := q.readInto(q.DescAddr+uint64(idx)*16, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// AddUsed publishes a used-ring entry for head with the given written
// length and advances the used index.
func (q *VirtQueue) AddUsed(head uint16, length uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	slot := q.usedIdx % q.Size
	base := q.UsedAddr + 4 + uint64(slot)*8
	if err := q.writeU32(base, uint32(head)); err != nil {
		return err
	}
	if err := q.writeU32(base+4, length); err != nil {
		return err
	}
	q.usedIdx++
	return q.writeU16(q.UsedAddr+2, q.usedIdx)
}

// availFlags reads the avail ring's flags field (VIRTQ_AVAIL_F_NO_INTERRUPT),
// used by ShouldNotify when event-index suppression is off.
func (q *VirtQueue) availFlags() (uint16, error) {
	return q.readU16(q.AvailAddr)
}

// usedEvent reads the avail_event/used_event field used by event-index
// suppression: located two bytes past the last avail ring entry.
func (q *VirtQueue) usedEvent() (uint16, error) {
	return q.readU16(q.AvailAddr + 4 + uint64(q.Size)*2)
}

// ShouldNotify decides whether the device must raise an interrupt after
// publishing new used entries, combining plain VIRTQ_AVAIL_F_NO_INTERRUPT
// suppression with VIRTIO_F_RING_EVENT_IDX's used_event comparison.
func (q *VirtQueue) ShouldNotify(oldUsedIdx uint16) (bool, error) {
	if !q.EventIdxEnabled {
		flags, err := q.availFlags()
		if err != nil {
			return true, err
		}
		return flags&availFNoInterrupt == 0, nil
	}
	eventIdx, err := q.usedEvent()
	if err != nil {
		return true, err
	}
	return vringNeedEvent(eventIdx, q.usedIdx, oldUsedIdx), nil
}

// vringNeedEvent is the standard virtio event-index comparison, preserved
// exactly: true when the driver's requested notification point falls
// within (old, new].
func vringNeedEvent(eventIdx, newIdx, oldIdx uint16) bool {
	return uint16(newIdx-eventIdx-1) < uint16(newIdx-oldIdx)
}

func (q *VirtQueue) readInto(addr uint64, buf []byte) error {
	n, err := q.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtionet: short guest read (want %d got %d)", len(buf), n)
	}
	return nil
}

func (q *VirtQueue) writeFrom(addr uint64, data []byte) error {
	n, err := q.mem.WriteAt(data, int64(addr))
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtionet: short guest write (want %d got %d)", len(data), n)
	}
	return nil
}

func (q *VirtQueue) readU16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := q.readInto(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *VirtQueue) writeU16(addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return q.writeFrom(addr, buf[:])
}

func (q *VirtQueue) writeU32(addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return q.writeFrom(addr, buf[:])
}

// ReadGuest reads length bytes from guest address addr.
func (q *VirtQueue) ReadGuest(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := q.readInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteGuest writes data to guest address addr.
func (q *VirtQueue) WriteGuest(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return q.writeFrom(addr, data)
}
