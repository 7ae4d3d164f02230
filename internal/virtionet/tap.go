//go:build linux

package virtionet

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	tunDevicePath = "/dev/net/tun"

	iffTap         = 0x0002
	iffNoPI        = 0x1000
	iffMultiQueue  = 0x0100
	tunSetIff      = 0x400454ca
	tunSetOffload  = 0x400454d0

	tunFCsum   = 1
	tunFTSO4   = 2
	tunFTSO6   = 4
	tunFTSOECN = 8
	tunFUFO    = 16
)

// ifreq mirrors struct ifreq's name+flags prefix, the only part TUNSETIFF
// needs; the union members after it are irrelevant here.
type ifreq struct {
	name  [16]byte
	flags uint16
	_     [22]byte // pad to the kernel's sizeof(struct ifreq)
}

// Tap is one host TAP file descriptor backing a virtio-net queue pair
// (or shared across all pairs when the host interface is multiqueue).
// Reads and writes are scatter/gather against iovecs resolved from guest
// descriptor chains, rather than the single contiguous buffer the simpler
// TAP wrappers in the rest of the corpus use, because a virtio-net frame is
// usually split across multiple descriptors.
type Tap struct {
	fd   int
	name string
}

// OpenTap opens /dev/net/tun and attaches to (or creates) the named
// interface with IFF_TAP|IFF_NO_PI, optionally requesting a multiqueue fd
// so several queue pairs can share one host interface.
func OpenTap(name string, multiQueue bool) (*Tap, error) {
	fd, err := unix.Open(tunDevicePath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("virtionet: open %s: %w", tunDevicePath, err)
	}

	var req ifreq
	copy(req.name[:], name)
	req.flags = iffTap | iffNoPI
	if multiQueue {
		req.flags |= iffMultiQueue
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(tunSetIff), uintptr(unsafe.Pointer(&req))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("virtionet: TUNSETIFF %s: %w", name, errno)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("virtionet: set nonblocking: %w", err)
	}

	return &Tap{fd: fd, name: name}, nil
}

// FromFD wraps an already-open TAP fd (e.g. one passed down via fd-passing
// from a privileged helper) instead of opening a new one.
func FromFD(fd int, name string) (*Tap, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("virtionet: set nonblocking: %w", err)
	}
	return &Tap{fd: fd, name: name}, nil
}

// SetOffload requests the kernel TAP driver perform the given TUN_F_*
// offloads, derived from the negotiated guest feature bits.
func (t *Tap) SetOffload(flags uint32) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), uintptr(tunSetOffload), uintptr(flags))
	if errno != 0 {
		return fmt.Errorf("virtionet: TUNSETOFFLOAD: %w", errno)
	}
	return nil
}

// OffloadFlagsFor maps negotiated guest feature bits to TUN_F_* offload
// request flags, matching get_tap_offload_flags.
func OffloadFlagsFor(features uint64) uint32 {
	var flags uint32
	if features&(1<<featureGuestCsum) != 0 {
		flags |= tunFCsum
	}
	if features&(1<<featureGuestTSO4) != 0 {
		flags |= tunFTSO4
	}
	if features&(1<<featureGuestTSO6) != 0 {
		flags |= tunFTSO6
	}
	if features&(1<<featureGuestECN) != 0 {
		flags |= tunFTSOECN
	}
	if features&(1<<featureGuestUFO) != 0 {
		flags |= tunFUFO
	}
	return flags
}

// HasUFO always reports false: it does not probe the kernel's TAP driver
// for UFO support, so Realize never advertises GUEST_UFO/HOST_UFO.
func (t *Tap) HasUFO() bool {
	return false
}

// ReadvNonblock reads one packet into iovecs, returning the number of bytes
// read. A zero count with a nil error means "no packet queued"
// (EWOULDBLOCK); callers should treat that as "try again on the next
// readiness notification", matching read_from_tap's EWOULDBLOCK handling.
func (t *Tap) ReadvNonblock(iovecs [][]byte) (int, error) {
	n, err := unix.Readv(t.fd, iovecs)
	if err != nil {
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return 0, nil
		}
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("virtionet: tap readv: %w", err)
	}
	return n, nil
}

// WritevNonblock writes one packet from iovecs. A zero count with a nil
// error means the write would block and the packet must be retried,
// matching send_packets's EWOULDBLOCK handling (EINTR is retried
// internally; other errors are logged by the caller and the packet is
// dropped rather than retried forever).
func (t *Tap) WritevNonblock(iovecs [][]byte) (int, error) {
	for {
		n, err := unix.Writev(t.fd, iovecs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
				return 0, nil
			}
			return 0, fmt.Errorf("virtionet: tap writev: %w", err)
		}
		return n, nil
	}
}

// FD returns the underlying file descriptor, for registration with the I/O
// thread's epoll set.
func (t *Tap) FD() int { return t.fd }

// Close closes the TAP fd.
func (t *Tap) Close() error {
	return unix.Close(t.fd)
}
