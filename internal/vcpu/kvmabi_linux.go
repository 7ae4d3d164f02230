//go:build linux

package vcpu

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM ioctl request numbers. Only the subset needed to create a VM, create
// vCPUs, install guest memory and run them is kept; register/FPU/MSR/irqchip
// ioctls are the ArchCPU implementation's concern, not this package's.
const (
	kvmAPIVersion = 12

	ioctlGetAPIVersion       = 0xae00
	ioctlCreateVM            = 0xae01
	ioctlGetVCPUMmapSize     = 0xae04
	ioctlCreateVCPU          = 0xae41
	ioctlRun                 = 0xae80
	ioctlSetUserMemoryRegion = 0x4020ae46
)

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const kvmSyncRegsSizeBytes = 2048

// kvmRunData mirrors the fixed-size header of struct kvm_run. The union
// region that follows (anon0) is architecture/exit-reason dependent and is
// accessed through the exit-reason-specific view helpers below rather than
// given its own Go struct.
type kvmRunData struct {
	requestInterruptWindow    uint8
	immediateExit             uint8
	padding1                  [6]uint8
	exitReason                uint32
	readyForInterruptInjection uint8
	ifFlag                    uint8
	flags                     uint16
	cr8                       uint64
	apicBase                  uint64
	anon0                     [256]byte
	kvmValidRegs              uint64
	kvmDirtyRegs              uint64
	syncRegs                  [kvmSyncRegsSizeBytes]byte
}

type kvmExitMMIOData struct {
	physAddr uint64
	data     [8]byte
	len      uint32
	isWrite  uint8
}

type kvmSystemEventData struct {
	typ   uint32
	ndata uint32
	data  [16]uint64
}

const (
	kvmSystemEventShutdown = 1
	kvmSystemEventReset    = 2
)

// ExitReason is the subset of KVM_EXIT_* codes this package understands how
// to dispatch on; everything else is surfaced as ErrUnhandledKVMExit.
type ExitReason uint32

const (
	ExitUnknown       ExitReason = 0
	ExitMMIO          ExitReason = 6
	ExitShutdown      ExitReason = 8
	ExitFailEntry     ExitReason = 9
	ExitIntr          ExitReason = 10
	ExitInternalError ExitReason = 17
	ExitSystemEvent   ExitReason = 24
)

func (r ExitReason) String() string {
	switch r {
	case ExitMMIO:
		return "KVM_EXIT_MMIO"
	case ExitShutdown:
		return "KVM_EXIT_SHUTDOWN"
	case ExitFailEntry:
		return "KVM_EXIT_FAIL_ENTRY"
	case ExitIntr:
		return "KVM_EXIT_INTR"
	case ExitInternalError:
		return "KVM_EXIT_INTERNAL_ERROR"
	case ExitSystemEvent:
		return "KVM_EXIT_SYSTEM_EVENT"
	default:
		return fmt.Sprintf("KVM_EXIT_???(%d)", uint32(r))
	}
}

func ioctlRaw(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if errno != 0 {
		return 0, errno
	}
	return v, nil
}

func ioctlRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v, err := ioctlRaw(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v, err
	}
}

func kvmOpenDevice() (int, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("vcpu: open /dev/kvm: %w", err)
	}
	v, err := ioctlRetry(uintptr(fd), ioctlGetAPIVersion, 0)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("vcpu: KVM_GET_API_VERSION: %w", err)
	}
	if int(v) != kvmAPIVersion {
		unix.Close(fd)
		return -1, fmt.Errorf("vcpu: unsupported KVM API version %d", v)
	}
	return fd, nil
}

func kvmCreateVM(kvmFd int) (int, error) {
	v, err := ioctlRetry(uintptr(kvmFd), ioctlCreateVM, 0)
	if err != nil {
		return -1, fmt.Errorf("vcpu: KVM_CREATE_VM: %w", err)
	}
	return int(v), nil
}

func kvmGetVCPUMmapSize(kvmFd int) (int, error) {
	v, err := ioctlRetry(uintptr(kvmFd), ioctlGetVCPUMmapSize, 0)
	if err != nil {
		return -1, fmt.Errorf("vcpu: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	return int(v), nil
}

func kvmCreateVCPU(vmFd int, id int) (int, error) {
	v, err := ioctlRetry(uintptr(vmFd), ioctlCreateVCPU, uintptr(id))
	if err != nil {
		return -1, fmt.Errorf("vcpu: KVM_CREATE_VCPU(%d): %w", id, err)
	}
	return int(v), nil
}

func kvmSetUserMemoryRegion(vmFd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlRetry(uintptr(vmFd), ioctlSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	if err != nil {
		return fmt.Errorf("vcpu: KVM_SET_USER_MEMORY_REGION: %w", err)
	}
	return nil
}

// kvmRunOnce issues one KVM_RUN. A nil error with ExitReason set is the
// normal case; EINTR/EAGAIN come back as the corresponding unix.Errno so the
// worker loop can special-case them without string matching.
func kvmRunOnce(vcpuFd int) error {
	_, err := ioctlRaw(uintptr(vcpuFd), ioctlRun, 0)
	return err
}

func castRunData(mem []byte) *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&mem[0]))
}

// anon0Pointer returns a pointer to the exit-reason-specific union region of
// struct kvm_run, immediately after the fixed header fields.
func anon0Pointer(run *kvmRunData) unsafe.Pointer {
	return unsafe.Pointer(&run.anon0[0])
}
