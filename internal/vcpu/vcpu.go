//go:build linux

package vcpu

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Machine is the minimal surface a vCPU needs from its owning VM: MMIO
// dispatch for KVM_EXIT_MMIO, and the guest-driven teardown/reset a worker
// invokes from within a SYSTEM_EVENT exit.
type Machine interface {
	MMIORead(addr uint64, data []byte) error
	MMIOWrite(addr uint64, data []byte) error
	Destroy() error
	Reset() error
}

// VCPU is one guest logical CPU: a kernel vCPU fd, its architecture-specific
// register delegate, and the lifecycle/threading state the controller and
// worker coordinate through.
type VCPU struct {
	ID int

	fd      int
	runMem  []byte
	runSize int

	arch    ArchCPU
	machine Machine

	lifecycle *lifecycleCell

	// pauseSignal is the worker's own confirmation that it has parked at
	// the top of its run loop and is no longer inside KVM_RUN: set by the
	// worker goroutine itself on entering the Paused wait, cleared on
	// leaving it. Controller.Pause spin-waits on this after requesting the
	// transition, so Pause does not return until the vCPU has actually
	// left KVM_RUN. A plain atomic.Bool rather than a channel because the
	// worker must be able to set it without blocking.
	pauseSignal atomic.Bool

	// tid is the OS thread id the worker goroutine locked itself to, set
	// once at worker startup and read by Kick (and so by Pause, Reset and
	// Destroy, which kick through it) to target the tgkill. Zero means "not
	// yet started".
	tid atomic.Int32

	// closures lets the controller run small pieces of code on the vCPU's
	// own OS thread (e.g. architecture register pokes) the same way the
	// original design used a per-thread mailbox.
	closures chan func()

	startBarrier chan struct{}
	stopped      chan struct{}

	// Events carries monitor events (guest shutdown/reset) emitted from the
	// worker's system-event path; an out-of-scope monitor/QMP-style
	// transport is expected to drain it.
	Events chan MonitorEvent
}

// NewVCPU creates the kernel-side vCPU object (KVM_CREATE_VCPU + mmap of the
// kvm_run page) and wraps it with the given architecture delegate. The vCPU
// starts in StateNothing; call Realize then Start via a CPUController.
func NewVCPU(vmFd int, id int, mmapSize int, arch ArchCPU, machine Machine) (*VCPU, error) {
	fd, err := kvmCreateVCPU(vmFd, id)
	if err != nil {
		return nil, err
	}
	mem, err := unix.Mmap(fd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vcpu: mmap kvm_run: %w", err)
	}
	v := &VCPU{
		ID:           id,
		fd:           fd,
		runMem:       mem,
		runSize:      mmapSize,
		arch:         arch,
		machine:      machine,
		lifecycle:    newLifecycleCell(StateNothing),
		closures:     make(chan func(), 8),
		startBarrier: make(chan struct{}),
		stopped:      make(chan struct{}),
		Events:       make(chan MonitorEvent, 16),
	}
	return v, nil
}

func (v *VCPU) run() *kvmRunData {
	return castRunData(v.runMem)
}

func (v *VCPU) State() LifecycleState {
	return v.lifecycle.Get()
}

// requestImmediateExit arms kvm_run.immediate_exit so the next (or current)
// KVM_RUN returns with -EINTR, then tgkills the worker's OS thread so a
// currently-blocked KVM_RUN actually notices. Mirrors the example corpus's
// virtualCPU.RequestImmediateExit.
func (v *VCPU) requestImmediateExit(sig func() error) error {
	v.run().immediateExit = 1
	tid := int(v.tid.Load())
	if tid == 0 {
		// Worker hasn't recorded a tid yet; nothing blocked to interrupt.
		return nil
	}
	return sig()
}

func (v *VCPU) close() error {
	if v.runMem != nil {
		_ = unix.Munmap(v.runMem)
		v.runMem = nil
	}
	if v.fd >= 0 {
		err := unix.Close(v.fd)
		v.fd = -1
		return err
	}
	return nil
}
