//go:build linux

package vcpu

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// VM owns the /dev/kvm and VM file descriptors and the set of vCPUs created
// against them. It hands out vCPUs and installs memory regions handed to it
// (InstallMemoryRegion); laying out guest memory, MMIO routing and every
// other chipset concern belongs to the (out-of-scope) machine-assembly
// collaborator.
type VM struct {
	kvmFd    int
	vmFd     int
	mmapSize int

	machine Machine
	topo    *Topology
	vcpus   []*VCPU
}

// NewVM opens /dev/kvm, creates a VM fd, and queries the per-vCPU mmap size.
func NewVM(machine Machine, topo *Topology) (*VM, error) {
	kvmFd, err := kvmOpenDevice()
	if err != nil {
		return nil, err
	}
	vmFd, err := kvmCreateVM(kvmFd)
	if err != nil {
		unix.Close(kvmFd)
		return nil, err
	}
	mmapSize, err := kvmGetVCPUMmapSize(kvmFd)
	if err != nil {
		unix.Close(vmFd)
		unix.Close(kvmFd)
		return nil, err
	}
	return &VM{
		kvmFd:    kvmFd,
		vmFd:     vmFd,
		mmapSize: mmapSize,
		machine:  machine,
		topo:     topo,
		vcpus:    make([]*VCPU, 0, topo.NumCPUs),
	}, nil
}

// AddVCPU creates vCPU id against this VM with the given architecture
// delegate and returns a controller for it.
func (vm *VM) AddVCPU(id int, arch ArchCPU) (*CPUController, error) {
	if id >= vm.topo.MaxCPUs {
		return nil, fmt.Errorf("vcpu: id %d exceeds topology MaxCPUs %d", id, vm.topo.MaxCPUs)
	}
	v, err := NewVCPU(vm.vmFd, id, vm.mmapSize, arch, vm.machine)
	if err != nil {
		return nil, err
	}
	vm.vcpus = append(vm.vcpus, v)
	return NewCPUController(v), nil
}

// InstallMemoryRegion wires a host mapping into the guest physical address
// space via KVM_SET_USER_MEMORY_REGION.
func (vm *VM) InstallMemoryRegion(slot uint32, gpa uint64, hostAddr uintptr, size uint64, readOnly bool) error {
	var flags uint32
	if readOnly {
		flags = 1 // KVM_MEM_READONLY
	}
	region := &kvmUserspaceMemoryRegion{
		Slot:          slot,
		Flags:         flags,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: uint64(hostAddr),
	}
	return kvmSetUserMemoryRegion(vm.vmFd, region)
}

// Close tears down every vCPU and the VM/kvm file descriptors. Callers
// should Destroy every CPUController first; Close does not wait for
// workers to stop.
func (vm *VM) Close() error {
	for _, v := range vm.vcpus {
		_ = v.close()
	}
	var err error
	if vm.vmFd >= 0 {
		err = unix.Close(vm.vmFd)
		vm.vmFd = -1
	}
	if vm.kvmFd >= 0 {
		if cerr := unix.Close(vm.kvmFd); err == nil {
			err = cerr
		}
		vm.kvmFd = -1
	}
	return err
}
