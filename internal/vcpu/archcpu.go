package vcpu

// BootConfig carries whatever architecture-specific boot state a machine
// assembler wants applied before the first KVM_RUN (entry point, initial
// register file, page tables, ...). Its shape is deliberately opaque to this
// package.
type BootConfig any

// TopologyConfig is the architecture-specific encoding of a CpuTopology
// item (APIC ID, MPIDR, whatever the target ISA wants) produced by
// Topology.GetTopoItem.
type TopologyConfig any

// SavedState is an opaque architecture-specific register/FPU/MSR snapshot
// produced by SaveState and consumed by RestoreState.
type SavedState any

// ArchCPU is the architecture-specific half of a vCPU. The vCPU engine never
// programs registers itself; it only calls through this contract, so it has
// no ISA-specific code at all.
type ArchCPU interface {
	// SetBootConfig applies the architecture-specific boot state to the
	// vCPU before it is first run.
	SetBootConfig(cfg BootConfig) error

	// SetCPUTopology applies a topology descriptor (APIC ID / MPIDR /
	// hart ID, etc.) to the vCPU.
	SetCPUTopology(topo TopologyConfig) error

	// ResetVCPU restores the vCPU to its architectural reset state. Called
	// by the worker immediately after thread/signal setup and again on
	// guest-initiated or controller-initiated reset.
	ResetVCPU() error

	// SaveState captures a snapshot suitable for migration/restore.
	SaveState() (SavedState, error)

	// RestoreState applies a previously captured snapshot.
	RestoreState(SavedState) error
}
