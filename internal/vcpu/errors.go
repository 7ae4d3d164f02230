package vcpu

import "errors"

// Sentinel errors returned by the CPU controller and worker. Callers should
// use errors.Is against these rather than matching on message text.
var (
	ErrRealizeVCPU         = errors.New("vcpu: realize failed")
	ErrStartVCPU           = errors.New("vcpu: start failed")
	ErrKickVCPU            = errors.New("vcpu: kick failed")
	ErrStopVCPU            = errors.New("vcpu: stop failed")
	ErrDestroyVCPU         = errors.New("vcpu: destroy failed")
	ErrVCPUExitReason      = errors.New("vcpu: unexpected exit reason")
	ErrUnhandledKVMExit    = errors.New("vcpu: unhandled kvm exit")
	ErrNoMachineInterface  = errors.New("vcpu: machine interface not attached")
	ErrInvalidState        = errors.New("vcpu: invalid lifecycle transition")
)
