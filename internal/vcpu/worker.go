//go:build linux

package vcpu

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sys/unix"
)

// startWorker launches the goroutine that owns this vCPU's OS thread for
// its entire lifetime: bind, register, wait for the start barrier, run
// KVM_RUN in a loop dispatching on exit reason, and finally mark the
// lifecycle Stopped. Matches the seven-step loop described for the vCPU
// worker: bind thread, install signal registration, record tid, reset,
// wait on barrier, run loop, transition to Stopped.
func (v *VCPU) startWorker() {
	go func() {
		runtime.LockOSThread()
		// Never UnlockOSThread: the OS thread must not be returned to the
		// scheduler's pool and handed to an unrelated goroutine, since the
		// thread id is what tgkill targets for the lifetime of this vCPU.

		tid := unix.Gettid()
		v.tid.Store(int32(tid))
		defer close(v.stopped)

		if err := v.arch.ResetVCPU(); err != nil {
			slog.Error("vcpu: initial reset failed", "id", v.ID, "err", err)
			v.lifecycle.Set(StateStopped)
			return
		}

		<-v.startBarrier
		v.lifecycle.Set(StateRunning)

		for {
			select {
			case fn := <-v.closures:
				fn()
				continue
			default:
			}

			state := v.lifecycle.Get()
			if state == StateStopping {
				v.lifecycle.Set(StateStopped)
				return
			}
			if state == StatePaused {
				// pauseSignal is the confirmation Controller.Pause spin-waits
				// on: only set once this goroutine has actually parked here,
				// i.e. is no longer inside KVM_RUN, matching the "after
				// pause() returns, the vCPU is not inside KVM" invariant.
				v.pauseSignal.Store(true)
				v.lifecycle.Wait(func(s LifecycleState) bool {
					return s != StatePaused
				})
				v.pauseSignal.Store(false)
				continue
			}

			if err := v.runOnce(); err != nil {
				switch {
				case errors.Is(err, errVCPUShouldStop):
					v.lifecycle.Set(StateStopped)
					return
				case errors.Is(err, errVCPUFatalExit):
					slog.Error("vcpu: fatal exit, stopping", "id", v.ID, "err", err)
					v.lifecycle.Set(StateStopped)
					return
				default:
					slog.Error("vcpu: exit handling failed", "id", v.ID, "err", err)
				}
			}
		}
	}()
}

// errVCPUShouldStop signals a clean guest-initiated shutdown: the worker
// stops without it being treated as a failure.
var errVCPUShouldStop = errors.New("vcpu: guest requested shutdown")

// errVCPUFatalExit signals one of the exit conditions the exit-reason table
// marks "don't continue" / "Fail": FAIL_ENTRY, INTERNAL_ERROR, an
// unrecognized SYSTEM_EVENT subtype, an unhandled KVM_RUN errno, or an
// unrecognized exit reason altogether. The worker stops rather than
// spinning KVM_RUN forever against a vCPU that can no longer make progress.
var errVCPUFatalExit = errors.New("vcpu: fatal exit condition")

// runOnce issues one KVM_RUN and dispatches on the resulting exit reason,
// matching the exit-reason table: MMIO read/write, SYSTEM_EVENT{shutdown,
// reset,other}, FAIL_ENTRY, INTERNAL_ERROR, EAGAIN, EINTR, other errno,
// other exit reason.
func (v *VCPU) runOnce() error {
	run := v.run()

	err := kvmRunOnce(v.fd)
	if err != nil {
		switch {
		case errors.Is(err, unix.EINTR):
			// Immediate-exit request or a realtime signal: clear the flag
			// and let the lifecycle check at the top of the caller's loop
			// decide what to do next.
			run.immediateExit = 0
			return nil
		case errors.Is(err, unix.EAGAIN):
			return nil
		default:
			return fmt.Errorf("%w: %w: KVM_RUN: %v", errVCPUFatalExit, ErrUnhandledKVMExit, err)
		}
	}

	switch ExitReason(run.exitReason) {
	case ExitMMIO:
		return v.handleMMIO(run)
	case ExitSystemEvent:
		return v.handleSystemEvent(run)
	case ExitFailEntry:
		return fmt.Errorf("%w: %w: KVM_EXIT_FAIL_ENTRY", errVCPUFatalExit, ErrVCPUExitReason)
	case ExitInternalError:
		return fmt.Errorf("%w: %w: KVM_EXIT_INTERNAL_ERROR", errVCPUFatalExit, ErrVCPUExitReason)
	case ExitIntr:
		return nil
	default:
		return fmt.Errorf("%w: %w: %s", errVCPUFatalExit, ErrUnhandledKVMExit, ExitReason(run.exitReason))
	}
}

func (v *VCPU) handleMMIO(run *kvmRunData) error {
	if v.machine == nil {
		return ErrNoMachineInterface
	}
	mmio := (*kvmExitMMIOData)(anon0Pointer(run))
	data := mmio.data[:mmio.len]
	if mmio.isWrite != 0 {
		return v.machine.MMIOWrite(mmio.physAddr, data)
	}
	return v.machine.MMIORead(mmio.physAddr, data)
}

func (v *VCPU) handleSystemEvent(run *kvmRunData) error {
	ev := (*kvmSystemEventData)(anon0Pointer(run))
	switch ev.typ {
	case kvmSystemEventShutdown:
		if v.machine != nil {
			if err := v.machine.Destroy(); err != nil {
				slog.Error("vcpu: machine destroy failed", "id", v.ID, "err", err)
			}
		}
		v.emitEvent(MonitorEvent{Kind: EventShutdown, Guest: true, Reason: "guest-shutdown"})
		return errVCPUShouldStop
	case kvmSystemEventReset:
		if v.machine != nil {
			if err := v.machine.Reset(); err != nil {
				slog.Error("vcpu: machine reset failed", "id", v.ID, "err", err)
			}
		}
		v.emitEvent(MonitorEvent{Kind: EventReset, Guest: true})
		return v.arch.ResetVCPU()
	default:
		slog.Error("vcpu: unhandled system event", "id", v.ID, "type", ev.typ)
		return fmt.Errorf("%w: unhandled SYSTEM_EVENT type %d", errVCPUFatalExit, ev.typ)
	}
}
