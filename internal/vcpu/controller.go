//go:build linux

package vcpu

import (
	"fmt"
	"log/slog"
	"time"
)

// CPUController is the external API surface for driving one VCPU through its
// lifecycle: Realize, Start, Pause, Resume, Kick, Reset, Destroy,
// GuestShutdown, GuestReset.
type CPUController struct {
	v *VCPU
}

// NewCPUController wraps a VCPU for external lifecycle control.
func NewCPUController(v *VCPU) *CPUController {
	return &CPUController{v: v}
}

// Realize applies boot configuration and topology, transitioning
// Nothing->Created. Must be called before Start.
func (c *CPUController) Realize(boot BootConfig, topo TopologyConfig) error {
	if !c.v.lifecycle.CompareAndSet(StateNothing, StateCreated) {
		return fmt.Errorf("%w: realize called in state %s", ErrRealizeVCPU, c.v.State())
	}
	if boot != nil {
		if err := c.v.arch.SetBootConfig(boot); err != nil {
			c.v.lifecycle.Set(StateNothing)
			return fmt.Errorf("%w: %v", ErrRealizeVCPU, err)
		}
	}
	if topo != nil {
		if err := c.v.arch.SetCPUTopology(topo); err != nil {
			c.v.lifecycle.Set(StateNothing)
			return fmt.Errorf("%w: %v", ErrRealizeVCPU, err)
		}
	}
	slog.Info("vcpu: realized", "id", c.v.ID)
	return nil
}

// Start launches the worker goroutine and releases its start barrier,
// transitioning Created->Running. Returns once the worker has observed the
// transition, not once it has issued its first KVM_RUN.
func (c *CPUController) Start() error {
	if c.v.State() != StateCreated {
		return fmt.Errorf("%w: start called in state %s", ErrStartVCPU, c.v.State())
	}
	c.v.startWorker()
	close(c.v.startBarrier)
	c.v.lifecycle.Wait(func(s LifecycleState) bool { return s != StateCreated })
	slog.Info("vcpu: started", "id", c.v.ID)
	return nil
}

// Pause requests the worker park at the top of its run loop, transitioning
// Running->Paused, kicks it to interrupt a blocked KVM_RUN, and then
// spin-waits on pauseSignal for the worker's own confirmation that it has
// actually parked (i.e. is no longer inside KVM_RUN) before returning.
func (c *CPUController) Pause() error {
	if !c.v.lifecycle.CompareAndSet(StateRunning, StatePaused) {
		if c.v.State() == StatePaused {
			return nil
		}
		return fmt.Errorf("%w: pause called in state %s", ErrStopVCPU, c.v.State())
	}
	if err := c.Kick(); err != nil {
		slog.Warn("vcpu: kick during pause failed", "id", c.v.ID, "err", err)
	}
	for !c.v.pauseSignal.Load() {
		if c.v.State() != StatePaused {
			// Resumed or torn down before the worker acknowledged.
			return nil
		}
		time.Sleep(50 * time.Microsecond)
	}
	return nil
}

// Resume releases a paused worker, transitioning Paused->Running. The
// worker clears pauseSignal itself once it wakes from the pause wait.
func (c *CPUController) Resume() error {
	if !c.v.lifecycle.CompareAndSet(StatePaused, StateRunning) {
		if c.v.State() == StateRunning {
			return nil
		}
		return fmt.Errorf("%w: resume called in state %s", ErrStopVCPU, c.v.State())
	}
	return nil
}

// Kick sends TaskSignal to the vCPU's worker thread, forcing a blocked
// KVM_RUN to return immediately so the worker re-checks its lifecycle state
// or drains a queued closure.
func (c *CPUController) Kick() error {
	if err := c.v.requestImmediateExit(func() error {
		return kickThread(int(c.v.tid.Load()), TaskSignal())
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrKickVCPU, err)
	}
	return nil
}

// Reset requests an architectural reset on the vCPU's own thread: it queues
// a closure that calls ArchCPU.ResetVCPU and kicks the thread (via
// TaskSignal, the same cross-thread wakeup every other request uses) so the
// closure is observed promptly. See signal.go for why this does not dispatch
// off a received ResetSignal instead.
func (c *CPUController) Reset() error {
	done := make(chan error, 1)
	c.v.closures <- func() {
		done <- c.v.arch.ResetVCPU()
	}
	if err := c.Kick(); err != nil {
		return err
	}
	return <-done
}

// Destroy requests the worker stop (Running/Paused->Stopping) and waits up
// to 32ms for it to reach Stopped before giving up, matching the bounded
// condvar wait used by the original design's CPU::destroy.
func (c *CPUController) Destroy() error {
	state := c.v.State()
	if state == StateNothing || state == StateStopped {
		return c.v.close()
	}
	if state == StatePaused {
		c.v.lifecycle.CompareAndSet(StatePaused, StateStopping)
	} else {
		c.v.lifecycle.CompareAndSet(StateRunning, StateStopping)
	}
	if err := c.Kick(); err != nil {
		slog.Warn("vcpu: kick during destroy failed", "id", c.v.ID, "err", err)
	}

	select {
	case <-c.v.stopped:
	case <-time.After(32 * time.Millisecond):
		return fmt.Errorf("%w: worker did not stop within 32ms", ErrDestroyVCPU)
	}
	return c.v.close()
}

// GuestShutdown reports the lifecycle state after a SYSTEM_EVENT_SHUTDOWN
// was observed on this vCPU. By the time this is called from the machine's
// monitor-event path, the worker has already called Machine.Destroy, pushed
// a Shutdown event onto c.v.Events, and transitioned itself to Stopped (see
// handleSystemEvent in worker.go).
func (c *CPUController) GuestShutdown() LifecycleState {
	return c.v.State()
}

// GuestReset reports the lifecycle state after a SYSTEM_EVENT_RESET was
// observed. The worker has already called Machine.Reset, pushed a Reset
// event onto c.v.Events, invoked ArchCPU.ResetVCPU, and continues running.
func (c *CPUController) GuestReset() LifecycleState {
	return c.v.State()
}
