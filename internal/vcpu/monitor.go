//go:build linux

package vcpu

import "log/slog"

// MonitorEventKind distinguishes the monitor events a vCPU worker emits
// while driving the owning machine through a guest-initiated shutdown or
// reset.
type MonitorEventKind int

const (
	EventShutdown MonitorEventKind = iota
	EventReset
)

func (k MonitorEventKind) String() string {
	switch k {
	case EventShutdown:
		return "shutdown"
	case EventReset:
		return "reset"
	default:
		return "unknown"
	}
}

// MonitorEvent is pushed onto a VCPU's Events channel for an out-of-scope
// monitor/QMP-style transport to drain; this package only produces them.
type MonitorEvent struct {
	Kind   MonitorEventKind
	Guest  bool
	Reason string
}

// emitEvent is a non-blocking send: a monitor transport that isn't keeping
// up with events must not be able to stall the vCPU worker.
func (v *VCPU) emitEvent(ev MonitorEvent) {
	if v.Events == nil {
		return
	}
	select {
	case v.Events <- ev:
	default:
		slog.Warn("vcpu: monitor event dropped, channel full", "id", v.ID, "kind", ev.Kind)
	}
}
