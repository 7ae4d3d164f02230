package vcpu

import (
	"bytes"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Real-time signal numbers used to drive a vCPU worker from outside its own
// goroutine. glibc reserves the first two realtime signals (32, 33) for
// itself, so SIGRTMIN+0/+1 land on 34/35; musl reserves three (32-34), so
// they land on 35/36.
const (
	taskSignalGlibc  = 34
	resetSignalGlibc = 35
	taskSignalMusl   = 35
	resetSignalMusl  = 36
)

var (
	libcOnce   sync.Once
	isMuslLibc bool
)

// libcKind reports whether the running process is linked against musl.
// Detected by scanning /proc/self/maps for a musl libc mapping; glibc is
// assumed otherwise, since that is this module's only other supported
// target environment.
func libcKind() bool {
	libcOnce.Do(func() {
		data, err := os.ReadFile("/proc/self/maps")
		if err != nil {
			return
		}
		isMuslLibc = bytes.Contains(data, []byte("musl"))
	})
	return isMuslLibc
}

// TaskSignal requests immediate exit from a blocked KVM_RUN so its worker
// can notice a pending state transition or a queued closure.
func TaskSignal() syscall.Signal {
	if libcKind() {
		return syscall.Signal(taskSignalMusl)
	}
	return syscall.Signal(taskSignalGlibc)
}

// ResetSignal is the realtime signal number the original design reserves for
// an architectural reset delivered to a vCPU's own thread. This package
// claims it process-wide (see signalRouter) purely so its default
// terminate-the-process disposition can never fire; the actual reset
// mechanism is Controller.Reset's closures channel (see controller.go),
// not a per-thread signal handler dispatching off this value — Go has no
// way to determine, from inside an os/signal.Notify-delivered signal, which
// OS thread the kernel actually targeted, so a signal-number-keyed dispatch
// to a specific *VCPU cannot be reproduced without cgo.
func ResetSignal() syscall.Signal {
	if libcKind() {
		return syscall.Signal(resetSignalMusl)
	}
	return syscall.Signal(resetSignalGlibc)
}

// signalRouter claims the two real-time signals process-wide for the
// lifetime of the program.
//
// Delivery to a *specific* worker thread does not go through this router at
// all: Controller.Kick calls kickThread, which tgkills the exact OS thread
// id recorded by the worker goroutine. The kernel interrupts that thread's
// blocked KVM_RUN ioctl (EINTR) the moment the signal is delivered,
// independent of whether or when any goroutine observes it through
// os/signal.Notify. An architectural reset (Controller.Reset) does not use
// ResetSignal's per-thread dispatch either, for the same reason: it queues
// a closure on the target vCPU's closures channel and uses TaskSignal/
// kickThread, the same mechanism as every other cross-thread request, to
// make the worker observe it promptly. The closures channel is this
// package's sole reset-delivery mechanism; there is no separate
// registry-based dispatch off a received RESET signal.
//
// The process still needs a registered handler for both signals, because
// their default disposition is "terminate the process" and Go's runtime
// would otherwise kill the whole VM on the very first kick. This router
// exists only to satisfy that requirement and to log delivery for
// diagnostics; it performs no per-thread dispatch, which is the one place
// this package cannot reproduce the original design's true async-signal-safe
// inline handler without cgo (Go offers no way to install a handler that
// runs on the interrupted thread itself).
type signalRouter struct {
	taskCh  chan os.Signal
	resetCh chan os.Signal
}

var router = newSignalRouter()

func newSignalRouter() *signalRouter {
	r := &signalRouter{
		taskCh:  make(chan os.Signal, 64),
		resetCh: make(chan os.Signal, 64),
	}
	signal.Notify(r.taskCh, TaskSignal())
	signal.Notify(r.resetCh, ResetSignal())
	go r.drain(r.taskCh, "task")
	go r.drain(r.resetCh, "reset")
	return r
}

func (r *signalRouter) drain(ch chan os.Signal, kind string) {
	for range ch {
		slog.Debug("vcpu: signal observed", "kind", kind)
	}
}

// kickThread sends sig to the OS thread tid via tgkill, matching
// RequestImmediateExit's use of unix.Tgkill in the example corpus.
func kickThread(tid int, sig syscall.Signal) error {
	return unix.Tgkill(unix.Getpid(), tid, sig)
}
