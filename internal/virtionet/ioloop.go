//go:build linux

package virtionet

import (
	"context"
	"log/slog"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// QueueNotifier lets the transport tell the I/O loop which queue index was
// kicked (via a virtqueue notify MMIO write) without the loop needing to
// know anything about the transport.
type QueueNotifier interface {
	// Notifications delivers queue indices as the driver kicks them.
	// Index 2*i is pair i's RX queue, 2*i+1 is pair i's TX queue, and the
	// final index is the control queue.
	Notifications() <-chan int
}

// IOLoop runs one shared goroutine per configured IOThread that services
// every queue pair's TAP readiness and the driver's queue-notify kicks.
// A single epoll instance multiplexes every queue pair's TAP fd so adding
// queue pairs via multiqueue negotiation doesn't require spinning up more
// OS threads.
type IOLoop struct {
	net      *Net
	notifier QueueNotifier
	epollFd  int

	// dispatchLimiter caps how many TAP-readiness dispatch rounds per second
	// the loop runs, whether or not earlier rounds made progress: a
	// steady-state rate limit, unlike the per-call packet-count fairness
	// caps in ProcessRX/ProcessTX.
	dispatchLimiter *rate.Limiter
}

// NewIOLoop creates an I/O loop over net's queue pairs, rate-limiting
// TAP-readiness dispatch rounds to at most maxPollsPerSecond.
func NewIOLoop(net *Net, notifier QueueNotifier, maxPollsPerSecond float64) (*IOLoop, error) {
	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	loop := &IOLoop{
		net:             net,
		notifier:        notifier,
		epollFd:         epollFd,
		dispatchLimiter: rate.NewLimiter(rate.Limit(maxPollsPerSecond), 1),
	}
	for _, p := range net.pairs {
		if p.tap == nil {
			continue
		}
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(p.tap.FD())}
		if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, p.tap.FD(), &ev); err != nil {
			return nil, err
		}
	}
	net.SetTAPPollHooks(loop.pauseTAPPoll, loop.resumeTAPPoll)
	return loop, nil
}

// pauseTAPPoll removes queue pair idx's TAP fd from the epoll watch set.
// Called by ProcessRX once its RX ring runs out of guest-supplied buffers,
// so the loop never busy-spins re-polling a TAP it cannot drain into.
func (l *IOLoop) pauseTAPPoll(idx int) error {
	p := l.net.pairs[idx]
	if p.tap == nil {
		return nil
	}
	if err := unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_DEL, p.tap.FD(), nil); err != nil {
		return err
	}
	return nil
}

// resumeTAPPoll re-adds queue pair idx's TAP fd to the epoll watch set.
// Called by ProcessRX once the driver notifies its RX queue again, which
// only happens after it has supplied fresh buffers.
func (l *IOLoop) resumeTAPPoll(idx int) error {
	p := l.net.pairs[idx]
	if p.tap == nil {
		return nil
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(p.tap.FD())}
	return unix.EpollCtl(l.epollFd, unix.EPOLL_CTL_ADD, p.tap.FD(), &ev)
}

// Run services TAP readiness and queue-notify kicks until ctx is cancelled.
func (l *IOLoop) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, len(l.net.pairs))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case qidx, ok := <-l.notifier.Notifications():
			if !ok {
				return nil
			}
			l.dispatchQueue(qidx)
		default:
		}

		n, err := unix.EpollWait(l.epollFd, events, 50)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}
		if !l.dispatchLimiter.Allow() {
			continue
		}
		for i, p := range l.net.pairs {
			if p.tap == nil {
				continue
			}
			for _, ev := range events[:n] {
				if int(ev.Fd) == p.tap.FD() {
					if err := l.net.ProcessRX(i); err != nil {
						slog.Error("virtionet: rx processing failed", "pair", i, "err", err)
					}
				}
			}
		}
	}
}

func (l *IOLoop) dispatchQueue(idx int) {
	pairs := len(l.net.pairs)
	switch {
	case idx == 2*pairs:
		if err := l.net.ProcessControlQueue(l.net.setQueuePairsLocked); err != nil {
			slog.Error("virtionet: control queue processing failed", "err", err)
		}
	case idx%2 == 0:
		if err := l.net.ProcessRX(idx / 2); err != nil {
			slog.Error("virtionet: rx processing failed", "pair", idx/2, "err", err)
		}
	default:
		if err := l.net.ProcessTX(idx / 2); err != nil {
			slog.Error("virtionet: tx processing failed", "pair", idx/2, "err", err)
		}
	}
}

// setQueuePairsLocked is the hook passed to ProcessControlQueue for
// VIRTIO_NET_CTRL_MQ_VQ_PAIRS_SET: it records the driver's requested count
// in activePairs, rejecting more pairs than were realized. Nothing else
// consults activePairs, so every realized pair keeps being serviced.
func (n *Net) setQueuePairsLocked(pairs uint16) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if int(pairs) > len(n.pairs) {
		return ErrQueuePairsRange
	}
	n.activePairs = int(pairs)
	return nil
}
