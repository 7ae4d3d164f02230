package virtionet

import (
	"fmt"
	"log/slog"
)

// ProcessRX drains whatever the TAP has queued into the RX virtqueue's
// available descriptor chains, applying the packet filter as the original
// handle_rx loop does: pop an avail chain,
// read one packet from the TAP into a header+payload scratch buffer, run it
// through CtrlInfo.FilterPacket, and either drop it (pushing the chain back
// unused) or write it into the chain and publish a used entry.
func (n *Net) ProcessRX(idx int) error {
	n.mu.Lock()
	p := n.pairs[idx]
	broken := n.state.Broken
	ctrl := n.ctrl
	n.mu.Unlock()
	if broken {
		return ErrDeviceBroken
	}
	if p.tap == nil {
		return nil
	}

	p.rxMu.Lock()
	wasPaused := p.rxPaused
	p.rxMu.Unlock()
	if wasPaused {
		// The driver kicked this RX queue again, meaning it has supplied
		// fresh buffers: pull the TAP fd back into the I/O loop's watch
		// set before trying to drain it.
		if n.resumeTAPPoll != nil {
			if err := n.resumeTAPPoll(idx); err != nil {
				slog.Error("virtionet: resume tap poll failed", "pair", idx, "err", err)
			}
		}
		p.rxMu.Lock()
		p.rxPaused = false
		p.rxMu.Unlock()
	}

	oldUsedIdx := p.RX.usedIdx
	var notifyNeeded, ringFull bool

	// Service at most queueSize packets per call, the same fairness rule
	// the original handle_rx loop enforces before rearming and yielding, so
	// one saturated queue pair cannot starve its siblings sharing the I/O
	// thread.
	for i := 0; i < int(n.queueSize); i++ {
		avail, err := p.RX.AvailRingLen()
		if err != nil {
			return err
		}
		if avail == 0 {
			// No buffers left for the device to write into: park the TAP
			// fd rather than let the I/O loop keep polling a fd it cannot
			// do anything useful with until the driver supplies more.
			ringFull = true
			break
		}

		head, ok, err := p.RX.PopAvail()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		chain, err := p.RX.ReadChain(head)
		if err != nil {
			p.RX.PushBack()
			return err
		}
		if len(chain.In) == 0 {
			p.RX.PushBack()
			return fmt.Errorf("%w: rx chain has no writable descriptors", ErrBadDescriptorChain)
		}

		totalCap := 0
		for _, d := range chain.In {
			totalCap += int(d.Length)
		}
		buf := make([]byte, totalCap)
		iovecs := make([][]byte, 0, len(chain.In))
		offset := 0
		for _, d := range chain.In {
			iovecs = append(iovecs, buf[offset:offset+int(d.Length)])
			offset += int(d.Length)
		}

		read, err := p.tap.ReadvNonblock(iovecs)
		if err != nil {
			n.markBroken(err)
			p.RX.PushBack()
			return err
		}
		if read == 0 {
			p.RX.PushBack()
			break
		}

		if read > netHeaderSize && !ctrl.FilterPacket(buf[netHeaderSize:read]) {
			// Filtered out: discard this payload and push the chain back so
			// the next packet read from the TAP can reuse it; the driver
			// never sees the dropped packet.
			p.RX.PushBack()
			continue
		}

		if err := n.fillRXChain(p, chain, buf[:read]); err != nil {
			return err
		}
		if err := p.RX.AddUsed(head, uint32(read)); err != nil {
			return err
		}
		notifyNeeded = true
	}

	if ringFull {
		p.rxMu.Lock()
		p.rxPaused = true
		p.rxMu.Unlock()
		if n.pauseTAPPoll != nil {
			if err := n.pauseTAPPoll(idx); err != nil {
				slog.Error("virtionet: pause tap poll failed", "pair", idx, "err", err)
			}
		}
	}

	if notifyNeeded {
		return n.maybeNotify(p.RX, oldUsedIdx)
	}
	return nil
}

func (n *Net) fillRXChain(p *QueuePair, chain Chain, packet []byte) error {
	offset := 0
	for _, d := range chain.In {
		if offset >= len(packet) {
			break
		}
		end := offset + int(d.Length)
		if end > len(packet) {
			end = len(packet)
		}
		if err := p.RX.WriteGuest(d.Addr, packet[offset:end]); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

func (n *Net) maybeNotify(q *VirtQueue, oldUsedIdx uint16) error {
	notify, err := q.ShouldNotify(oldUsedIdx)
	if err != nil {
		return err
	}
	if !notify {
		return nil
	}
	if n.raiseInterrupt == nil {
		return nil
	}
	if err := n.raiseInterrupt(); err != nil {
		slog.Error("virtionet: raise interrupt failed", "err", err)
		return fmt.Errorf("%w: %v", ErrInterruptTrigger, err)
	}
	return nil
}
