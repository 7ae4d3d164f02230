package virtionet

import (
	"fmt"
	"log/slog"
)

// ProcessTX walks the TX virtqueue's available descriptor chains, applies
// any requested checksum offload, and writes each assembled packet out to
// the TAP, matching the original handle_tx loop including its
// backpressure rule: on EWOULDBLOCK the chain is pushed back unconsumed and
// processing stops; the chain is retried on the next ProcessTX call.
func (n *Net) ProcessTX(idx int) error {
	n.mu.Lock()
	p := n.pairs[idx]
	broken := n.state.Broken
	n.mu.Unlock()
	if broken {
		return ErrDeviceBroken
	}
	if p.tap == nil {
		return nil
	}

	oldUsedIdx := p.TX.usedIdx
	var notifyNeeded bool

	// Same fairness cap as ProcessRX: at most queueSize packets per call.
	for i := 0; i < int(n.queueSize); i++ {
		head, ok, err := p.TX.PopAvail()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		chain, err := p.TX.ReadChain(head)
		if err != nil {
			p.TX.PushBack()
			return err
		}

		packet, err := n.collectTXChain(p, chain)
		if err != nil {
			p.TX.PushBack()
			return err
		}
		if len(packet) < netHeaderSize {
			p.TX.PushBack()
			return fmt.Errorf("%w: tx packet shorter than header", ErrBadDescriptorChain)
		}

		hdr := parseNetHeader(packet)
		applyChecksum(packet[netHeaderSize:], hdr)

		iovecs := [][]byte{packet[netHeaderSize:]}
		written, err := p.tap.WritevNonblock(iovecs)
		if err != nil {
			// Any errno here (other than EWOULDBLOCK, which WritevNonblock
			// already folds into written==0 below) is logged and the
			// packet dropped; the chain is still consumed so a
			// persistently failing write can't wedge the queue.
			slog.Error("virtionet: tx write failed, dropping packet", "pair", idx, "err", err)
			if err := p.TX.AddUsed(head, 0); err != nil {
				return err
			}
			notifyNeeded = true
			continue
		}
		if written == 0 {
			p.TX.PushBack()
			break
		}

		if err := p.TX.AddUsed(head, 0); err != nil {
			return err
		}
		notifyNeeded = true
	}

	if notifyNeeded {
		return n.maybeNotify(p.TX, oldUsedIdx)
	}
	return nil
}

func (n *Net) collectTXChain(p *QueuePair, chain Chain) ([]byte, error) {
	if len(chain.In) != 0 {
		return nil, fmt.Errorf("%w: writable descriptor in tx chain", ErrBadDescriptorChain)
	}
	total := 0
	for _, d := range chain.Out {
		total += int(d.Length)
	}
	buf := make([]byte, 0, total)
	for _, d := range chain.Out {
		chunk, err := p.TX.ReadGuest(d.Addr, d.Length)
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}

// ProcessControlQueue handles every available descriptor chain on the
// control virtqueue: for each it dispatches the command, writes the single
// ack byte into the chain's first writable descriptor, and publishes the
// used entry.
func (n *Net) ProcessControlQueue(setQueuePairs func(uint16) error) error {
	n.mu.Lock()
	cq := n.ctrlQueue
	ctrl := n.ctrl
	broken := n.state.Broken
	n.mu.Unlock()
	if broken {
		return ErrDeviceBroken
	}
	if cq == nil {
		return nil
	}

	oldUsedIdx := cq.usedIdx
	var notifyNeeded bool
	for {
		head, ok, err := cq.PopAvail()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		chain, err := cq.ReadChain(head)
		if err != nil {
			cq.PushBack()
			return err
		}
		if len(chain.In) == 0 {
			cq.PushBack()
			return fmt.Errorf("%w: control chain has no writable descriptor for ack", ErrBadDescriptorChain)
		}

		var out []byte
		for _, d := range chain.Out {
			chunk, err := cq.ReadGuest(d.Addr, d.Length)
			if err != nil {
				cq.PushBack()
				return err
			}
			out = append(out, chunk...)
		}

		ack := ctrl.HandleControlCommand(out, setQueuePairs)
		if err := cq.WriteGuest(chain.In[0].Addr, []byte{ack}); err != nil {
			return err
		}
		if err := cq.AddUsed(head, 1); err != nil {
			return err
		}
		notifyNeeded = true
	}

	if notifyNeeded {
		return n.maybeNotify(cq, oldUsedIdx)
	}
	return nil
}
