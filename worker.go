package unipro

import (
	"errors"
	"log/slog"

	"github.com/modulab/unipro/tsb"
)

// txWorker is the dispatcher goroutine. It is the only goroutine that binds
// descriptors to channels and submits DMA operations, so queue heads move
// forward under a single owner.
func (e *Engine) txWorker() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			return
		case <-e.wake:
		}
		e.dispatch()
	}
}

// dispatch submits every dispatchable descriptor. Scanning restarts after
// each submission from the CPort following the one served, so one busy
// CPort cannot starve the others.
func (e *Engine) dispatch() {
	var failed map[*xferDescriptor]struct{}
	cursor := uint16(0)
	for {
		d := e.nextReady(cursor)
		if d == nil {
			return
		}
		if _, ok := failed[d]; ok {
			// Submission keeps failing for this head. End the pass;
			// the completion that frees op space nudges the
			// dispatcher and the descriptor is retried then.
			return
		}
		cursor = d.cport + 1
		if err := e.startXfer(d, e.pickChannel(d.cport)); err != nil {
			if errors.Is(err, tsb.ErrNoSpace) {
				e.debug("dispatch:no-space", attrCPort(d.cport))
			} else {
				e.logerr("dispatch:xfer", attrCPort(d.cport), attrErr(err))
			}
			if failed == nil {
				failed = make(map[*xferDescriptor]struct{})
			}
			failed[d] = struct{}{}
		}
	}
}

// startXfer allocates a DMA operation for the descriptor's next window and
// submits it. On failure the descriptor is left unbound at the head of its
// queue for a later retry.
func (e *Engine) startXfer(d *xferDescriptor, ch *dmaChannel) error {
	e.mu.Lock()
	off := d.off
	e.mu.Unlock()
	n := len(d.data) - off
	if e.maxOpLen > 0 && n > e.maxOpLen {
		n = e.maxOpLen
	}
	op, err := e.dma.AllocOp(1)
	if err != nil {
		return err
	}
	dst := tsb.TxBufAddr(d.cport)
	if off != 0 {
		// Resuming a partially sent message. The transfer header only
		// precedes the first window, skip past it for the rest.
		dst += tsb.CPortTxHeaderSkip
	}
	op.Events = tsb.EventsAll
	op.Callback = func(_ tsb.DMAChannel, op *tsb.DMAOp, ev tsb.Event) error {
		return e.dmaEvent(d, op, ev)
	}
	op.Sg = append(op.Sg[:0], tsb.SgEntry{Src: d.data[off : off+n], DstAddr: dst})

	if e._traceenabled {
		e.trace("xfer:enqueue", attrCPort(d.cport), slog.Int("off", off), slog.Int("len", n))
	}

	e.mu.Lock()
	d.channel = ch
	d.op = op
	d.off = off + n
	e.mu.Unlock()

	e.inflight.Add(1)
	if err := ch.hw.Enqueue(op); err != nil {
		e.inflight.Done()
		e.mu.Lock()
		d.channel = nil
		d.op = nil
		d.off = off // The retry must resend the same window.
		e.mu.Unlock()
		e.dma.FreeOp(op)
		return err
	}
	return nil
}
