package unipro

import (
	"github.com/modulab/unipro/tsb"
)

// xferDescriptor tracks one queued transmission over a CPort.
type xferDescriptor struct {
	cport uint16
	data  []byte
	// off is how many bytes have been handed to the DMA device. The
	// dispatcher advances it before each enqueue. Guarded by Engine.mu.
	off  int
	done func(error)

	// channel is nil until the dispatcher binds the descriptor to a DMA
	// channel. A queue head with a non nil channel has an operation in
	// flight and is skipped by the dispatcher. Guarded by Engine.mu.
	channel *dmaChannel
	op      *tsb.DMAOp
	// cancel is the status reported if the in flight operation gets
	// dequeued. Set before the Dequeue call that cancels the operation.
	cancel error
}

// dmaChannel pairs a GDMAC channel with its flow control request line.
// Each channel serves many CPorts over its lifetime; the request line is
// rerouted when a transfer for a different CPort starts on it.
type dmaChannel struct {
	hw  tsb.DMAChannel
	req tsb.FlowReq
	// cport is the CPort the request line is routed to, tsb.CPortNone
	// when unrouted. Guarded by Engine.mu.
	cport uint16
	// savedWaterMark holds the TX_BUFFER_SPACE_OFFSET value stashed away
	// when a DMA fault zeroes the register. Restored after recovery.
	savedWaterMark uint32
}

// cportState is the per CPort transmit queue. Guarded by Engine.mu.
type cportState struct {
	fifo         []*xferDescriptor
	pendingReset bool
	resetDone    func()
}

// pickChannel maps a CPort to its DMA channel. Channel 0 is reserved for
// CPort 0 so control traffic never waits behind bulk transfers. The data
// CPorts share the remaining channels.
func (e *Engine) pickChannel(cport uint16) *dmaChannel {
	if cport == 0 {
		return e.channels[0]
	}
	return e.channels[(int(cport)-1)%(len(e.channels)-1)+1]
}

// nextReady returns the next dispatchable descriptor, scanning the CPort
// queues round robin starting at cursor. CPorts with a pending reset are
// flushed as the scan encounters them. Returns nil once no queue has a
// dispatchable head.
func (e *Engine) nextReady(cursor uint16) *xferDescriptor {
	n := uint16(len(e.cports))
	for i := uint16(0); i < n; i++ {
		cport := (cursor + i) % n
		e.mu.Lock()
		pending := e.cports[cport].pendingReset
		e.mu.Unlock()
		if pending {
			e.flushCPort(cport, ErrConnReset)
		}
		e.mu.Lock()
		st := &e.cports[cport]
		if len(st.fifo) == 0 {
			e.mu.Unlock()
			continue
		}
		d := st.fifo[0]
		if d.channel != nil {
			e.mu.Unlock()
			continue
		}
		e.mu.Unlock()
		return d
	}
	return nil
}

// flushCPort performs a pending CPort reset: cancels the queued transfers
// with status, resets the CPort in the fabric and fires the reset completion
// callback. Runs on the dispatcher goroutine, or on the closing goroutine
// for a reset still pending at teardown. Never called with mu held.
func (e *Engine) flushCPort(cport uint16, status error) {
	e.cancelCPort(cport, status)
	if err := e.fab.ResetCPort(cport); err != nil {
		e.logerr("flush:reset", attrCPort(cport), attrErr(err))
	}
	e.mu.Lock()
	st := &e.cports[cport]
	st.pendingReset = false
	done := st.resetDone
	st.resetDone = nil
	e.mu.Unlock()
	e.stats.resets.Add(1)
	e.debug("flush:done", attrCPort(cport))
	if done != nil {
		done()
	}
}

// cancelCPort empties the CPort queue. Descriptors not yet bound to a
// channel have their callback fired with status, newest first. A bound head
// stays queued while its DMA operation is dequeued; the dequeued event
// completes it with status later.
func (e *Engine) cancelCPort(cport uint16, status error) {
	e.mu.Lock()
	st := &e.cports[cport]
	var bound *xferDescriptor
	var boundCh *dmaChannel
	var boundOp *tsb.DMAOp
	var cancelled []*xferDescriptor
	for i := len(st.fifo) - 1; i >= 0; i-- {
		d := st.fifo[i]
		if d.channel != nil {
			d.cancel = status
			bound, boundCh, boundOp = d, d.channel, d.op
			continue
		}
		cancelled = append(cancelled, d)
	}
	if bound != nil {
		st.fifo = append(st.fifo[:0], bound)
	} else {
		st.fifo = nil
	}
	e.mu.Unlock()

	for _, d := range cancelled {
		e.stats.cancels.Add(1)
		if d.done != nil {
			d.done(status)
		}
	}
	if boundOp != nil {
		if err := boundCh.hw.Dequeue(boundOp); err != nil {
			e.logerr("cancel:dequeue", attrCPort(cport), attrErr(err))
		}
	}
}

// unlinkLocked removes d from its CPort queue. Caller holds mu.
func (e *Engine) unlinkLocked(d *xferDescriptor) {
	st := &e.cports[d.cport]
	for i, q := range st.fifo {
		if q == d {
			st.fifo = append(st.fifo[:i], st.fifo[i+1:]...)
			return
		}
	}
}
