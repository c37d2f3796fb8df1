package unipro

import (
	"log/slog"

	"github.com/modulab/unipro/tsb"
)

// recoveredPollLimit bounds the busy wait for the flow handshake to settle
// after a fault recovery.
const recoveredPollLimit = 100

// dmaEvent handles the DMA lifecycle events of a descriptor's in flight
// operation. It runs on the DMA controller's completion goroutine and takes
// mu only around queue and binding updates, never across callbacks or
// device calls.
func (e *Engine) dmaEvent(d *xferDescriptor, op *tsb.DMAOp, ev tsb.Event) error {
	var retval error

	if ev.Has(tsb.EventStart) {
		e.mu.Lock()
		ch := d.channel
		route := ch.cport
		e.mu.Unlock()

		if route != tsb.CPortNone && ch.req.Activated() {
			ch.req.Deactivate()
		}
		if route != d.cport {
			if route != tsb.CPortNone {
				ch.req.Disconnect()
				e.mu.Lock()
				ch.cport = tsb.CPortNone
				e.mu.Unlock()
			}
			if err := ch.req.Connect(d.cport); err != nil {
				e.logerr("dmaEvent:connect", attrCPort(d.cport), attrErr(err))
				return err
			}
		}
		if err := ch.req.Activate(); err != nil {
			e.logerr("dmaEvent:activate", attrCPort(d.cport), attrErr(err))
			return err
		}
		e.mu.Lock()
		ch.cport = d.cport
		e.mu.Unlock()
	}

	if ev.Has(tsb.EventCompleted) {
		e.mu.Lock()
		ch := d.channel
		sent := d.off
		if sent >= len(d.data) {
			// Unbind and unlink before dropping the lock so a flush
			// racing with the completion can neither fire a second
			// callback nor dequeue the op being freed.
			d.channel = nil
			d.op = nil
			e.unlinkLocked(d)
			e.mu.Unlock()
			// The whole message is in the transmit buffer. Raise end
			// of message so the peer delivers it as one unit.
			e.fab.SetEOMFlag(d.cport)
			retval = e.dma.FreeOp(op)
			if d.done != nil {
				d.done(nil)
			}
			ch.req.Completed()
			e.stats.completes.Add(1)
		} else {
			// More windows to go. Unbind so the dispatcher picks the
			// descriptor up again; the handshake stays routed to this
			// CPort and is merely restarted by the next window.
			d.channel = nil
			d.op = nil
			e.mu.Unlock()
			if e._traceenabled {
				e.trace("dmaEvent:partial", attrCPort(d.cport), slog.Int("off", sent))
			}
			retval = e.dma.FreeOp(op)
		}
		if retval != nil {
			e.logerr("dmaEvent:free-op", attrErr(retval))
		}
		e.inflight.Done()
		e.nudge()
		if retval != nil {
			return retval
		}
	}

	// Fault handling needs the ATABL block and only exists on ES3 and
	// later parts.
	if e.rev >= tsb.RevES3 && ev.Has(tsb.EventError) {
		e.stats.dmaErrors.Add(1)
		e.mu.Lock()
		ch := d.channel
		route := ch.cport
		e.mu.Unlock()
		if ch.req.Activated() {
			// Zero the watermark to quench the handshake while the
			// channel recovers. Restored by the recovered event.
			ch.savedWaterMark = e.fab.TxBufferSpaceOffset(route)
			e.fab.SetTxBufferSpaceOffset(route, 0)
			e.warn("dmaEvent:fault", attrCPort(route))
			return tsb.ErrDMAFailed
		}
		return nil
	}

	if e.rev >= tsb.RevES3 && ev.Has(tsb.EventRecovered) {
		e.mu.Lock()
		ch := d.channel
		route := ch.cport
		e.mu.Unlock()
		for count := 0; count < recoveredPollLimit; count++ {
			if !ch.req.Activated() {
				break
			}
		}
		e.fab.SetTxBufferSpaceOffset(route, ch.savedWaterMark)
		ch.req.Completed()
		e.debug("dmaEvent:recovered", attrCPort(route))
		return nil
	}

	if ev.Has(tsb.EventDequeued) {
		e.mu.Lock()
		status := d.cancel
		d.channel = nil
		d.op = nil
		e.unlinkLocked(d)
		e.mu.Unlock()
		e.dma.FreeOp(op)
		if status == nil {
			status = ErrConnReset
		}
		if d.done != nil {
			d.done(status)
		}
		e.stats.cancels.Add(1)
		e.inflight.Done()
		e.nudge()
	}

	return retval
}
