package unipro

// SendAsync queues data for transmission over cport. done, if non nil, runs
// exactly once from the engine with the transfer outcome: nil once the whole
// payload reached the fabric, ErrConnReset or ErrClosed if the transfer was
// cancelled first. The engine reads data until done fires, so the caller
// must not modify the slice before then.
//
// Transfers on the same CPort reach the fabric in SendAsync order.
func (e *Engine) SendAsync(cport uint16, data []byte, done func(error)) error {
	if int(cport) >= len(e.cports) {
		e.logerr("SendAsync:invalid-cport", attrCPort(cport))
		return ErrInvalidCPort
	}
	d := &xferDescriptor{cport: cport, data: data, done: done}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	st := &e.cports[cport]
	if st.pendingReset {
		e.mu.Unlock()
		return ErrCPortResetting
	}
	st.fifo = append(st.fifo, d)
	e.mu.Unlock()
	e.stats.sends.Add(1)
	e.nudge()
	return nil
}

// Send transmits data over cport and blocks until the outcome is known.
// There is no timeout: the fabric's flow control decides when the transfer
// may proceed, so a peer that never frees buffer space stalls Send until
// the CPort is reset or the engine is closed.
func (e *Engine) Send(cport uint16, data []byte) error {
	result := make(chan error, 1)
	err := e.SendAsync(cport, data, func(status error) {
		result <- status
	})
	if err != nil {
		return err
	}
	return <-result
}

// ResetNotify wakes the dispatcher so a pending CPort reset is serviced
// promptly. RequestReset already wakes the dispatcher itself; ResetNotify
// exists for callers that learn about reset state out of band and only
// need the dispatcher to take another look.
func (e *Engine) ResetNotify(cport uint16) {
	e.debug("ResetNotify", attrCPort(cport))
	e.nudge()
}

// RequestReset marks cport for reset. The dispatcher cancels every queued
// transfer on it with ErrConnReset, resets the CPort in the fabric and then
// runs done, if non nil. Sends issued while the reset is pending fail with
// ErrCPortResetting; the CPort accepts sends again once done has fired.
func (e *Engine) RequestReset(cport uint16, done func()) error {
	if int(cport) >= len(e.cports) {
		return ErrInvalidCPort
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	st := &e.cports[cport]
	st.pendingReset = true
	if done != nil {
		if prev := st.resetDone; prev != nil {
			st.resetDone = func() { prev(); done() }
		} else {
			st.resetDone = done
		}
	}
	e.mu.Unlock()
	e.debug("RequestReset:pending", attrCPort(cport))
	e.nudge()
	return nil
}
