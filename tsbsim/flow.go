package tsbsim

import (
	"context"
	"log/slog"
	"sync"

	"github.com/modulab/unipro/tsb"
)

// Controller is a software model of the ATABL flow control table. It tracks
// the tsb.MaxFlowReqs request lines and enforces the hardware transition
// rules, returning tsb.ErrReqState for transitions the silicon rejects.
type Controller struct {
	mu     sync.Mutex
	lines  [tsb.MaxFlowReqs]flowLine
	logger *slog.Logger
}

var _ tsb.FlowController = (*Controller)(nil)

// NewController returns a Controller with every request line free.
func NewController(logger *slog.Logger) *Controller {
	c := &Controller{logger: logger}
	for i := range c.lines {
		c.lines[i] = flowLine{ctl: c, id: uint8(i), cport: tsb.CPortNone}
	}
	return c
}

// FreeReqCount implements tsb.FlowController.
func (c *Controller) FreeReqCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	free := 0
	for i := range c.lines {
		if c.lines[i].state == tsb.ReqFree {
			free++
		}
	}
	return free
}

// AllocReq implements tsb.FlowController.
func (c *Controller) AllocReq() (tsb.FlowReq, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.lines {
		if c.lines[i].state == tsb.ReqFree {
			c.lines[i].state = tsb.ReqAllocated
			return &c.lines[i], nil
		}
	}
	return nil, tsb.ErrNoSpace
}

// Close forces every request line back to free.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.lines {
		c.lines[i].state = tsb.ReqFree
		c.lines[i].cport = tsb.CPortNone
		c.lines[i].hwactive = false
	}
	return nil
}

// State reports the state of request line id. Meant for tests and tooling.
func (c *Controller) State(id uint8) tsb.ReqState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(id) >= len(c.lines) {
		return tsb.ReqError
	}
	return c.lines[id].state
}

// routedRunning reports whether the line pacing peripheral is routed to
// cport with its handshake running. The DMA model gates transfers on it.
func (c *Controller) routedRunning(peripheral uint8, cport uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.lines {
		l := &c.lines[i]
		if l.peripheralID() != peripheral {
			continue
		}
		return l.state == tsb.ReqRunning && l.hwactive && l.cport == cport
	}
	return false
}

// forceStop clears the handshake start bit of the line pacing peripheral,
// like the hardware does while recovering a faulted channel. The software
// visible state catches up on the next Activated poll.
func (c *Controller) forceStop(peripheral uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.lines {
		if c.lines[i].peripheralID() == peripheral {
			c.lines[i].hwactive = false
			return
		}
	}
}

func (c *Controller) warn(msg string, attrs ...slog.Attr) {
	if c.logger != nil {
		c.logger.LogAttrs(context.Background(), slog.LevelWarn, msg, attrs...)
	}
}

// flowLine is one ATABL request line. hwactive mirrors the handshake start
// bit of the REQn register, which the hardware can clear on its own.
type flowLine struct {
	ctl      *Controller
	id       uint8
	state    tsb.ReqState
	cport    uint16
	hwactive bool
}

var _ tsb.FlowReq = (*flowLine)(nil)

func (l *flowLine) peripheralID() uint8 { return l.id + tsb.FlowPeripheralOffset }

// PeripheralID implements tsb.FlowReq.
func (l *flowLine) PeripheralID() uint8 { return l.peripheralID() }

// Connect implements tsb.FlowReq.
func (l *flowLine) Connect(cport uint16) error {
	l.ctl.mu.Lock()
	defer l.ctl.mu.Unlock()
	if l.state != tsb.ReqAllocated {
		return tsb.ErrReqState
	}
	l.cport = cport
	l.state = tsb.ReqConnected
	return nil
}

// Disconnect implements tsb.FlowReq.
func (l *flowLine) Disconnect() error {
	l.ctl.mu.Lock()
	defer l.ctl.mu.Unlock()
	if l.state != tsb.ReqConnected {
		return tsb.ErrReqState
	}
	l.cport = tsb.CPortNone
	l.state = tsb.ReqAllocated
	return nil
}

// Activate implements tsb.FlowReq.
func (l *flowLine) Activate() error {
	l.ctl.mu.Lock()
	defer l.ctl.mu.Unlock()
	if l.state != tsb.ReqConnected {
		return tsb.ErrReqState
	}
	l.state = tsb.ReqRunning
	l.hwactive = true
	return nil
}

// Deactivate implements tsb.FlowReq. Deactivating a connected line demotes
// it to allocated, matching the hardware's double duty of this operation.
func (l *flowLine) Deactivate() error {
	l.ctl.mu.Lock()
	defer l.ctl.mu.Unlock()
	switch l.state {
	case tsb.ReqRunning:
		l.hwactive = false
		l.state = tsb.ReqConnected
		return nil
	case tsb.ReqConnected:
		l.state = tsb.ReqAllocated
		return nil
	}
	return tsb.ErrReqState
}

// Activated implements tsb.FlowReq. If the hardware cleared the start bit
// on its own the line state catches up here.
func (l *flowLine) Activated() bool {
	l.ctl.mu.Lock()
	defer l.ctl.mu.Unlock()
	if l.state != tsb.ReqRunning {
		if l.hwactive {
			l.ctl.warn("flow:state-mismatch", slog.Uint64("req", uint64(l.id)))
		}
		return false
	}
	if !l.hwactive {
		l.state = tsb.ReqConnected
		return false
	}
	return true
}

// Completed implements tsb.FlowReq.
func (l *flowLine) Completed() error {
	l.ctl.mu.Lock()
	defer l.ctl.mu.Unlock()
	if l.state != tsb.ReqRunning {
		return tsb.ErrReqState
	}
	l.hwactive = false
	l.state = tsb.ReqConnected
	return nil
}

// Free implements tsb.FlowReq.
func (l *flowLine) Free() error {
	l.ctl.mu.Lock()
	defer l.ctl.mu.Unlock()
	l.state = tsb.ReqFree
	l.cport = tsb.CPortNone
	l.hwactive = false
	return nil
}
