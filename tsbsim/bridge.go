// Package tsbsim is a software model of a Toshiba UniPro bridge for
// exercising the transmit path without silicon. A Bridge provides a GDMAC
// style DMA controller with per channel operation queues, the ATABL flow
// control table and the CPort register file. Messages closed by an end of
// message flag are handed to OnMessage.
package tsbsim

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/modulab/unipro/tsb"
	"golang.org/x/exp/constraints"
)

// Defaults for Config fields left zero.
const (
	DefaultCPorts   = 16
	DefaultChannels = 8
	DefaultOpPool   = 16

	channelQueueDepth = 16
)

// Config configures a Bridge.
type Config struct {
	// CPorts is the number of CPorts of the bridge. Zero means
	// DefaultCPorts.
	CPorts uint16
	// Channels is the number of DMA channels the controller offers. Zero
	// means DefaultChannels.
	Channels int
	// OpPool sizes the DMA operation pool. Zero means DefaultOpPool.
	OpPool int
	// MaxOpLen bounds the payload of a single DMA operation in bytes.
	// Zero leaves operations unbounded.
	MaxOpLen int
	// Logger receives bridge logs. Nil disables logging.
	Logger *slog.Logger
}

type opPhase uint8

const (
	phaseIdle opPhase = iota
	phaseQueued
	phaseRunning
)

type delivery struct {
	cport uint16
	msg   []byte
}

// Bridge is the simulated bridge ASIC. It implements tsb.DMADevice and
// tsb.Fabric and Flow returns the matching flow controller, so one Bridge
// fills all three device slots of an engine. Create with NewBridge and
// release with Close.
type Bridge struct {
	// OnMessage is invoked from the bridge's delivery goroutine with every
	// message closed by an end of message flag. Set it before the first
	// transfer. Nil drops messages.
	OnMessage func(cport uint16, msg []byte)

	mu sync.Mutex

	flow *Controller

	wmRegs []uint32
	acc    [][]byte

	freeChannels int
	maxOpLen     int

	freeOps   []*tsb.DMAOp
	phase     map[*tsb.DMAOp]opPhase
	cancelled map[*tsb.DMAOp]bool

	failNext map[uint16]int

	deliver chan delivery
	quit    chan struct{}
	wg      sync.WaitGroup
	closed  bool

	resets atomic.Uint32

	logger *slog.Logger
}

var (
	_ tsb.DMADevice = (*Bridge)(nil)
	_ tsb.Fabric    = (*Bridge)(nil)
)

// NewBridge returns a running Bridge.
func NewBridge(cfg Config) *Bridge {
	if cfg.CPorts == 0 {
		cfg.CPorts = DefaultCPorts
	}
	if cfg.Channels == 0 {
		cfg.Channels = DefaultChannels
	}
	if cfg.OpPool == 0 {
		cfg.OpPool = DefaultOpPool
	}
	b := &Bridge{
		flow:         NewController(cfg.Logger),
		wmRegs:       make([]uint32, cfg.CPorts),
		acc:          make([][]byte, cfg.CPorts),
		freeChannels: cfg.Channels,
		maxOpLen:     cfg.MaxOpLen,
		phase:        make(map[*tsb.DMAOp]opPhase),
		cancelled:    make(map[*tsb.DMAOp]bool),
		failNext:     make(map[uint16]int),
		deliver:      make(chan delivery, 32),
		quit:         make(chan struct{}),
		logger:       cfg.Logger,
	}
	for i := 0; i < cfg.OpPool; i++ {
		b.freeOps = append(b.freeOps, &tsb.DMAOp{Sg: make([]tsb.SgEntry, 0, 1)})
	}
	b.wg.Add(1)
	go b.deliveryLoop()
	return b
}

// Flow returns the flow controller of the bridge.
func (b *Bridge) Flow() *Controller { return b.flow }

// FailNextTransfer arms a one shot DMA fault for the next transfer that
// targets cport. Used to exercise error recovery.
func (b *Bridge) FailNextTransfer(cport uint16) {
	b.mu.Lock()
	b.failNext[cport]++
	b.mu.Unlock()
}

// Resets returns how many CPort resets the fabric performed.
func (b *Bridge) Resets() uint32 { return b.resets.Load() }

// Buffered returns how many bytes are accumulated on cport but not yet
// closed by an end of message flag.
func (b *Bridge) Buffered(cport uint16) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(cport) >= len(b.acc) {
		return 0
	}
	return len(b.acc[cport])
}

// Close stops the bridge goroutines. Close does not wait for clients to
// free their channels and ops first.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	close(b.quit)
	b.wg.Wait()
	return nil
}

func (b *Bridge) deliveryLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.quit:
			return
		case dl := <-b.deliver:
			if b.OnMessage != nil {
				b.OnMessage(dl.cport, dl.msg)
			} else {
				b.debug("deliver:dropped", slog.Uint64("cport", uint64(dl.cport)), slog.Int("len", len(dl.msg)))
			}
		}
	}
}

// FreeChannelCount implements tsb.DMADevice.
func (b *Bridge) FreeChannelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freeChannels
}

// AllocChannel implements tsb.DMADevice.
func (b *Bridge) AllocChannel(params tsb.ChannelParams) (tsb.DMAChannel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, tsb.ErrClosed
	}
	if b.freeChannels == 0 {
		return nil, tsb.ErrNoSpace
	}
	b.freeChannels--
	ch := &simChannel{
		b:      b,
		params: params,
		queue:  make(chan *tsb.DMAOp, channelQueueDepth),
		quit:   make(chan struct{}),
	}
	b.wg.Add(1)
	go ch.run()
	return ch, nil
}

// AllocOp implements tsb.DMADevice.
func (b *Bridge) AllocOp(sgCount int) (*tsb.DMAOp, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, tsb.ErrClosed
	}
	if len(b.freeOps) == 0 {
		return nil, tsb.ErrNoSpace
	}
	op := b.freeOps[len(b.freeOps)-1]
	b.freeOps = b.freeOps[:len(b.freeOps)-1]
	if cap(op.Sg) < sgCount {
		op.Sg = make([]tsb.SgEntry, 0, sgCount)
	}
	op.Sg = op.Sg[:0]
	op.Events = 0
	op.Callback = nil
	b.phase[op] = phaseIdle
	return op, nil
}

// FreeOp implements tsb.DMADevice.
func (b *Bridge) FreeOp(op *tsb.DMAOp) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ph, ok := b.phase[op]
	if !ok {
		return errors.New("tsbsim: free of op not allocated")
	}
	if ph != phaseIdle {
		return errors.New("tsbsim: free of op still queued")
	}
	delete(b.phase, op)
	delete(b.cancelled, op)
	op.Callback = nil
	b.freeOps = append(b.freeOps, op)
	return nil
}

// MaxOpLen implements tsb.DMADevice.
func (b *Bridge) MaxOpLen() int { return b.maxOpLen }

// CPortCount implements tsb.Fabric.
func (b *Bridge) CPortCount() uint16 { return uint16(len(b.acc)) }

// SetEOMFlag implements tsb.Fabric. It closes the message accumulating on
// cport and schedules its delivery to OnMessage.
func (b *Bridge) SetEOMFlag(cport uint16) {
	b.mu.Lock()
	if int(cport) >= len(b.acc) {
		b.mu.Unlock()
		return
	}
	msg := b.acc[cport]
	b.acc[cport] = nil
	b.mu.Unlock()
	select {
	case b.deliver <- delivery{cport: cport, msg: msg}:
	case <-b.quit:
	}
}

// ResetCPort implements tsb.Fabric. Whatever accumulated on the CPort
// without an end of message flag is discarded.
func (b *Bridge) ResetCPort(cport uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(cport) >= len(b.acc) {
		return errors.New("tsbsim: reset of unknown cport")
	}
	b.acc[cport] = nil
	b.resets.Add(1)
	return nil
}

// TxBufferSpaceOffset implements tsb.Fabric.
func (b *Bridge) TxBufferSpaceOffset(cport uint16) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(cport) >= len(b.wmRegs) {
		return 0
	}
	return b.wmRegs[cport]
}

// SetTxBufferSpaceOffset implements tsb.Fabric.
func (b *Bridge) SetTxBufferSpaceOffset(cport uint16, value uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(cport) >= len(b.wmRegs) {
		return
	}
	b.wmRegs[cport] = value
}

func (b *Bridge) takeFault(cport uint16) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext[cport] > 0 {
		b.failNext[cport]--
		return true
	}
	return false
}

func (b *Bridge) takeCancelled(op *tsb.DMAOp) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelled[op] {
		delete(b.cancelled, op)
		return true
	}
	return false
}

func (b *Bridge) setPhase(op *tsb.DMAOp, ph opPhase) {
	b.mu.Lock()
	b.phase[op] = ph
	b.mu.Unlock()
}

// copyIn appends the op payload to the CPort accumulation buffers.
func (b *Bridge) copyIn(op *tsb.DMAOp) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sg := range op.Sg {
		cport, _, ok := tsb.TxBufCPort(sg.DstAddr)
		if !ok || int(cport) >= len(b.acc) {
			continue
		}
		b.acc[cport] = append(b.acc[cport], sg.Src...)
	}
}

func (b *Bridge) logerr(msg string, attrs ...slog.Attr) {
	b.logattrs(slog.LevelError, msg, attrs...)
}

func (b *Bridge) debug(msg string, attrs ...slog.Attr) {
	b.logattrs(slog.LevelDebug, msg, attrs...)
}

func (b *Bridge) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if b.logger != nil {
		b.logger.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

// simChannel is one DMA channel. Operations queue in order and are executed
// one at a time by the channel goroutine, which also reports the lifecycle
// events. The bridge lock is never held across a callback.
type simChannel struct {
	b      *Bridge
	params tsb.ChannelParams
	queue  chan *tsb.DMAOp
	quit   chan struct{}
	freed  atomic.Bool
}

var _ tsb.DMAChannel = (*simChannel)(nil)

// Enqueue implements tsb.DMAChannel.
func (ch *simChannel) Enqueue(op *tsb.DMAOp) error {
	b := ch.b
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return tsb.ErrClosed
	}
	if ph, ok := b.phase[op]; !ok || ph != phaseIdle {
		b.mu.Unlock()
		return errors.New("tsbsim: enqueue of op not allocated or already queued")
	}
	if len(op.Sg) == 0 {
		b.mu.Unlock()
		return errors.New("tsbsim: enqueue of empty op")
	}
	total := 0
	for _, sg := range op.Sg {
		if !isaligned(sg.DstAddr, 4) {
			b.mu.Unlock()
			return errors.New("tsbsim: unaligned destination address")
		}
		total += len(sg.Src)
	}
	if b.maxOpLen > 0 && total > b.maxOpLen {
		b.mu.Unlock()
		return errors.New("tsbsim: op exceeds max transfer length")
	}
	b.phase[op] = phaseQueued
	b.mu.Unlock()
	select {
	case ch.queue <- op:
		return nil
	default:
		b.setPhase(op, phaseIdle)
		return tsb.ErrNoSpace
	}
}

// Dequeue implements tsb.DMAChannel. The cancelled op reports
// tsb.EventDequeued from the channel goroutine, not from here.
func (ch *simChannel) Dequeue(op *tsb.DMAOp) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ph, ok := b.phase[op]; !ok || ph == phaseIdle {
		return errors.New("tsbsim: dequeue of op not queued")
	}
	b.cancelled[op] = true
	return nil
}

// Free implements tsb.DMAChannel.
func (ch *simChannel) Free() error {
	if ch.freed.Swap(true) {
		return errors.New("tsbsim: channel already freed")
	}
	close(ch.quit)
	ch.b.mu.Lock()
	ch.b.freeChannels++
	ch.b.mu.Unlock()
	return nil
}

func (ch *simChannel) run() {
	defer ch.b.wg.Done()
	for {
		select {
		case <-ch.quit:
			return
		case <-ch.b.quit:
			return
		case op := <-ch.queue:
			ch.execute(op)
		}
	}
}

// execute runs one operation: the start event, the flow control gate, the
// copy into the CPort buffer and the final event. A faulted transfer goes
// through one error plus recovered round and is then started again; a
// second fault on the same op aborts it.
func (ch *simChannel) execute(op *tsb.DMAOp) {
	b := ch.b
	if b.takeCancelled(op) {
		ch.finish(op, tsb.EventDequeued)
		return
	}
	b.setPhase(op, phaseRunning)

	cport, _, ok := tsb.TxBufCPort(op.Sg[0].DstAddr)
	if !ok {
		b.logerr("execute:bad-dst", slog.Uint64("addr", uint64(op.Sg[0].DstAddr)))
		ch.finish(op, tsb.EventDequeued)
		return
	}

	for attempt := 0; ; attempt++ {
		if err := ch.callback(op, tsb.EventStart); err != nil {
			b.logerr("execute:start-abort", slog.Uint64("cport", uint64(cport)), slog.String("err", err.Error()))
			ch.finish(op, tsb.EventDequeued)
			return
		}
		faulted := b.takeFault(cport)
		if !b.flow.routedRunning(ch.params.DstID, cport) {
			faulted = true
		}
		if !faulted {
			break
		}
		if attempt > 0 {
			b.logerr("execute:fault-again", slog.Uint64("cport", uint64(cport)))
			ch.finish(op, tsb.EventDequeued)
			return
		}
		verdict := ch.callback(op, tsb.EventError)
		b.flow.forceStop(ch.params.DstID)
		if !errors.Is(verdict, tsb.ErrDMAFailed) {
			// The client did not claim the fault, drop the op.
			b.logerr("execute:fault-unclaimed", slog.Uint64("cport", uint64(cport)))
			ch.finish(op, tsb.EventDequeued)
			return
		}
		ch.callback(op, tsb.EventRecovered)
	}

	b.copyIn(op)
	if b.takeCancelled(op) {
		ch.finish(op, tsb.EventDequeued)
		return
	}
	ch.finish(op, tsb.EventCompleted)
}

// callback delivers ev to the op callback if the op subscribed to it.
func (ch *simChannel) callback(op *tsb.DMAOp, ev tsb.Event) error {
	if op.Callback == nil || !op.Events.Has(ev) {
		return nil
	}
	return op.Callback(ch, op, ev)
}

// finish marks the op idle and delivers its final event. The op goes idle
// before the callback so the client may free it from callback context.
func (ch *simChannel) finish(op *tsb.DMAOp, ev tsb.Event) {
	ch.b.setPhase(op, phaseIdle)
	ch.callback(op, ev)
}

func isaligned[T constraints.Unsigned](val, align T) bool {
	return val&(align-1) == 0
}
