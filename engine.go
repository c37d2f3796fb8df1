// Package unipro implements the transmit side of a UniPro CPort fabric on
// Toshiba bridge silicon. Payloads are moved into CPort transmit buffers by
// GDMAC DMA channels and paced by the ATABL hardware flow control table, so
// data only leaves the bridge when the peer has buffer space for it.
//
// An Engine owns a fixed pool of DMA channels, each paired with one flow
// control request line. Transfers are queued per CPort and dispatched in
// FIFO order by a single dispatcher goroutine. Completion is reported
// through per transfer callbacks which fire exactly once.
package unipro

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/modulab/unipro/tsb"
)

// Errors returned by the engine.
var (
	// ErrInvalidCPort is returned for CPort ids outside the fabric.
	ErrInvalidCPort = errors.New("unipro: invalid cport")
	// ErrCPortResetting is returned by sends on a CPort with a reset
	// pending. The CPort accepts sends again once the reset completes.
	ErrCPortResetting = errors.New("unipro: cport reset pending")
	// ErrConnReset is the status passed to transfer callbacks whose
	// transfer was cancelled by a CPort reset.
	ErrConnReset = errors.New("unipro: connection reset")
	// ErrClosed is returned by operations on a closed engine and passed
	// to callbacks of transfers cancelled by Close.
	ErrClosed = errors.New("unipro: engine closed")
	// ErrTooFewChannels is returned by New when fewer than two DMA
	// channels can be allocated. Channel 0 is reserved for CPort 0 so a
	// single channel engine could never serve data CPorts.
	ErrTooFewChannels = errors.New("unipro: need at least two dma channels")
	// ErrNoFlowReqs is returned by New when a request line allocation
	// fails after the free count promised one for every channel.
	ErrNoFlowReqs = errors.New("unipro: not enough flow control reqs")
)

// DefaultMaxChannels caps the DMA channel pool when Config.MaxChannels is
// zero.
const DefaultMaxChannels = 8

// Config configures an Engine. DMA, Flow and Fabric are mandatory.
type Config struct {
	// DMA is the GDMAC controller that moves payloads into CPort transmit
	// buffers.
	DMA tsb.DMADevice
	// Flow is the ATABL controller pacing the DMA channels.
	Flow tsb.FlowController
	// Fabric is the CPort register file of the local bridge.
	Fabric tsb.Fabric
	// MaxChannels caps the DMA channel pool. Zero means DefaultMaxChannels.
	MaxChannels int
	// Rev selects revision specific behavior. Zero means tsb.RevES3.
	// DMA fault recovery is only performed on ES3 and later parts.
	Rev tsb.Rev
	// WaterMarkWorkaround programs the reduced transmit watermark on
	// parts with the write buffer erratum.
	WaterMarkWorkaround bool
	// Logger receives engine logs. Nil disables logging.
	Logger *slog.Logger
}

// Engine is the transmit engine of a UniPro bridge. Create one with New and
// release it with Close. All methods are safe for concurrent use.
type Engine struct {
	mu sync.Mutex // Guards cport queues, reset state and channel bindings.

	dma  tsb.DMADevice
	flow tsb.FlowController
	fab  tsb.Fabric

	channels []*dmaChannel
	cports   []cportState

	wake     chan struct{} // Capacity 1. Sends and completions nudge the dispatcher.
	quit     chan struct{}
	done     chan struct{}
	inflight sync.WaitGroup // In flight DMA ops, waited on by Close.

	closed    bool // Guarded by mu.
	closeOnce sync.Once
	closeErr  error

	rev      tsb.Rev
	maxOpLen int

	stats struct {
		sends, completes, cancels, dmaErrors, resets atomic.Uint32
	}

	logger        *slog.Logger
	_traceenabled bool
}

// Stats is a snapshot of cumulative engine counters.
type Stats struct {
	// Sends counts transfers accepted by SendAsync.
	Sends uint32
	// Completes counts transfers that reached the fabric and fired their
	// callback with a nil status.
	Completes uint32
	// Cancels counts transfers cancelled by resets or Close.
	Cancels uint32
	// DMAErrors counts DMA fault events seen by the engine.
	DMAErrors uint32
	// Resets counts completed CPort resets.
	Resets uint32
}

// New allocates the DMA channel pool, pairs each channel with a flow control
// request line, programs the transmit watermarks and starts the dispatcher.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.DMA == nil:
		return nil, errors.New("unipro: nil DMA device")
	case cfg.Flow == nil:
		return nil, errors.New("unipro: nil flow controller")
	case cfg.Fabric == nil:
		return nil, errors.New("unipro: nil fabric")
	}
	maxChannels := cfg.MaxChannels
	if maxChannels == 0 {
		maxChannels = DefaultMaxChannels
	}
	rev := cfg.Rev
	if rev == 0 {
		rev = tsb.RevES3
	}
	e := &Engine{
		dma:      cfg.DMA,
		flow:     cfg.Flow,
		fab:      cfg.Fabric,
		cports:   make([]cportState, cfg.Fabric.CPortCount()),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		rev:      rev,
		maxOpLen: cfg.DMA.MaxOpLen(),
		logger:   cfg.Logger,
	}
	e._traceenabled = e.isLogEnabled(levelTrace)

	nchan := e.dma.FreeChannelCount()
	if nchan > maxChannels {
		nchan = maxChannels
	}
	if free := e.flow.FreeReqCount(); free < nchan {
		nchan = free
	}
	if nchan < 2 {
		return nil, ErrTooFewChannels
	}

	// Tell each CPort to raise flow control while less than a watermark of
	// buffer space is left, so the handshake throttles the DMA before the
	// transmit buffer overruns.
	wm := tsb.TxWaterMark
	if cfg.WaterMarkWorkaround {
		wm = tsb.TxWaterMarkWorkaround
	}
	for cport := uint16(0); cport < e.fab.CPortCount(); cport++ {
		v := e.fab.TxBufferSpaceOffset(cport)
		e.fab.SetTxBufferSpaceOffset(cport, v|wm<<tsb.TxWaterMarkShift)
	}

	params := tsb.ChannelParams{
		Src:          tsb.DevMem,
		SrcInc:       tsb.IncAuto,
		Dst:          tsb.DevUniPro,
		DstInc:       tsb.IncAuto,
		TransferSize: tsb.TransferSize64,
		Burst:        tsb.BurstLen16,
		Swap:         tsb.SwapNone,
	}
	for i := 0; i < nchan; i++ {
		req, err := e.flow.AllocReq()
		if err != nil {
			e.freeChannels()
			return nil, errors.Join(ErrNoFlowReqs, err)
		}
		params.DstID = req.PeripheralID()
		hw, err := e.dma.AllocChannel(params)
		if err != nil {
			req.Free()
			e.freeChannels()
			return nil, errors.Join(ErrTooFewChannels, err)
		}
		e.channels = append(e.channels, &dmaChannel{hw: hw, req: req, cport: tsb.CPortNone})
	}
	e.info("init:channels", slog.Int("count", len(e.channels)), slog.String("rev", e.rev.String()))

	go e.txWorker()
	return e, nil
}

// Close stops the dispatcher, cancels every queued transfer with ErrClosed,
// completes any reset still pending, waits for in flight DMA operations to
// drain and releases the channel pool.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.quit)
		<-e.done
		for cport := range e.cports {
			e.mu.Lock()
			pending := e.cports[cport].pendingReset
			e.mu.Unlock()
			if pending {
				// The dispatcher that would have serviced the reset is
				// gone. Complete it here so the requester's callback
				// still fires.
				e.flushCPort(uint16(cport), ErrClosed)
			} else {
				e.cancelCPort(uint16(cport), ErrClosed)
			}
		}
		e.inflight.Wait()
		e.closeErr = e.freeChannels()
		e.info("Close:done")
	})
	return e.closeErr
}

// freeChannels returns every channel and request line to its device.
func (e *Engine) freeChannels() error {
	var err error
	for _, ch := range e.channels {
		if ch.req.Activated() {
			ch.req.Deactivate()
		}
		err = errors.Join(err, ch.req.Free(), ch.hw.Free())
	}
	e.channels = nil
	return err
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Sends:     e.stats.sends.Load(),
		Completes: e.stats.completes.Load(),
		Cancels:   e.stats.cancels.Load(),
		DMAErrors: e.stats.dmaErrors.Load(),
		Resets:    e.stats.resets.Load(),
	}
}

// Channels reports the CPort each DMA channel is currently routed to,
// tsb.CPortNone for unrouted channels.
func (e *Engine) Channels() []uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	routes := make([]uint16, len(e.channels))
	for i, ch := range e.channels {
		routes[i] = ch.cport
	}
	return routes
}

// CPortCount returns the number of CPorts served by the engine.
func (e *Engine) CPortCount() uint16 { return uint16(len(e.cports)) }

// nudge wakes the dispatcher. Nudges before the dispatcher runs coalesce
// into one pass, which is enough since a pass scans every CPort.
func (e *Engine) nudge() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
