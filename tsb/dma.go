package tsb

// Event is a bitmask of DMA operation lifecycle events. The GDMAC reports
// each event to the operation callback as it happens.
type Event uint8

const (
	// EventStart fires right before the first byte of the operation moves.
	EventStart Event = 1 << iota
	// EventCompleted fires once the whole scatter gather list has been
	// written to the destination.
	EventCompleted
	// EventDequeued fires when a queued operation is cancelled with
	// Dequeue before completing.
	EventDequeued
	// EventError fires when the transfer faults. On ES3 parts the
	// controller pauses the channel and waits for the callback verdict.
	EventError
	// EventRecovered fires after a faulted channel has been brought back
	// to a usable state.
	EventRecovered

	// EventsAll subscribes a DMA operation to every lifecycle event.
	EventsAll = EventStart | EventCompleted | EventDequeued | EventError | EventRecovered
)

// Has reports whether all bits in mask are set in e.
func (e Event) Has(mask Event) bool { return e&mask == mask }

func (e Event) String() string {
	if e == 0 {
		return "none"
	}
	var names []string
	for i, name := range eventNames {
		if e&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	s := names[0]
	for _, name := range names[1:] {
		s += "|" + name
	}
	return s
}

var eventNames = [...]string{"start", "completed", "dequeued", "error", "recovered"}

// SgEntry is one element of a scatter gather list: a span of source memory
// and the bus address it is written to.
type SgEntry struct {
	Src     []byte
	DstAddr uint32
}

// DMAOp is a single DMA operation. Ownership passes to the controller on
// Enqueue and returns to the caller when the controller reports the final
// event for it. Ops come from DMADevice.AllocOp and must be handed back
// with FreeOp.
type DMAOp struct {
	// Events selects which lifecycle events invoke Callback.
	Events Event
	// Callback is invoked from the controller's completion context, never
	// from the enqueueing goroutine. A non nil return on EventError makes
	// the controller run its recovery sequence.
	Callback func(ch DMAChannel, op *DMAOp, ev Event) error
	// Sg is the scatter gather list to transfer, in order.
	Sg []SgEntry
}

// DevClass selects what kind of endpoint a DMA channel moves data to or from.
type DevClass uint8

const (
	DevMem DevClass = iota
	DevIO
	DevUniPro
)

func (d DevClass) String() string {
	switch d {
	case DevMem:
		return "mem"
	case DevIO:
		return "io"
	case DevUniPro:
		return "unipro"
	default:
		return "unknown dev"
	}
}

// IncOption sets the address increment mode of a DMA endpoint.
type IncOption uint8

const (
	IncNone IncOption = iota
	IncAuto
)

// TransferSize is the width in bytes of one DMA beat.
type TransferSize uint8

const (
	TransferSize1  TransferSize = 1
	TransferSize8  TransferSize = 8
	TransferSize16 TransferSize = 16
	TransferSize64 TransferSize = 64
)

// BurstLen is the number of beats moved per bus grant.
type BurstLen uint8

const (
	BurstLen1  BurstLen = 1
	BurstLen4  BurstLen = 4
	BurstLen8  BurstLen = 8
	BurstLen16 BurstLen = 16
)

// SwapSize configures byte swapping of the data stream. SwapNone leaves the
// stream untouched.
type SwapSize uint8

const (
	SwapNone SwapSize = 0
	Swap2    SwapSize = 2
	Swap4    SwapSize = 4
)

// ChannelParams configures a DMA channel at allocation time.
type ChannelParams struct {
	Src    DevClass
	SrcID  uint8
	SrcInc IncOption
	Dst    DevClass
	// DstID is the peripheral ID that paces the channel, usually obtained
	// from FlowReq.PeripheralID.
	DstID        uint8
	DstInc       IncOption
	TransferSize TransferSize
	Burst        BurstLen
	Swap         SwapSize
}

// DMADevice is a DMA controller, typically the bridge GDMAC. Implementations
// must be safe for concurrent use.
type DMADevice interface {
	// FreeChannelCount returns how many channels AllocChannel can still
	// hand out.
	FreeChannelCount() int
	// AllocChannel allocates and configures a channel.
	AllocChannel(params ChannelParams) (DMAChannel, error)
	// AllocOp takes an operation with capacity for sgCount scatter gather
	// entries from the device pool. Returns ErrNoSpace when the pool is
	// exhausted.
	AllocOp(sgCount int) (*DMAOp, error)
	// FreeOp returns an operation to the device pool.
	FreeOp(op *DMAOp) error
	// MaxOpLen returns the largest payload in bytes a single operation may
	// carry, or 0 when the device does not bound it.
	MaxOpLen() int
	// Close releases the controller. Allocated channels become invalid.
	Close() error
}

// DMAChannel is one allocated channel of a DMADevice.
type DMAChannel interface {
	// Enqueue submits op on the channel. The op's callback reports
	// lifecycle events from the controller's completion context.
	Enqueue(op *DMAOp) error
	// Dequeue cancels a queued or in flight op. The controller reports
	// EventDequeued for it instead of EventCompleted.
	Dequeue(op *DMAOp) error
	// Free releases the channel back to the device.
	Free() error
}
