package tsb

// ATABL geometry. The attribute table has MaxFlowReqs request lines REQn.
// Request line n paces GDMAC peripheral n + FlowPeripheralOffset.
const (
	MaxFlowReqs          = 16
	FlowPeripheralOffset = 16
)

// ReqState is the lifecycle state of a flow control request line.
type ReqState uint8

const (
	// ReqFree lines are available for AllocReq.
	ReqFree ReqState = iota
	// ReqAllocated lines are owned by a client but not routed to a CPort.
	ReqAllocated
	// ReqConnected lines are routed to a CPort with the handshake stopped.
	ReqConnected
	// ReqRunning lines are routed and the hardware handshake is active.
	ReqRunning
	// ReqError lines faulted and must be freed.
	ReqError
)

func (s ReqState) String() string {
	switch s {
	case ReqFree:
		return "free"
	case ReqAllocated:
		return "allocated"
	case ReqConnected:
		return "connected"
	case ReqRunning:
		return "running"
	case ReqError:
		return "error"
	default:
		return "unknown state"
	}
}

// FlowController is the ATABL block. It pairs GDMAC request lines with the
// flow control signals of UniPro CPorts so the DMA engine only pushes data
// when the peer has buffer space.
type FlowController interface {
	// FreeReqCount returns how many request lines AllocReq can still hand
	// out.
	FreeReqCount() int
	// AllocReq takes ownership of a free request line.
	AllocReq() (FlowReq, error)
	// Close releases the controller. Allocated request lines become
	// invalid.
	Close() error
}

// FlowReq is one request line of a FlowController. Methods return ErrReqState
// when called in a state the hardware does not accept, mirroring the state
// set documented on ReqState.
type FlowReq interface {
	// PeripheralID returns the GDMAC peripheral ID paced by this line.
	// Channels that should honor the line are allocated with this value
	// as ChannelParams.DstID.
	PeripheralID() uint8
	// Connect routes the CPort's flow control signal to the line. Valid
	// on an allocated line.
	Connect(cport uint16) error
	// Disconnect removes the CPort routing. Valid on a connected line.
	Disconnect() error
	// Activate starts the hardware handshake. Valid on a connected line.
	Activate() error
	// Deactivate stops the hardware handshake.
	Deactivate() error
	// Activated reports whether the handshake is currently running.
	Activated() bool
	// Completed tells the controller the transfer paced by the line is
	// done. It stops the handshake if the hardware left it pending.
	Completed() error
	// Free disconnects if needed and returns the line to the controller.
	Free() error
}
