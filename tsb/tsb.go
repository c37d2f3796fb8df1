// Package tsb defines the hardware surface of Toshiba UniPro bridge ASICs
// as seen by the transmit path: the GDMAC DMA controller, the ATABL flow
// control request table and the CPort register file. The unipro package
// drives these interfaces; tsbsim implements them in software.
package tsb

import "errors"

// Device errors shared by DMA and flow control implementations.
var (
	// ErrNoSpace is returned by queue style operations when the hardware
	// resource (op pool, channel queue) is exhausted. Callers are expected
	// to retry after a completion frees space.
	ErrNoSpace = errors.New("tsb: no space")
	// ErrDMAFailed is returned from an operation callback to tell the DMA
	// controller the transfer must be treated as failed and recovered.
	ErrDMAFailed = errors.New("tsb: dma transfer failed")
	// ErrReqState is returned by FlowReq methods called in a state where
	// the hardware does not accept them.
	ErrReqState = errors.New("tsb: flow req in wrong state")
	// ErrClosed is returned by devices after Close.
	ErrClosed = errors.New("tsb: device closed")
)

// Rev identifies the bridge silicon revision. ES2 predates the ATABL flow
// control block so DMA error recovery only exists on ES3 and later.
type Rev uint8

const (
	RevES2 Rev = iota + 2
	RevES3
)

func (r Rev) String() string {
	switch r {
	case RevES2:
		return "ES2"
	case RevES3:
		return "ES3"
	default:
		return "unknown rev"
	}
}

// CPort constants.
const (
	// CPortNone marks a flow control line or DMA channel as not routed
	// to any CPort.
	CPortNone uint16 = 0xffff
	// CPortTxHeaderSkip is the size in bytes of the transfer header at the
	// start of a CPort transmit buffer. Resumed transfers write past it.
	CPortTxHeaderSkip uint32 = 8
)

// Transmit watermark programming for the TX_BUFFER_SPACE_OFFSET registers.
// The watermark field starts at TxWaterMarkShift and tells the peer how much
// buffer space to leave before raising flow control.
const (
	TxWaterMark           uint32 = 0x20
	TxWaterMarkWorkaround uint32 = 0x10
	TxWaterMarkShift             = 8
)

// CPort transmit buffer window in the bridge address space. Each CPort owns
// CPortTxBufSize bytes starting at CPortTxBufBase.
const (
	CPortTxBufBase uint32 = 0x5000_0000
	CPortTxBufSize uint32 = 0x2_0000
)

// TxBufAddr returns the bus address of the transmit buffer of a CPort. DMA
// operations targeting the CPort use it as their destination.
func TxBufAddr(cport uint16) uint32 {
	return CPortTxBufBase + CPortTxBufSize*uint32(cport)
}

// TxBufCPort is the inverse of TxBufAddr. It reports the CPort owning the
// transmit buffer that contains addr and whether addr falls in any window.
func TxBufCPort(addr uint32) (cport uint16, offset uint32, ok bool) {
	if addr < CPortTxBufBase {
		return 0, 0, false
	}
	off := addr - CPortTxBufBase
	return uint16(off / CPortTxBufSize), off % CPortTxBufSize, true
}

// Fabric exposes the per CPort attributes of the UniPro block that the
// transmit path reads and writes.
type Fabric interface {
	// CPortCount returns the number of CPorts of the local bridge.
	CPortCount() uint16
	// SetEOMFlag raises the end of message flag of the CPort so the peer
	// delivers everything buffered since the last flag as one message.
	SetEOMFlag(cport uint16)
	// ResetCPort reinitializes the transmit side of the CPort and discards
	// anything still buffered in it.
	ResetCPort(cport uint16) error
	// TxBufferSpaceOffset reads the CPort's TX_BUFFER_SPACE_OFFSET
	// register which holds the flow control watermark.
	TxBufferSpaceOffset(cport uint16) uint32
	// SetTxBufferSpaceOffset writes the CPort's TX_BUFFER_SPACE_OFFSET
	// register.
	SetTxBufferSpaceOffset(cport uint16, value uint32)
}
