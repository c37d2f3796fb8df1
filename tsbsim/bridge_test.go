package tsbsim

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/modulab/unipro/tsb"
	"github.com/stretchr/testify/require"
)

func TestFlowStateMachine(t *testing.T) {
	c := NewController(nil)
	require.Equal(t, tsb.MaxFlowReqs, c.FreeReqCount())

	req, err := c.AllocReq()
	require.NoError(t, err)
	require.Equal(t, uint8(tsb.FlowPeripheralOffset), req.PeripheralID())
	require.Equal(t, tsb.ReqAllocated, c.State(0))

	require.Error(t, req.Activate(), "activate before connect must fail")
	require.NoError(t, req.Connect(3))
	require.Error(t, req.Connect(4), "connect of a connected line must fail")
	require.False(t, req.Activated())

	require.NoError(t, req.Activate())
	require.True(t, req.Activated())
	require.Equal(t, tsb.ReqRunning, c.State(0))

	require.NoError(t, req.Completed())
	require.False(t, req.Activated())
	require.Error(t, req.Completed(), "completed without a running transfer must fail")

	require.NoError(t, req.Activate())
	require.NoError(t, req.Deactivate())
	require.Equal(t, tsb.ReqConnected, c.State(0))
	// Deactivating a line that is merely connected demotes it to allocated.
	require.NoError(t, req.Deactivate())
	require.Equal(t, tsb.ReqAllocated, c.State(0))
	require.Error(t, req.Disconnect(), "disconnect of an unconnected line must fail")

	require.NoError(t, req.Connect(3))
	require.NoError(t, req.Disconnect())
	require.NoError(t, req.Free())
	require.Equal(t, tsb.MaxFlowReqs, c.FreeReqCount())
}

func TestFlowForceStopDemotes(t *testing.T) {
	c := NewController(nil)
	req, err := c.AllocReq()
	require.NoError(t, err)
	require.NoError(t, req.Connect(1))
	require.NoError(t, req.Activate())

	// The hardware clears the start bit behind software's back during fault
	// recovery. The software state catches up on the next poll.
	c.forceStop(req.PeripheralID())
	require.Equal(t, tsb.ReqRunning, c.State(0))
	require.False(t, req.Activated())
	require.Equal(t, tsb.ReqConnected, c.State(0))
	require.NoError(t, req.Activate())
}

func TestBridgeCopyDelivery(t *testing.T) {
	b := NewBridge(Config{})
	defer b.Close()
	msgs := make(chan []byte, 1)
	b.OnMessage = func(cport uint16, msg []byte) {
		if cport == 2 {
			msgs <- msg
		}
	}

	req, err := b.Flow().AllocReq()
	require.NoError(t, err)
	require.NoError(t, req.Connect(2))
	require.NoError(t, req.Activate())

	ch, err := b.AllocChannel(tsb.ChannelParams{Dst: tsb.DevUniPro, DstID: req.PeripheralID()})
	require.NoError(t, err)
	op, err := b.AllocOp(1)
	require.NoError(t, err)

	payload := Payload("manual-op", 128)
	op.Sg = append(op.Sg, tsb.SgEntry{Src: payload, DstAddr: tsb.TxBufAddr(2)})
	op.Events = tsb.EventCompleted
	done := make(chan struct{})
	op.Callback = func(_ tsb.DMAChannel, _ *tsb.DMAOp, ev tsb.Event) error {
		close(done)
		return nil
	}
	require.NoError(t, ch.Enqueue(op))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("completion event never delivered")
	}
	require.Equal(t, len(payload), b.Buffered(2))

	b.SetEOMFlag(2)
	select {
	case msg := <-msgs:
		require.Equal(t, payload, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
	require.Equal(t, 0, b.Buffered(2))

	require.NoError(t, b.FreeOp(op))
	require.NoError(t, ch.Free())
	require.Error(t, ch.Free(), "double free of a channel must fail")
	require.NoError(t, req.Free())
}

func TestOpPoolExhaustion(t *testing.T) {
	b := NewBridge(Config{OpPool: 2})
	defer b.Close()

	op1, err := b.AllocOp(1)
	require.NoError(t, err)
	op2, err := b.AllocOp(1)
	require.NoError(t, err)
	_, err = b.AllocOp(1)
	require.True(t, errors.Is(err, tsb.ErrNoSpace))

	require.NoError(t, b.FreeOp(op1))
	op3, err := b.AllocOp(4)
	require.NoError(t, err)
	require.True(t, cap(op3.Sg) >= 4)

	require.NoError(t, b.FreeOp(op2))
	require.NoError(t, b.FreeOp(op3))
	require.Error(t, b.FreeOp(op3), "double free of an op must fail")
}

func TestEnqueueValidation(t *testing.T) {
	b := NewBridge(Config{MaxOpLen: 64})
	defer b.Close()
	ch, err := b.AllocChannel(tsb.ChannelParams{})
	require.NoError(t, err)
	op, err := b.AllocOp(1)
	require.NoError(t, err)

	require.Error(t, ch.Enqueue(op), "empty op must be rejected")

	op.Sg = append(op.Sg[:0], tsb.SgEntry{Src: make([]byte, 8), DstAddr: tsb.TxBufAddr(1) + 2})
	require.Error(t, ch.Enqueue(op), "unaligned destination must be rejected")

	op.Sg = append(op.Sg[:0], tsb.SgEntry{Src: make([]byte, 65), DstAddr: tsb.TxBufAddr(1)})
	require.Error(t, ch.Enqueue(op), "op above the transfer limit must be rejected")

	foreign := &tsb.DMAOp{Sg: []tsb.SgEntry{{Src: []byte{1}, DstAddr: tsb.TxBufAddr(1)}}}
	require.Error(t, ch.Enqueue(foreign), "op not from the pool must be rejected")

	require.NoError(t, b.FreeOp(op))
	require.NoError(t, ch.Free())
}

func TestPayloadDeterminism(t *testing.T) {
	p1 := Payload("seed", 64)
	p2 := Payload("seed", 64)
	require.Equal(t, p1, p2)
	require.NotEqual(t, p1, Payload("other", 64))

	buf := make([]byte, 64)
	_, err := io.ReadFull(NewPayloadReader("seed"), buf)
	require.NoError(t, err)
	require.Equal(t, p1, buf)
}
