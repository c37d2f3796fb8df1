package unipro

import (
	"bytes"
	"errors"
	"testing"

	"github.com/modulab/unipro/tsb"
	"github.com/modulab/unipro/tsbsim"
)

func TestFaultRecovery(t *testing.T) {
	e, b, msgs := newTestEngine(t, tsbsim.Config{}, Config{})
	b.SetTxBufferSpaceOffset(3, 0x1234)
	b.FailNextTransfer(3)

	payload := tsbsim.Payload("fault-recovery", 512)
	if err := e.Send(3, payload); err != nil {
		t.Fatalf("send over faulted channel: %v", err)
	}
	if m := waitMsg(t, msgs); m.cport != 3 || !bytes.Equal(m.data, payload) {
		t.Error("recovered transfer corrupted the message")
	}
	// The fault handler parks the watermark at zero while the channel
	// recovers and must put the old value back afterwards.
	if got := b.TxBufferSpaceOffset(3); got != 0x1234 {
		t.Errorf("watermark register = %#x after recovery, want 0x1234", got)
	}
	if got := e.Stats().DMAErrors; got != 1 {
		t.Errorf("DMAErrors = %d, want 1", got)
	}
}

func TestFaultTwiceDropsTransfer(t *testing.T) {
	e, b, msgs := newTestEngine(t, tsbsim.Config{}, Config{})
	b.SetTxBufferSpaceOffset(5, 0x40)
	b.FailNextTransfer(5)
	b.FailNextTransfer(5)

	err := e.Send(5, tsbsim.Payload("fault-twice", 256))
	if !errors.Is(err, ErrConnReset) {
		t.Fatalf("send status = %v, want ErrConnReset", err)
	}
	if got := b.TxBufferSpaceOffset(5); got != 0x40 {
		t.Errorf("watermark register = %#x after drop, want 0x40", got)
	}
	if got := b.Buffered(5); got != 0 {
		t.Errorf("%d bytes reached the fabric from a dropped transfer", got)
	}

	payload := tsbsim.Payload("after-drop", 256)
	if err := e.Send(5, payload); err != nil {
		t.Fatalf("send after drop: %v", err)
	}
	if m := waitMsg(t, msgs); !bytes.Equal(m.data, payload) {
		t.Error("message after drop corrupted")
	}
}

func TestFaultES2NotRecovered(t *testing.T) {
	e, b, msgs := newTestEngine(t, tsbsim.Config{}, Config{Rev: tsb.RevES2})
	b.SetTxBufferSpaceOffset(2, 0x777)
	b.FailNextTransfer(2)

	// ES2 parts have no usable fault recovery, the engine must leave the
	// fault unclaimed and the transfer dies.
	err := e.Send(2, tsbsim.Payload("es2-fault", 256))
	if !errors.Is(err, ErrConnReset) {
		t.Fatalf("send status = %v, want ErrConnReset", err)
	}
	if got := b.TxBufferSpaceOffset(2); got != 0x777 {
		t.Errorf("watermark register = %#x, want 0x777 untouched", got)
	}
	if got := e.Stats().DMAErrors; got != 0 {
		t.Errorf("DMAErrors = %d, want 0", got)
	}

	payload := tsbsim.Payload("es2-after", 256)
	if err := e.Send(2, payload); err != nil {
		t.Fatalf("send after dropped transfer: %v", err)
	}
	if m := waitMsg(t, msgs); !bytes.Equal(m.data, payload) {
		t.Error("message after dropped transfer corrupted")
	}
}

func TestChannelRebindAcrossCPorts(t *testing.T) {
	e, _, msgs := newTestEngine(t, tsbsim.Config{Channels: 2}, Config{})

	// With two channels every data CPort shares channel 1, so back to back
	// sends on different CPorts force a flow control rebind in between.
	p1 := tsbsim.Payload("rebind-1", 300)
	p4 := tsbsim.Payload("rebind-4", 300)
	if err := e.Send(1, p1); err != nil {
		t.Fatalf("send cport 1: %v", err)
	}
	if err := e.Send(4, p4); err != nil {
		t.Fatalf("send cport 4: %v", err)
	}
	m1, m4 := waitMsg(t, msgs), waitMsg(t, msgs)
	if m1.cport != 1 || !bytes.Equal(m1.data, p1) {
		t.Error("first message corrupted by rebind")
	}
	if m4.cport != 4 || !bytes.Equal(m4.data, p4) {
		t.Error("second message corrupted by rebind")
	}
	if routes := e.Channels(); routes[1] != 4 {
		t.Errorf("channel 1 routed to cport %d, want 4", routes[1])
	}
}
