package unipro

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modulab/unipro/tsb"
	"github.com/modulab/unipro/tsbsim"
)

type testMsg struct {
	cport uint16
	data  []byte
}

// newTestEngine wires an Engine to a simulated bridge and collects delivered
// messages. Cleanup closes the engine before the bridge.
func newTestEngine(t *testing.T, bcfg tsbsim.Config, ecfg Config) (*Engine, *tsbsim.Bridge, <-chan testMsg) {
	t.Helper()
	b := tsbsim.NewBridge(bcfg)
	msgs := make(chan testMsg, 64)
	b.OnMessage = func(cport uint16, msg []byte) {
		msgs <- testMsg{cport: cport, data: msg}
	}
	ecfg.DMA = b
	ecfg.Flow = b.Flow()
	ecfg.Fabric = b
	e, err := New(ecfg)
	if err != nil {
		b.Close()
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		e.Close()
		b.Close()
	})
	return e, b, msgs
}

func waitMsg(t *testing.T, msgs <-chan testMsg) testMsg {
	t.Helper()
	select {
	case m := <-msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message delivery")
	}
	return testMsg{}
}

func TestSendDelivers(t *testing.T) {
	e, _, msgs := newTestEngine(t, tsbsim.Config{}, Config{})
	payload := tsbsim.Payload("send-delivers", 3000)
	if err := e.Send(2, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	m := waitMsg(t, msgs)
	if m.cport != 2 {
		t.Errorf("message on cport %d, want 2", m.cport)
	}
	if !bytes.Equal(m.data, payload) {
		t.Errorf("message corrupted: got %d bytes, want %d", len(m.data), len(payload))
	}
	stats := e.Stats()
	if stats.Sends != 1 || stats.Completes != 1 {
		t.Errorf("stats = %+v, want 1 send and 1 complete", stats)
	}
}

func TestSendMultiWindow(t *testing.T) {
	// A 96 byte op bound forces an 1000 byte payload through many windows
	// of the same descriptor. The peer must still see one message.
	e, _, msgs := newTestEngine(t, tsbsim.Config{MaxOpLen: 96}, Config{})
	payload := tsbsim.Payload("multi-window", 1000)
	if err := e.Send(3, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	m := waitMsg(t, msgs)
	if !bytes.Equal(m.data, payload) {
		t.Fatalf("reassembled message corrupted: got %d bytes, want %d", len(m.data), len(payload))
	}
}

func TestSendAsyncFIFOPerCPort(t *testing.T) {
	e, _, msgs := newTestEngine(t, tsbsim.Config{}, Config{})
	const n = 20
	payloads := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		payloads[i] = tsbsim.Payload(fmt.Sprintf("fifo-%d", i), 64+i)
		wg.Add(1)
		err := e.SendAsync(4, payloads[i], func(status error) {
			if status != nil {
				t.Errorf("transfer status: %v", status)
			}
			wg.Done()
		})
		if err != nil {
			t.Fatalf("SendAsync %d: %v", i, err)
		}
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		m := waitMsg(t, msgs)
		if !bytes.Equal(m.data, payloads[i]) {
			t.Fatalf("message %d out of order or corrupted", i)
		}
	}
}

func TestConcurrentCPorts(t *testing.T) {
	e, _, msgs := newTestEngine(t, tsbsim.Config{Channels: 3}, Config{MaxChannels: 3})
	cports := []uint16{0, 1, 2, 3, 4}
	sent := make(map[uint16][]byte, len(cports))
	for _, cp := range cports {
		sent[cp] = tsbsim.Payload(fmt.Sprintf("conc-%d", cp), 500)
	}
	var wg sync.WaitGroup
	for _, cp := range cports {
		wg.Add(1)
		go func(cp uint16) {
			defer wg.Done()
			if err := e.Send(cp, sent[cp]); err != nil {
				t.Errorf("Send cport %d: %v", cp, err)
			}
		}(cp)
	}
	wg.Wait()
	for range cports {
		m := waitMsg(t, msgs)
		if !bytes.Equal(m.data, sent[m.cport]) {
			t.Errorf("cport %d message corrupted", m.cport)
		}
		delete(sent, m.cport)
	}
	if len(sent) != 0 {
		t.Errorf("missing deliveries for cports %v", sent)
	}
}

func TestChannel0ReservedForCPort0(t *testing.T) {
	e, _, msgs := newTestEngine(t, tsbsim.Config{Channels: 3}, Config{MaxChannels: 3})
	for _, cp := range []uint16{0, 1, 2, 3, 4, 0} {
		if err := e.Send(cp, tsbsim.Payload("reserved", 128)); err != nil {
			t.Fatalf("Send cport %d: %v", cp, err)
		}
		waitMsg(t, msgs)
	}
	routes := e.Channels()
	if routes[0] != 0 {
		t.Errorf("channel 0 routed to cport %d, want 0", routes[0])
	}
	for i, cp := range routes[1:] {
		if cp == 0 {
			t.Errorf("channel %d routed to cport 0, only channel 0 may serve it", i+1)
		}
	}
}

func TestSendErrors(t *testing.T) {
	e, _, _ := newTestEngine(t, tsbsim.Config{CPorts: 4}, Config{})
	if err := e.Send(99, []byte("x")); !errors.Is(err, ErrInvalidCPort) {
		t.Errorf("send on unknown cport: %v, want ErrInvalidCPort", err)
	}
	if err := e.RequestReset(99, nil); !errors.Is(err, ErrInvalidCPort) {
		t.Errorf("reset of unknown cport: %v, want ErrInvalidCPort", err)
	}
}

func TestCloseFiresEveryCallbackOnce(t *testing.T) {
	b := tsbsim.NewBridge(tsbsim.Config{})
	e, err := New(Config{DMA: b, Flow: b.Flow(), Fabric: b})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()
	const n = 40
	var fired atomic.Int32
	for i := 0; i < n; i++ {
		err := e.SendAsync(uint16(i%6), tsbsim.Payload("close", 256), func(status error) {
			if status != nil && !errors.Is(status, ErrClosed) && !errors.Is(status, ErrConnReset) {
				t.Errorf("unexpected cancel status: %v", status)
			}
			fired.Add(1)
		})
		if err != nil {
			t.Fatalf("SendAsync %d: %v", i, err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := fired.Load(); got != n {
		t.Fatalf("%d callbacks fired, want exactly %d", got, n)
	}
	if err := e.Send(1, []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close: %v, want ErrClosed", err)
	}
}

func TestNewRejectsSingleChannel(t *testing.T) {
	b := tsbsim.NewBridge(tsbsim.Config{Channels: 1})
	defer b.Close()
	_, err := New(Config{DMA: b, Flow: b.Flow(), Fabric: b})
	if !errors.Is(err, ErrTooFewChannels) {
		t.Fatalf("New with one channel: %v, want ErrTooFewChannels", err)
	}
}

func TestNewClampsToFlowReqs(t *testing.T) {
	b := tsbsim.NewBridge(tsbsim.Config{})
	defer b.Close()
	// Leave only two free request lines, the pool must shrink to match.
	for i := 0; i < tsb.MaxFlowReqs-2; i++ {
		if _, err := b.Flow().AllocReq(); err != nil {
			t.Fatalf("AllocReq %d: %v", i, err)
		}
	}
	e, err := New(Config{DMA: b, Flow: b.Flow(), Fabric: b})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()
	if got := len(e.Channels()); got != 2 {
		t.Errorf("channel pool size = %d, want 2 after flow req clamp", got)
	}
	if err := e.Send(3, tsbsim.Payload("clamped", 64)); err != nil {
		t.Fatalf("send on clamped engine: %v", err)
	}
}

func TestNewProgramsWaterMarks(t *testing.T) {
	b := tsbsim.NewBridge(tsbsim.Config{CPorts: 3})
	defer b.Close()
	e, err := New(Config{DMA: b, Flow: b.Flow(), Fabric: b, WaterMarkWorkaround: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()
	want := tsb.TxWaterMarkWorkaround << tsb.TxWaterMarkShift
	for cp := uint16(0); cp < 3; cp++ {
		if got := b.TxBufferSpaceOffset(cp); got != want {
			t.Errorf("cport %d watermark reg = %#x, want %#x", cp, got, want)
		}
	}
}
